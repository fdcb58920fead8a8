package ddns

import "errors"

// ErrProviderTestFailed is returned by New when the constructor's
// authentication test against the provider's domains endpoint fails.
var ErrProviderTestFailed = errors.New("dynamic DNS provider authentication test failed")
