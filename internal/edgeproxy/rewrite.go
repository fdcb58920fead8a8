package edgeproxy

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

var localhostWithPort = regexp.MustCompile(`^localhost:\d+$`)

type rewriteDoneKey struct{}

// splitSubdomain decomposes host into (leading label, ok). ok is true when
// host is exactly three labels ("<sub>.<second-level>.<tld>") or exactly
// two labels whose second is "localhost:<port>" ("<sub>.localhost:<port>").
// Any other shape (a bare domain, an IP, a single label) returns ok=false,
// and Rewrite then empties the request's URI.
func splitSubdomain(host string) (sub string, ok bool) {
	labels := strings.Split(host, ".")
	switch len(labels) {
	case 3:
		return labels[0], true
	case 2:
		if localhostWithPort.MatchString(labels[1]) {
			return labels[0], true
		}
	}
	return "", false
}

// Rewrite prepends "/<sub>" to the request path when Host decomposes into a
// subdomain, per splitSubdomain. Every routable surface lives under a
// subdomain, so a Host that does not decompose (bare IP, scanner traffic, a
// misconfigured client) empties the URI instead: only the root router ever
// sees such a request, and the caller's literal path never reaches route
// matching. It is installed as the very first middleware (ahead of chi's
// route matching) so every downstream stage, including chi's own router,
// sees the rewritten path. It marks the request context once it has
// processed a request, so re-entering this middleware with the same request
// (e.g. a test re-running the chain) is a no-op — the rewrite is
// idempotent.
func Rewrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Value(rewriteDoneKey{}) != nil {
			next.ServeHTTP(w, r)
			return
		}

		if sub, ok := splitSubdomain(r.Host); ok {
			r.URL.Path = "/" + sub + r.URL.Path
			if r.URL.RawPath != "" {
				r.URL.RawPath = "/" + sub + r.URL.RawPath
			}
		} else {
			r.URL.Path = ""
			r.URL.RawPath = ""
			r.URL.RawQuery = ""
		}

		ctx := context.WithValue(r.Context(), rewriteDoneKey{}, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
