// Package frontend serves the admin single-page app: the built static
// bundle in production, or a reverse proxy to the local dev server while
// iterating on it.
package frontend

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
)

// New returns a handler for the admin SPA. If staticFilesPath is non-empty
// it serves the built bundle directly; otherwise it proxies to the dev
// frontend server on 127.0.0.1:devServerPort, matching the "Dev-frontend
// HTTP client" singleton described in the concurrency model.
func New(staticFilesPath string, devServerPort int) http.Handler {
	if staticFilesPath != "" {
		return http.FileServer(http.Dir(staticFilesPath))
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(devServerPort)}
	return httputil.NewSingleHostReverseProxy(target)
}
