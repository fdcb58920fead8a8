package edgeproxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/telemetry"
)

// Mount registers the catch-all "/{service}/*" reverse-proxy route. The
// authentication gate is NOT installed here: chi requires every middleware
// to be registered before the first route, so Middleware is handed to
// httpserver.NewServer instead and this only adds the terminal route.
func (e *Edge) Mount(r chi.Router) {
	r.Handle("/{service}/*", e.proxyHandler())
}

// resolvePort returns the localhost port a service listens on, preferring
// the Session Cache and falling back to, then memoizing from, the State DB.
func (e *Edge) resolvePort(r *http.Request, service string) (int, error) {
	if port, found, err := e.cache.GetServicePort(r.Context(), service); err != nil {
		return 0, err
	} else if found {
		return port, nil
	}

	port, err := e.db.GetServicePort(r.Context(), service)
	if err != nil {
		return 0, err
	}
	if err := e.cache.PutServicePort(r.Context(), service, port); err != nil {
		return 0, err
	}
	return port, nil
}

// proxyHandler forwards "/{service}/*" to the service's container at
// 127.0.0.1:<port>, stripping the "/{service}" prefix so the container sees
// the same path it would if it were serving the root directly.
func (e *Edge) proxyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")

		port, err := e.resolvePort(r, service)
		if err != nil {
			if kiwierr.CodeOf(err) == kiwierr.NotFound {
				httpserver.RespondPlain(w, http.StatusNotFound, "no such service")
				return
			}
			httpserver.RespondErr(w, e.logger, err)
			return
		}

		target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
		proxy := httputil.NewSingleHostReverseProxy(target)
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.URL.Path = "/" + chi.URLParam(req, "*")
			req.Host = target.Host
		}
		proxy.ModifyResponse = func(resp *http.Response) error {
			telemetry.ProxyRequestsTotal.WithLabelValues(service, strconv.Itoa(resp.StatusCode)).Inc()
			return nil
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			e.logger.Error("proxy request failed", "service", service, "error", err)
			telemetry.ProxyRequestsTotal.WithLabelValues(service, strconv.Itoa(http.StatusBadGateway)).Inc()
			httpserver.RespondPlain(w, http.StatusBadGateway, "upstream service unavailable")
		}

		proxy.ServeHTTP(w, r)
	})
}
