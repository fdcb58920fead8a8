// Package httpserver wires chi, its middleware chain, and the JSON/plain
// response envelope shared by every HTTP-facing component. Domain routers
// (auth, admin/CI, subdomain proxy) mount themselves onto Server.Router;
// this package owns only the cross-cutting concerns.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the root chi router and its cross-cutting dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with the base middleware chain and the
// unauthenticated health/metrics endpoints mounted. Domain routers are
// mounted onto Router by the caller afterwards. rewrite, if non-nil, is
// installed as the very first middleware so subdomain rewriting happens
// before chi's route matching sees the request; gate, if non-nil, is
// installed last in the chain, so the authentication gate sees the
// rewritten path for every route the server serves. Both must be passed
// here because chi requires every middleware to be registered before the
// first route is.
func NewServer(logger *slog.Logger, metricsReg *prometheus.Registry, rewrite, gate func(http.Handler) http.Handler) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	if rewrite != nil {
		s.Router.Use(rewrite)
	}

	s.Router.Use(RequestID)
	s.Router.Use(Instrument(logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if gate != nil {
		s.Router.Use(gate)
	}

	s.Router.Get("/status/healthz", s.handleHealthz)
	s.Router.Handle("/status/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}
