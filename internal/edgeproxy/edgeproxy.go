// Package edgeproxy is the subdomain router, authentication gate, and
// reverse proxy that sit in front of every other HTTP surface: it rewrites
// "<sub>.<domain>" requests to "/<sub>/...", decides whether the caller may
// reach that path at all, and — for a proxied service path — forwards the
// request to the matching container's localhost port.
//
// Rewrite runs before chi's route matching (installed as httpserver's
// `rewrite` hook); Middleware runs after it but before any route handler,
// so it sees the final path for every request the process serves,
// including the admin and auth APIs.
package edgeproxy

import (
	"log/slog"

	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

// Edge owns the dependencies the rewrite, auth, and proxy stages need.
type Edge struct {
	db     *statedb.DB
	cache  *sessioncache.Cache
	cfg    *config.Config
	logger *slog.Logger
}

// New creates an Edge.
func New(db *statedb.DB, cache *sessioncache.Cache, cfg *config.Config, logger *slog.Logger) *Edge {
	return &Edge{db: db, cache: cache, cfg: cfg, logger: logger}
}
