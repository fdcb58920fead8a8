// Package authrouter implements the login/logout/refresh/create-user HTTP
// surface: it mints and rotates the opaque access/refresh token pair, sets
// the three session cookies, and hands authenticated frontends their
// sealing-key material.
//
// Passwords arrive already hashed by the client (see kiwicrypto); this
// router only adds the server-side pepper and runs the KDF a second time.
package authrouter

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/kiwicrypto"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{6,32}$`)

// maxPasswordStrengthScore is the zxcvbn-style 0-4 strength scale the admin
// SPA reports alongside the pre-hashed password; create_user requires the
// client to have scored the chosen password at the top of that scale.
const maxPasswordStrengthScore = 4

// userStore is the slice of *statedb.DB the auth router needs. Narrowing it
// to an interface lets tests drive the refresh-token state machine with a
// fake user lookup instead of a live Postgres connection.
type userStore interface {
	GetUser(ctx context.Context, id int64) (statedb.User, error)
	GetUserByUsername(ctx context.Context, username string) (statedb.User, error)
	CreateUserFromInvitation(ctx context.Context, invitationID uuid.UUID, username, passwordHash string) (statedb.User, error)
}

// Router mounts the auth/session endpoints and owns their dependencies.
type Router struct {
	db     userStore
	cache  *sessioncache.Cache
	hasher *kiwicrypto.Hasher
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Router.
func New(db *statedb.DB, cache *sessioncache.Cache, hasher *kiwicrypto.Hasher, cfg *config.Config, logger *slog.Logger) *Router {
	return &Router{db: db, cache: cache, hasher: hasher, cfg: cfg, logger: logger}
}

// Mount registers the auth endpoints under /auth/api.
func (rt *Router) Mount(r chi.Router) {
	r.Route("/auth/api", func(r chi.Router) {
		r.Post("/create-user", rt.handleCreateUser)
		r.Post("/login", rt.handleLogin)
		r.Post("/logout", rt.handleLogout)
		r.Get("/refresh-credentials", rt.handleRefreshCredentials)
		r.Get("/sealing-key", rt.handleGetSealingKey)
	})
}
