// Package adminapi implements the operator-facing service/user/certificate
// surface and the CI deploy webhook: everything mounted under
// "/admin/api/*" and "/ci/api/deploy/{name}".
//
// Every handler here assumes the edgeproxy authentication gate has already
// run and, for admin routes, has already confirmed the caller's role covers
// Admin; this package only orchestrates the Container Engine, State DB, and
// Session Cache calls a given operation needs.
package adminapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwiadmin/kiwi/internal/acmemgr"
	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/containerengine"
	"github.com/kiwiadmin/kiwi/internal/ddns"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

// catalogStore is the slice of *statedb.DB this package uses. Narrowing it
// to an interface lets handler tests run against an in-memory catalog
// instead of a live Postgres connection, the same way authrouter narrows
// its user store.
type catalogStore interface {
	ListServices(ctx context.Context) ([]statedb.Service, error)
	GetService(ctx context.Context, name string) (statedb.Service, error)
	CreateService(ctx context.Context, p statedb.CreateServiceParams) (statedb.Service, error)
	UpdateService(ctx context.Context, p statedb.UpdateServiceParams) (statedb.Service, error)
	UpdateServiceImageSHA(ctx context.Context, name, imageSHA string) (statedb.Service, error)
	DeleteService(ctx context.Context, name string) error
	ListUsers(ctx context.Context) ([]statedb.User, error)
	DeleteUser(ctx context.Context, id int64) error
	ListInvitations(ctx context.Context) ([]statedb.UserInvitation, error)
	CreateInvitation(ctx context.Context, role statedb.Role) (statedb.UserInvitation, error)
	DeleteInvitation(ctx context.Context, id uuid.UUID) error
}

// containerEngine is the slice of *containerengine.Engine this package uses.
type containerEngine interface {
	StartContainer(ctx context.Context, cfg containerengine.ContainerConfig) error
	CreateAndAttachNetwork(ctx context.Context, cfg containerengine.NetworkConfig) error
	StopAndRemoveContainer(ctx context.Context, name string) error
	RemoveVolumes(ctx context.Context, cfg containerengine.ContainerConfig) error
	PruneUnusedImages(ctx context.Context) error
	GetContainerStatus(ctx context.Context, name string) (string, error)
	GetContainerLogs(ctx context.Context, name string, from, to time.Time) ([]containerengine.LogLine, error)
}

// serviceCache is the slice of *sessioncache.Cache this package uses.
type serviceCache interface {
	CreateServiceACLUser(ctx context.Context, username, password string) error
	DeleteServiceACLUser(ctx context.Context, username string) error
	PutServicePort(ctx context.Context, service string, port int) error
	DeleteServicePort(ctx context.Context, service string) error
	DeleteServiceAuth(ctx context.Context, service string) error
	PutLastCertOrder(ctx context.Context, orderURL string) error
	GetLastCertOrder(ctx context.Context) (string, bool, error)
	DeleteLastCertOrder(ctx context.Context) error
}

// Router mounts the admin and CI endpoints and owns their dependencies.
type Router struct {
	db     catalogStore
	cache  serviceCache
	engine containerEngine
	acme   *acmemgr.Manager
	ddns   *ddns.Manager
	cfg    *config.Config
	logger *slog.Logger
	ciJWKS *keyfunc.JWKS
}

// New creates a Router. ciJWKS may be nil if no CI issuer is configured, in
// which case the deploy endpoint always fails closed.
func New(
	db *statedb.DB,
	cache *sessioncache.Cache,
	engine *containerengine.Engine,
	acme *acmemgr.Manager,
	ddnsMgr *ddns.Manager,
	cfg *config.Config,
	logger *slog.Logger,
	ciJWKS *keyfunc.JWKS,
) *Router {
	return &Router{db: db, cache: cache, engine: engine, acme: acme, ddns: ddnsMgr, cfg: cfg, logger: logger, ciJWKS: ciJWKS}
}

// Mount registers the admin and CI endpoints.
func (rt *Router) Mount(r chi.Router) {
	r.Route("/admin/api", func(r chi.Router) {
		r.Route("/services", func(r chi.Router) {
			r.Get("/", rt.handleListServices)
			r.Post("/", rt.handleCreateService)
			r.Get("/{name}", rt.handleGetService)
			r.Put("/{name}", rt.handleUpdateService)
			r.Delete("/{name}", rt.handleDeleteService)
			r.Get("/{name}/status", rt.handleGetServiceStatus)
			r.Get("/{name}/logs", rt.handleGetServiceLogs)
		})
		r.Route("/users", func(r chi.Router) {
			r.Get("/", rt.handleListUsers)
			r.Delete("/{id}", rt.handleDeleteUser)
		})
		r.Get("/whoami", rt.handleWhoami)
		r.Route("/invitations", func(r chi.Router) {
			r.Get("/", rt.handleListInvitations)
			r.Post("/", rt.handleCreateInvitation)
			r.Delete("/{id}", rt.handleDeleteInvitation)
		})
		r.Route("/certificate", func(r chi.Router) {
			r.Post("/order", rt.handleOrderCertificate)
			r.Post("/finalise", rt.handleFinaliseCertificate)
			r.Get("/info", rt.handleGetCertificateInfo)
		})
		r.Route("/dynamic-dns", func(r chi.Router) {
			r.Post("/enable", rt.handleEnableDynamicDNS)
			r.Post("/disable", rt.handleDisableDynamicDNS)
		})
	})

	r.Post("/ci/api/deploy/{name}", rt.handleCIDeploy)
}
