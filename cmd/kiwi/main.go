// Command kiwi runs the edge control plane: a single HTTPS listener that
// terminates TLS, authenticates sessions, and proxies subdomains to
// Docker-managed service containers, plus the admin/CI API that manages
// them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MicahParks/keyfunc/v2"

	"github.com/kiwiadmin/kiwi/internal/acmemgr"
	"github.com/kiwiadmin/kiwi/internal/adminapi"
	"github.com/kiwiadmin/kiwi/internal/authrouter"
	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/containerengine"
	"github.com/kiwiadmin/kiwi/internal/ddns"
	"github.com/kiwiadmin/kiwi/internal/edgeproxy"
	"github.com/kiwiadmin/kiwi/internal/frontend"
	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwicrypto"
	"github.com/kiwiadmin/kiwi/internal/secretstore"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
	"github.com/kiwiadmin/kiwi/internal/supervisor"
	"github.com/kiwiadmin/kiwi/internal/telemetry"
)

func main() {
	host := flag.String("host", "", "bind address (overrides KIWI_HOST)")
	port := flag.Int("port", 0, "bind port (overrides KIWI_PORT)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides KIWI_LOG_LEVEL)")
	devFrontendServerPort := flag.Int("dev-frontend-server-port", 0, "local dev SPA port (overrides KIWI_DEV_FRONTEND_SERVER_PORT)")
	configFolderPath := flag.String("config-folder-path", "", "secrets + TLS materials directory (overrides KIWI_CONFIG_FOLDER_PATH)")
	staticFilesPath := flag.String("static-files-path", "", "built SPA directory (overrides KIWI_STATIC_FILES_PATH)")
	letsEncryptEnvironment := flag.String("lets-encrypt-environment", "", "staging or production (overrides KIWI_LETS_ENCRYPT_ENVIRONMENT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *devFrontendServerPort != 0 {
		cfg.DevFrontendServerPort = *devFrontendServerPort
	}
	if *configFolderPath != "" {
		cfg.ConfigFolderPath = *configFolderPath
	}
	if *staticFilesPath != "" {
		cfg.StaticFilesPath = *staticFilesPath
	}
	if *letsEncryptEnvironment != "" {
		cfg.LetsEncryptEnvironment = *letsEncryptEnvironment
	}

	logger := telemetry.NewLogger("json", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

const (
	dbContainerName    = "db-container"
	cacheContainerName = "cache-container"
)

// run performs the strict boot-time dependency order from the concurrency
// model: secrets, container engine reset, infra containers, DB+cache
// clients, migrations, ACME, optional DDNS, service reconciliation,
// optional admin bootstrap, then the listener.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	secrets, err := secretstore.Load(cfg.SecretsFilePath())
	if err != nil {
		return fmt.Errorf("loading secret store: %w", err)
	}

	engine, err := containerengine.New()
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}
	defer engine.Close()

	if err := engine.ResetAllState(ctx); err != nil {
		return fmt.Errorf("resetting container engine state: %w", err)
	}

	s := secrets.Get()

	if err := engine.StartInfraContainer(ctx, containerengine.InfraContainerConfig{
		Name:         dbContainerName,
		Image:        "postgres:16",
		InternalPort: cfg.DatabasePort,
		ExternalPort: cfg.DatabasePort,
		Env: map[string]string{
			"POSTGRES_USER":     s.DBAdminUsername,
			"POSTGRES_PASSWORD": s.DBAdminPassword,
			"POSTGRES_DB":       cfg.DatabaseName,
		},
		VolumeBinds: []containerengine.VolumeBind{
			{VolumeID: containerengine.DeriveVolumeID(dbContainerName, "/var/lib/postgresql/data"), ContainerPath: "/var/lib/postgresql/data"},
		},
	}); err != nil {
		return fmt.Errorf("starting db container: %w", err)
	}

	if err := engine.StartInfraContainer(ctx, containerengine.InfraContainerConfig{
		Name:         cacheContainerName,
		Image:        "redis:7",
		InternalPort: cfg.CachePort,
		ExternalPort: cfg.CachePort,
		Env: map[string]string{
			"REDIS_PASSWORD": s.RedisAdminPassword,
		},
	}); err != nil {
		return fmt.Errorf("starting cache container: %w", err)
	}

	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.DBAdminUsername, s.DBAdminPassword, cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseName)

	db, err := statedb.Open(ctx, databaseURL, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer db.Close()

	cache, err := sessioncache.Connect(ctx, fmt.Sprintf("%s:%d", cfg.CacheHost, cfg.CachePort), s.RedisAdminPassword)
	if err != nil {
		return fmt.Errorf("connecting to session cache: %w", err)
	}
	defer cache.Close()

	acmeMgr, err := acmemgr.New(ctx, secrets, cfg.LetsEncryptEnvironment, cfg.Domain, cfg.TLSCertificatePath(), cfg.TLSPrivateKeyPath())
	if err != nil {
		return fmt.Errorf("initializing ACME manager: %w", err)
	}

	ddnsMgr := ddns.NewManager(secrets)
	if err := ddnsMgr.Bootstrap(ctx); err != nil {
		logger.Error("bootstrapping dynamic DNS", "error", err)
	}

	hasher := kiwicrypto.NewHasher(s.CryptoPepper)

	var ciJWKS *keyfunc.JWKS
	if cfg.CIDeployJWKSURL != "" {
		ciJWKS, err = keyfunc.Get(cfg.CIDeployJWKSURL, keyfunc.Options{})
		if err != nil {
			return fmt.Errorf("fetching CI deploy JWKS: %w", err)
		}
	}

	adminRouter := adminapi.New(db, cache, engine, acmeMgr, ddnsMgr, cfg, logger, ciJWKS)

	if err := adminRouter.ReconcileOnBoot(ctx); err != nil {
		return fmt.Errorf("reconciling services on boot: %w", err)
	}

	invitation, err := db.GetOrCreateAdminInvitationIfNoAdminYet(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping admin invitation: %w", err)
	}
	if invitation != nil {
		logger.Info("admin invitation ready", "invitation_id", invitation.ID)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	edge := edgeproxy.New(db, cache, cfg, logger)
	srv := httpserver.NewServer(logger, metricsReg, edgeproxy.Rewrite, edge.Middleware)

	authrouter.New(db, cache, hasher, cfg, logger).Mount(srv.Router)
	adminRouter.Mount(srv.Router)
	edge.Mount(srv.Router)

	srv.Router.Handle("/admin/*", frontend.New(cfg.StaticFilesPath, cfg.DevFrontendServerPort))

	return supervisor.New(cfg, logger, acmeMgr, ddnsMgr, srv).Run(ctx)
}
