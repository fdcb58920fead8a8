// Package config loads kiwi's configuration from environment variables,
// with CLI flags (bound in cmd/kiwi) overriding individual fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Host string `env:"KIWI_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"KIWI_PORT" envDefault:"5000"`

	// Logging
	LogLevel string `env:"KIWI_LOG_LEVEL" envDefault:"info"`

	// Dev frontend (SPA) passthrough, used only when StaticFilesPath is empty.
	DevFrontendServerPort int `env:"KIWI_DEV_FRONTEND_SERVER_PORT" envDefault:"3000"`

	// ConfigFolderPath holds secrets.json and the TLS key/cert pair.
	ConfigFolderPath string `env:"KIWI_CONFIG_FOLDER_PATH"`

	// StaticFilesPath points at the built admin SPA, if any.
	StaticFilesPath string `env:"KIWI_STATIC_FILES_PATH"`

	// LetsEncryptEnvironment selects the ACME directory: "staging" or "production".
	LetsEncryptEnvironment string `env:"KIWI_LETS_ENCRYPT_ENVIRONMENT" envDefault:"staging"`

	// Domain is the second-level domain the wildcard certificate and every
	// subdomain-routed service live under (e.g. "example.com").
	Domain string `env:"KIWI_DOMAIN" envDefault:"localhost"`

	// Database
	DatabaseHost string `env:"KIWI_DB_HOST" envDefault:"127.0.0.1"`
	DatabasePort int    `env:"KIWI_DB_PORT" envDefault:"6432"`
	DatabaseName string `env:"KIWI_DB_NAME" envDefault:"kiwi"`

	// Cache (Redis)
	CacheHost string `env:"KIWI_CACHE_HOST" envDefault:"127.0.0.1"`
	CachePort int    `env:"KIWI_CACHE_PORT" envDefault:"6479"`

	// Migrations
	MigrationsDir string `env:"KIWI_MIGRATIONS_DIR" envDefault:"internal/statedb/migrations"`

	// CIDeployJWKSURL is the CI issuer's JWKS endpoint, cached at boot and
	// used to verify /ci/api/deploy OIDC tokens by kid. Empty disables CI
	// deploy entirely.
	CIDeployJWKSURL string `env:"KIWI_CI_DEPLOY_JWKS_URL"`
}

// Load reads configuration from environment variables and fills in
// derived defaults that depend on the home directory.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	if cfg.ConfigFolderPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.ConfigFolderPath = filepath.Join(home, ".kiwi")
	}

	return cfg, nil
}

// ListenAddr returns the address the HTTPS server should bind to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsLocalhostDomain reports whether the configured domain is a bare
// "localhost" deployment, in which case the Secure cookie flag is dropped.
func (c *Config) IsLocalhostDomain() bool {
	return c.Domain == "localhost"
}

// SecretsFilePath returns the path to the on-disk secrets file.
func (c *Config) SecretsFilePath() string {
	return filepath.Join(c.ConfigFolderPath, "secrets.json")
}

// TLSCertificatePath returns the path to the public certificate PEM file.
func (c *Config) TLSCertificatePath() string {
	return filepath.Join(c.ConfigFolderPath, "tls_public_certificate.pem")
}

// TLSPrivateKeyPath returns the path to the private key PEM file.
func (c *Config) TLSPrivateKeyPath() string {
	return filepath.Join(c.ConfigFolderPath, "tls_private_key.pem")
}
