package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 127.0.0.1",
			check:  func(c *Config) bool { return c.Host == "127.0.0.1" },
			expect: "127.0.0.1",
		},
		{
			name:   "default port is 5000",
			check:  func(c *Config) bool { return c.Port == 5000 },
			expect: "5000",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default dev frontend port is 3000",
			check:  func(c *Config) bool { return c.DevFrontendServerPort == 3000 },
			expect: "3000",
		},
		{
			name:   "default lets encrypt environment is staging",
			check:  func(c *Config) bool { return c.LetsEncryptEnvironment == "staging" },
			expect: "staging",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "127.0.0.1:5000" },
			expect: "127.0.0.1:5000",
		},
		{
			name:   "config folder path defaults under home",
			check:  func(c *Config) bool { return strings.HasSuffix(c.ConfigFolderPath, ".kiwi") },
			expect: "<home>/.kiwi",
		},
		{
			name:   "localhost domain detected by default",
			check:  func(c *Config) bool { return c.IsLocalhostDomain() },
			expect: "true",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestSecretsAndTLSPaths(t *testing.T) {
	cfg := &Config{ConfigFolderPath: "/tmp/kiwi-test"}

	if got, want := cfg.SecretsFilePath(), "/tmp/kiwi-test/secrets.json"; got != want {
		t.Errorf("SecretsFilePath() = %q, want %q", got, want)
	}
	if got, want := cfg.TLSCertificatePath(), "/tmp/kiwi-test/tls_public_certificate.pem"; got != want {
		t.Errorf("TLSCertificatePath() = %q, want %q", got, want)
	}
	if got, want := cfg.TLSPrivateKeyPath(), "/tmp/kiwi-test/tls_private_key.pem"; got != want {
		t.Errorf("TLSPrivateKeyPath() = %q, want %q", got, want)
	}
}
