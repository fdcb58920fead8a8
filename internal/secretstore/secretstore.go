// Package secretstore persists long-lived secrets (crypto pepper, admin
// DB/cache credentials, ACME account, DNS API credentials) as one on-disk
// JSON file, generating any missing fields at load time.
//
// The store is a single-owner subsystem guarded by one mutex, per the
// concurrency model: every other component reads a snapshot through Get and
// never mutates the file directly.
package secretstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kiwiadmin/kiwi/internal/kiwicrypto"
)

// DynamicDNSConfig holds the optional dynamic DNS provider configuration.
type DynamicDNSConfig struct {
	Provider            string `json:"provider"`
	AuthorizationHeader string `json:"authorization_header"`
	Domain              string `json:"domain"`
}

// Secrets is the on-disk JSON shape.
type Secrets struct {
	CryptoPepper           string            `json:"crypto_pepper"`
	DBAdminUsername        string            `json:"db_admin_username"`
	DBAdminPassword        string            `json:"db_admin_password"`
	RedisAdminPassword     string            `json:"redis_admin_password"`
	DynamicDNSAPIConfig    *DynamicDNSConfig `json:"dynamic_dns_api_configuration,omitempty"`
	LetsEncryptCredentials json.RawMessage   `json:"lets_encrypt_credentials,omitempty"`
}

// Store owns the secrets file and serializes all reads/writes of it.
type Store struct {
	path string
	mu   sync.Mutex
	data Secrets
}

// Load reads path, generating and persisting any missing required fields.
// If path does not exist, a brand-new Secrets value is generated.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Start from zero value; fields are generated below.
	default:
		return nil, fmt.Errorf("reading secrets file %s: %w", path, err)
	}

	changed, err := s.fillMissing()
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.writeLocked(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// fillMissing generates any unset required field. Returns true if anything
// changed and the file needs rewriting.
func (s *Store) fillMissing() (bool, error) {
	changed := false

	if s.data.CryptoPepper == "" {
		v, err := kiwicrypto.RandomToken()
		if err != nil {
			return false, fmt.Errorf("generating crypto pepper: %w", err)
		}
		s.data.CryptoPepper = v
		changed = true
	}
	if s.data.DBAdminUsername == "" {
		s.data.DBAdminUsername = "kiwi_admin"
		changed = true
	}
	if s.data.DBAdminPassword == "" {
		v, err := kiwicrypto.RandomToken()
		if err != nil {
			return false, fmt.Errorf("generating db admin password: %w", err)
		}
		s.data.DBAdminPassword = v
		changed = true
	}
	if s.data.RedisAdminPassword == "" {
		v, err := kiwicrypto.RandomToken()
		if err != nil {
			return false, fmt.Errorf("generating redis admin password: %w", err)
		}
		s.data.RedisAdminPassword = v
		changed = true
	}

	return changed, nil
}

// Get returns a copy of the current secrets.
func (s *Store) Get() Secrets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetDynamicDNSConfig persists the dynamic DNS provider configuration.
func (s *Store) SetDynamicDNSConfig(cfg *DynamicDNSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DynamicDNSAPIConfig = cfg
	return s.writeLocked()
}

// SetLetsEncryptCredentials persists the opaque ACME account blob.
func (s *Store) SetLetsEncryptCredentials(blob json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LetsEncryptCredentials = blob
	return s.writeLocked()
}

// writeLocked atomically rewrites the secrets file. Caller must hold mu.
func (s *Store) writeLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config folder %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp secrets file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp secrets file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp secrets file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming secrets file into place: %w", err)
	}

	return nil
}
