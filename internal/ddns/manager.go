package ddns

import (
	"context"
	"sync"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/secretstore"
)

// Manager owns the optional dynamic DNS subsystem. It is the single-owner
// subsystem guarded by one mutex described by the concurrency model: boot,
// the admin API's enable/disable endpoint, and the worker's periodic tick
// all go through Manager rather than touching a *Client directly, so the
// active client is never read and replaced without synchronization.
type Manager struct {
	secrets *secretstore.Store

	mu     sync.Mutex
	client *Client
}

// NewManager creates a Manager with dynamic DNS disabled.
func NewManager(secrets *secretstore.Store) *Manager {
	return &Manager{secrets: secrets}
}

// Bootstrap enables the subsystem from persisted secretstore configuration,
// if any was saved by a previous Enable call. It is a no-op (not an error)
// when no configuration is present.
func (m *Manager) Bootstrap(ctx context.Context) error {
	cfg := m.secrets.Get().DynamicDNSAPIConfig
	if cfg == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableLocked(ctx, cfg.Domain, cfg.AuthorizationHeader)
}

// Enable authentication-tests a new client against the given domain and
// credential, and on success persists the configuration and makes it the
// active client.
func (m *Manager) Enable(ctx context.Context, domain, authorizationHeader string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableLocked(ctx, domain, authorizationHeader)
}

func (m *Manager) enableLocked(ctx context.Context, domain, authorizationHeader string) error {
	client, err := New(ctx, domain, authorizationHeader)
	if err != nil {
		return kiwierr.Wrap(kiwierr.InvalidInput, "dynamic DNS provider rejected the given credentials", err)
	}

	if err := m.secrets.SetDynamicDNSConfig(&secretstore.DynamicDNSConfig{
		Provider:            "godaddy",
		AuthorizationHeader: authorizationHeader,
		Domain:              domain,
	}); err != nil {
		return err
	}

	m.client = client
	return nil
}

// Disable clears the active client and the persisted configuration.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.secrets.SetDynamicDNSConfig(nil); err != nil {
		return err
	}
	m.client = nil
	return nil
}

// Enabled reports whether a client is currently active.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// Refresh pushes an updated A record if the subsystem is enabled and the
// public IP has changed since the last refresh. It is a no-op when the
// subsystem is disabled.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Refresh(ctx)
}
