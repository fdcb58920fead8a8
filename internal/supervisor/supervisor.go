// Package supervisor runs the HTTPS listener and the background worker
// side by side in one process, restarting the listener in place when the
// worker detects a renewed TLS certificate.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiwiadmin/kiwi/internal/acmemgr"
	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/ddns"
)

// action is the outcome of one run of the supervised listener+worker pair.
type action int

const (
	// actionFatal means Run should return the error it carries.
	actionFatal action = iota
	// actionRestartListener means the worker observed a new TLS
	// certificate on disk; the listener is torn down and rebuilt against
	// it without re-running any of the boot-time dependency
	// initialization (container engine reset, migrations, and so on).
	actionRestartListener
)

// certWatcher is the slice of *acmemgr.Manager the worker needs. Narrowing
// it to an interface lets tests drive the restart path without an ACME
// account registration round-trip.
type certWatcher interface {
	WasCertificateUpdated() bool
}

// dnsRefresher is the slice of *ddns.Manager the worker needs.
type dnsRefresher interface {
	Refresh(ctx context.Context) error
}

// Supervisor owns the one HTTPS listener serving the whole edge control
// plane, and the background worker that keeps DNS and the TLS certificate
// fresh.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	acme   certWatcher
	ddns   dnsRefresher

	// handler is the chi router, constructed once by the caller and reused
	// across listener restarts; only the TLS key pair is re-read from disk,
	// by ListenAndServeTLS, each time the listener starts.
	handler http.Handler
}

// New creates a Supervisor. handler is the fully-wired root router (status,
// auth, admin/CI, and subdomain-proxied traffic).
func New(cfg *config.Config, logger *slog.Logger, acme *acmemgr.Manager, ddnsMgr *ddns.Manager, handler http.Handler) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger, acme: acme, ddns: ddnsMgr, handler: handler}
}

// Run blocks until ctx is cancelled or the listener or worker fails fatally.
// A renewed TLS certificate restarts the listener without returning.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		act, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if act == actionRestartListener {
			s.logger.Info("restarting listener for renewed TLS certificate")
			continue
		}
		return nil
	}
}

// runOnce starts the HTTPS listener and the worker, and returns as soon as
// either one needs the caller's attention: a fatal error from either, a
// clean shutdown via ctx, or a TLS-renewal restart request from the worker.
func (s *Supervisor) runOnce(ctx context.Context) (action, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		s.logger.Info("edge listener starting", "addr", s.cfg.ListenAddr())
		err := httpSrv.ListenAndServeTLS(s.cfg.TLSCertificatePath(), s.cfg.TLSPrivateKeyPath())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("https listener: %w", err)
			return
		}
		close(serverErrCh)
	}()

	restartCh := make(chan struct{}, 1)
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- s.runWorker(runCtx, restartCh)
	}()

	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutting down edge listener", "error", err)
		}
		cancel()
	}

	select {
	case <-ctx.Done():
		shutdown()
		<-workerErrCh
		return actionFatal, nil

	case err := <-serverErrCh:
		cancel()
		<-workerErrCh
		if err != nil {
			return actionFatal, err
		}
		return actionFatal, nil

	case <-restartCh:
		shutdown()
		<-workerErrCh
		return actionRestartListener, nil

	case err := <-workerErrCh:
		shutdown()
		return actionFatal, err
	}
}
