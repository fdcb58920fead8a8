package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeCertWatcher struct{ updated bool }

func (f *fakeCertWatcher) WasCertificateUpdated() bool { return f.updated }

type fakeDNSRefresher struct {
	calls int
	err   error
}

func (f *fakeDNSRefresher) Refresh(context.Context) error {
	f.calls++
	return f.err
}

func newTestSupervisor(acme certWatcher, ddnsMgr dnsRefresher) *Supervisor {
	return &Supervisor{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		acme:   acme,
		ddns:   ddnsMgr,
	}
}

func TestTickTLSSignalsRestartOnlyWhenUpdated(t *testing.T) {
	s := newTestSupervisor(&fakeCertWatcher{updated: false}, &fakeDNSRefresher{})
	restart := make(chan struct{}, 1)

	s.tickTLS(restart)
	select {
	case <-restart:
		t.Fatal("expected no restart signal when the certificate is unchanged")
	default:
	}

	s.acme = &fakeCertWatcher{updated: true}
	s.tickTLS(restart)
	select {
	case <-restart:
	default:
		t.Fatal("expected a restart signal when the certificate changed")
	}
}

func TestTickTLSRestartSignalIsNonBlocking(t *testing.T) {
	s := newTestSupervisor(&fakeCertWatcher{updated: true}, &fakeDNSRefresher{})
	restart := make(chan struct{}, 1)
	restart <- struct{}{}

	done := make(chan struct{})
	go func() {
		s.tickTLS(restart)
		close(done)
	}()
	<-done
}

func TestTickDNSLogsRefreshFailureWithoutPanicking(t *testing.T) {
	s := newTestSupervisor(&fakeCertWatcher{}, &fakeDNSRefresher{err: errors.New("boom")})
	s.tickDNS(context.Background())
}

func TestTickDNSCallsRefresh(t *testing.T) {
	refresher := &fakeDNSRefresher{}
	s := newTestSupervisor(&fakeCertWatcher{}, refresher)
	s.tickDNS(context.Background())
	if refresher.calls != 1 {
		t.Fatalf("expected Refresh to be called once, got %d", refresher.calls)
	}
}
