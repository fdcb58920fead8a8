package ddns

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNewFailsAuthTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient("example.com", "sso-key bad", srv.URL, srv.URL)
	if err := c.testAuth(context.Background()); err == nil {
		t.Fatal("expected auth test failure")
	}
}

func TestRefreshPublishesOnlyWhenIPChanges(t *testing.T) {
	var updateCount int32
	var currentIP atomic.Value
	currentIP.Store("1.2.3.4")

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method == http.MethodPut {
			atomic.AddInt32(&updateCount, 1)
			w.WriteHeader(http.StatusOK)
			return
		}
	}))
	defer provider.Close()

	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, currentIP.Load().(string))
	}))
	defer echo.Close()

	c := newClient("example.com", "sso-key abc", provider.URL, echo.URL)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh() error: %v", err)
	}
	if got := atomic.LoadInt32(&updateCount); got != 1 {
		t.Fatalf("expected 1 update after first refresh, got %d", got)
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error: %v", err)
	}
	if got := atomic.LoadInt32(&updateCount); got != 1 {
		t.Fatalf("expected no new update when IP is unchanged, got %d", got)
	}

	currentIP.Store("5.6.7.8")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("third Refresh() error: %v", err)
	}
	if got := atomic.LoadInt32(&updateCount); got != 2 {
		t.Fatalf("expected a new update after IP change, got %d", got)
	}
}
