package authrouter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiwiadmin/kiwi/internal/config"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

// fakeUserStore is a minimal userStore backed by an in-memory map, standing
// in for statedb.DB so the refresh-token state machine can be exercised
// without a live Postgres connection.
type fakeUserStore struct {
	users map[int64]statedb.User
}

func (f *fakeUserStore) GetUser(_ context.Context, id int64) (statedb.User, error) {
	u, ok := f.users[id]
	if !ok {
		return statedb.User{}, fmt.Errorf("user %d not found", id)
	}
	return u, nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (statedb.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return statedb.User{}, fmt.Errorf("user %q not found", username)
}

func (f *fakeUserStore) CreateUserFromInvitation(_ context.Context, _ uuid.UUID, _, _ string) (statedb.User, error) {
	return statedb.User{}, fmt.Errorf("not implemented")
}

func newTestRouter(t *testing.T) (*Router, *fakeUserStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := sessioncache.New(rdb)
	users := &fakeUserStore{users: map[int64]statedb.User{
		1: {ID: 1, Username: "adminuser", Role: statedb.RoleAdmin},
	}}
	cfg := &config.Config{Domain: "kiwi.example"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Router{db: users, cache: cache, cfg: cfg, logger: logger}, users
}

const testReturnURI = "http://app.kiwi.example/dashboard"

func refreshRequest(t *testing.T, refreshCookie string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	target := "/auth/api/refresh-credentials?return_uri=" + url.QueryEscape(testReturnURI)
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if refreshCookie != "" {
		r.AddCookie(&http.Cookie{Name: cookieRefresh, Value: refreshCookie})
	}
	return r, httptest.NewRecorder()
}

func setCookies(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	cookies := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		cookies[c.Name] = c
	}
	return cookies
}

func TestHandleRefreshCredentialsNoCookieRedirectsToLogin(t *testing.T) {
	rt, _ := newTestRouter(t)
	r, w := refreshRequest(t, "")

	rt.handleRefreshCredentials(w, r)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	loc := w.Header().Get("Location")
	if loc == "" || loc[:len("https://auth.kiwi.example/login")] != "https://auth.kiwi.example/login" {
		t.Fatalf("Location = %q, want a redirect to the login page", loc)
	}
}

func TestHandleRefreshCredentialsUnknownTokenRedirectsToLogin(t *testing.T) {
	rt, _ := newTestRouter(t)
	r, w := refreshRequest(t, "does-not-exist")

	rt.handleRefreshCredentials(w, r)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

func TestHandleRefreshCredentialsActiveTokenRotates(t *testing.T) {
	rt, _ := newTestRouter(t)
	ctx := context.Background()

	oldRefresh := "old-refresh-token"
	if err := rt.cache.PutActiveRefreshToken(ctx, oldRefresh, sessioncache.RefreshTokenActive{
		UserID: 1, SealingKey: "sealing-key", Role: statedb.RoleAdmin,
	}); err != nil {
		t.Fatalf("PutActiveRefreshToken() error: %v", err)
	}

	r, w := refreshRequest(t, oldRefresh)
	rt.handleRefreshCredentials(w, r)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if loc := w.Header().Get("Location"); loc != testReturnURI {
		t.Fatalf("Location = %q, want %q", loc, testReturnURI)
	}

	cookies := setCookies(w)
	newAccess := cookies[cookieAccess]
	newRefresh := cookies[cookieRefresh]
	if newAccess == nil || newAccess.Value == "" {
		t.Fatal("expected a new access cookie")
	}
	if newRefresh == nil || newRefresh.Value == "" || newRefresh.Value == oldRefresh {
		t.Fatal("expected a freshly minted refresh cookie distinct from the old token")
	}

	// Testable property #4: the old refresh key now maps to a Refreshed
	// marker whose embedded pair matches the cookies actually set.
	item, found, err := rt.cache.GetRefreshToken(ctx, oldRefresh)
	if err != nil {
		t.Fatalf("GetRefreshToken(old) error: %v", err)
	}
	if !found || item.Refreshed == nil {
		t.Fatalf("expected old refresh key to hold a Refreshed marker, got %+v (found=%v)", item, found)
	}
	if item.Refreshed.FreshAccess != newAccess.Value || item.Refreshed.FreshRefresh != newRefresh.Value {
		t.Fatalf("Refreshed marker = %+v, want access=%q refresh=%q", item.Refreshed, newAccess.Value, newRefresh.Value)
	}

	// The new refresh token itself must be Active so a later refresh can
	// rotate it again.
	newItem, found, err := rt.cache.GetRefreshToken(ctx, newRefresh.Value)
	if err != nil {
		t.Fatalf("GetRefreshToken(new) error: %v", err)
	}
	if !found || newItem.Active == nil {
		t.Fatalf("expected new refresh token to be Active, got %+v (found=%v)", newItem, found)
	}
}

func TestHandleRefreshCredentialsRefreshedMarkerIsAdopted(t *testing.T) {
	rt, _ := newTestRouter(t)
	ctx := context.Background()

	freshAccess, freshRefresh := "winner-access", "winner-refresh"
	if err := rt.cache.PutActiveRefreshToken(ctx, freshRefresh, sessioncache.RefreshTokenActive{
		UserID: 1, SealingKey: "sealing-key", Role: statedb.RoleAdmin,
	}); err != nil {
		t.Fatalf("PutActiveRefreshToken() error: %v", err)
	}
	if err := rt.cache.StoreRefreshedAuthTokens(ctx, "old-refresh-token", freshAccess, freshRefresh, sessioncache.RefreshTokenActive{
		UserID: 1, SealingKey: "sealing-key", Role: statedb.RoleAdmin,
	}); err != nil {
		t.Fatalf("StoreRefreshedAuthTokens() error: %v", err)
	}

	r, w := refreshRequest(t, "old-refresh-token")
	rt.handleRefreshCredentials(w, r)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	cookies := setCookies(w)
	if got := cookies[cookieAccess]; got == nil || got.Value != freshAccess {
		t.Fatalf("access cookie = %+v, want value %q", got, freshAccess)
	}
	if got := cookies[cookieRefresh]; got == nil || got.Value != freshRefresh {
		t.Fatalf("refresh cookie = %+v, want value %q", got, freshRefresh)
	}
}

func TestHandleRefreshCredentialsRefreshedMarkerExpiredRedirectsToLogin(t *testing.T) {
	rt, _ := newTestRouter(t)
	ctx := context.Background()

	// StoreRefreshedAuthTokens always also writes the new Active refresh
	// token; delete it to simulate the grace window's winner pair having
	// itself expired or been logged out before this duplicate arrived.
	if err := rt.cache.StoreRefreshedAuthTokens(ctx, "old-refresh-token", "winner-access", "winner-refresh", sessioncache.RefreshTokenActive{
		UserID: 1, SealingKey: "sealing-key", Role: statedb.RoleAdmin,
	}); err != nil {
		t.Fatalf("StoreRefreshedAuthTokens() error: %v", err)
	}
	if err := rt.cache.DeleteRefreshToken(ctx, "winner-refresh"); err != nil {
		t.Fatalf("DeleteRefreshToken() error: %v", err)
	}

	r, w := refreshRequest(t, "old-refresh-token")
	rt.handleRefreshCredentials(w, r)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

// TestHandleRefreshCredentialsConcurrentDuplicateAdoptsWinner models S6: two
// requests racing on the same Active refresh cookie. The first to run wins
// and mints a fresh pair; the second observes the Refreshed marker the
// winner left behind and adopts its pair instead of minting its own.
func TestHandleRefreshCredentialsConcurrentDuplicateAdoptsWinner(t *testing.T) {
	rt, _ := newTestRouter(t)
	ctx := context.Background()

	oldRefresh := "shared-refresh-token"
	if err := rt.cache.PutActiveRefreshToken(ctx, oldRefresh, sessioncache.RefreshTokenActive{
		UserID: 1, SealingKey: "sealing-key", Role: statedb.RoleAdmin,
	}); err != nil {
		t.Fatalf("PutActiveRefreshToken() error: %v", err)
	}

	r1, w1 := refreshRequest(t, oldRefresh)
	rt.handleRefreshCredentials(w1, r1)
	if w1.Code != http.StatusTemporaryRedirect {
		t.Fatalf("winner status = %d, want %d", w1.Code, http.StatusTemporaryRedirect)
	}
	winnerCookies := setCookies(w1)

	r2, w2 := refreshRequest(t, oldRefresh)
	rt.handleRefreshCredentials(w2, r2)
	if w2.Code != http.StatusTemporaryRedirect {
		t.Fatalf("loser status = %d, want %d", w2.Code, http.StatusTemporaryRedirect)
	}
	loserCookies := setCookies(w2)

	if loserCookies[cookieAccess].Value != winnerCookies[cookieAccess].Value {
		t.Fatalf("loser access cookie = %q, want it to adopt the winner's %q",
			loserCookies[cookieAccess].Value, winnerCookies[cookieAccess].Value)
	}
	if loserCookies[cookieRefresh].Value != winnerCookies[cookieRefresh].Value {
		t.Fatalf("loser refresh cookie = %q, want it to adopt the winner's %q",
			loserCookies[cookieRefresh].Value, winnerCookies[cookieRefresh].Value)
	}
}
