package sessioncache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kiwiadmin/kiwi/internal/statedb"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	item := AccessTokenItem{UserID: 42, SealingKey: "abc", Role: statedb.RoleAdmin}
	if err := c.PutAccessToken(ctx, "tok123", item); err != nil {
		t.Fatalf("PutAccessToken() error: %v", err)
	}

	got, ok, err := c.GetAccessToken(ctx, "tok123")
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if got != item {
		t.Fatalf("got %+v, want %+v", got, item)
	}

	if err := c.DeleteAccessToken(ctx, "tok123"); err != nil {
		t.Fatalf("DeleteAccessToken() error: %v", err)
	}
	_, ok, err = c.GetAccessToken(ctx, "tok123")
	if err != nil {
		t.Fatalf("GetAccessToken() after delete error: %v", err)
	}
	if ok {
		t.Fatal("expected a miss after delete")
	}
}

func TestRefreshTokenStateMachine(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	active := RefreshTokenActive{UserID: 1, SealingKey: "sk", Role: statedb.RoleCustomer}
	if err := c.PutActiveRefreshToken(ctx, "r1", active); err != nil {
		t.Fatalf("PutActiveRefreshToken() error: %v", err)
	}

	item, ok, err := c.GetRefreshToken(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("GetRefreshToken() = %+v, %v, %v", item, ok, err)
	}
	if item.Active == nil || *item.Active != active {
		t.Fatalf("expected Active state, got %+v", item)
	}

	newActive := RefreshTokenActive{UserID: 1, SealingKey: "sk2", Role: statedb.RoleCustomer}
	if err := c.StoreRefreshedAuthTokens(ctx, "r1", "a2", "r2", newActive); err != nil {
		t.Fatalf("StoreRefreshedAuthTokens() error: %v", err)
	}

	old, ok, err := c.GetRefreshToken(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("GetRefreshToken(r1) after refresh = %+v, %v, %v", old, ok, err)
	}
	if old.Refreshed == nil || old.Refreshed.FreshAccess != "a2" || old.Refreshed.FreshRefresh != "r2" {
		t.Fatalf("expected Refreshed(a2, r2), got %+v", old)
	}

	fresh, ok, err := c.GetRefreshToken(ctx, "r2")
	if err != nil || !ok {
		t.Fatalf("GetRefreshToken(r2) = %+v, %v, %v", fresh, ok, err)
	}
	if fresh.Active == nil || *fresh.Active != newActive {
		t.Fatalf("expected new Active state, got %+v", fresh)
	}

	accessItem, ok, err := c.GetAccessToken(ctx, "a2")
	if err != nil || !ok {
		t.Fatalf("GetAccessToken(a2) = %+v, %v, %v", accessItem, ok, err)
	}
}

func TestServicePortAndAuthMemoization(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if _, ok, err := c.GetServicePort(ctx, "myapp"); err != nil || ok {
		t.Fatalf("expected a miss before write, got ok=%v err=%v", ok, err)
	}

	if err := c.PutServicePort(ctx, "myapp", 8080); err != nil {
		t.Fatalf("PutServicePort() error: %v", err)
	}
	port, ok, err := c.GetServicePort(ctx, "myapp")
	if err != nil || !ok || port != 8080 {
		t.Fatalf("GetServicePort() = %d, %v, %v", port, ok, err)
	}

	if err := c.PutServiceAuth(ctx, "myapp", statedb.RoleCustomer); err != nil {
		t.Fatalf("PutServiceAuth() error: %v", err)
	}
	role, ok, err := c.GetServiceAuth(ctx, "myapp")
	if err != nil || !ok || role != statedb.RoleCustomer {
		t.Fatalf("GetServiceAuth() = %v, %v, %v", role, ok, err)
	}

	if err := c.DeleteServicePort(ctx, "myapp"); err != nil {
		t.Fatalf("DeleteServicePort() error: %v", err)
	}
	if _, ok, _ := c.GetServicePort(ctx, "myapp"); ok {
		t.Fatal("expected a miss after delete")
	}
}
