// Package sessioncache is the short-TTL Redis-backed cache for opaque
// session tokens and hot service lookups (service->port, service->required
// role, pending ACME order). Session token values are stored as JSON rather
// than a delimited string, with refresh tokens tagged by state, so a value
// can never be misparsed as a different kind by an off-by-one split. The
// hot lookups are stored as plain values (a port number, a role name, an
// order URL).
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

const (
	accessTokenTTL   = 15 * time.Minute
	refreshActiveTTL = 14 * 24 * time.Hour
	refreshGraceTTL  = 2 * time.Minute
)

// Cache wraps a Redis client with the kiwi_admin keyspace.
type Cache struct {
	rdb *redis.Client
}

// New creates a Cache from an already-connected Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Connect dials Redis, verifying liveness with a PING before returning.
func Connect(ctx context.Context, addr, password string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, kiwierr.Wrap(kiwierr.Internal, "connecting to session cache", err)
	}
	return New(rdb), nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func key(kind, value string) string {
	return fmt.Sprintf("kiwi_admin:%s:%s", kind, value)
}

// AccessTokenItem is the decoded value behind an access_token key.
type AccessTokenItem struct {
	UserID     int64        `json:"user_id"`
	SealingKey string       `json:"sealing_key"`
	Role       statedb.Role `json:"role"`
}

// refreshVariant tags which of the two refresh_token states a value holds.
type refreshVariant struct {
	State string `json:"state"` // "active" | "refreshed"

	// state == "active"
	UserID     int64        `json:"user_id,omitempty"`
	SealingKey string       `json:"sealing_key,omitempty"`
	Role       statedb.Role `json:"role,omitempty"`

	// state == "refreshed"
	FreshAccess  string `json:"fresh_access,omitempty"`
	FreshRefresh string `json:"fresh_refresh,omitempty"`
}

// RefreshTokenActive is the Active(user_id, sealing_key, role) state.
type RefreshTokenActive struct {
	UserID     int64
	SealingKey string
	Role       statedb.Role
}

// RefreshTokenRefreshed is the Refreshed(fresh_access, fresh_refresh) state,
// a short grace-window marker left behind by a completed refresh so a
// concurrent duplicate request can adopt the winner's tokens instead of
// re-minting its own.
type RefreshTokenRefreshed struct {
	FreshAccess  string
	FreshRefresh string
}

// RefreshTokenItem holds exactly one of Active or Refreshed.
type RefreshTokenItem struct {
	Active    *RefreshTokenActive
	Refreshed *RefreshTokenRefreshed
}

// PutAccessToken stores an access_token item with its 15-minute TTL.
func (c *Cache) PutAccessToken(ctx context.Context, token string, item AccessTokenItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return kiwierr.Wrap(kiwierr.Serialisation, "encoding access token item", err)
	}
	if err := c.rdb.Set(ctx, key("access_token", token), raw, accessTokenTTL).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing access token", err)
	}
	return nil
}

// GetAccessToken looks up an access_token item. The bool is false on a
// cache miss.
func (c *Cache) GetAccessToken(ctx context.Context, token string) (AccessTokenItem, bool, error) {
	raw, err := c.rdb.Get(ctx, key("access_token", token)).Bytes()
	if err == redis.Nil {
		return AccessTokenItem{}, false, nil
	}
	if err != nil {
		return AccessTokenItem{}, false, kiwierr.Wrap(kiwierr.Internal, "fetching access token", err)
	}
	var item AccessTokenItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return AccessTokenItem{}, false, kiwierr.Wrap(kiwierr.Serialisation, "decoding access token item", err)
	}
	return item, true, nil
}

// DeleteAccessToken removes an access_token item (logout).
func (c *Cache) DeleteAccessToken(ctx context.Context, token string) error {
	if err := c.rdb.Del(ctx, key("access_token", token)).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting access token", err)
	}
	return nil
}

// PutActiveRefreshToken stores a fresh refresh_token in the Active state
// with its 14-day TTL.
func (c *Cache) PutActiveRefreshToken(ctx context.Context, token string, active RefreshTokenActive) error {
	raw, err := json.Marshal(refreshVariant{
		State: "active", UserID: active.UserID, SealingKey: active.SealingKey, Role: active.Role,
	})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Serialisation, "encoding refresh token item", err)
	}
	if err := c.rdb.Set(ctx, key("refresh_token", token), raw, refreshActiveTTL).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing refresh token", err)
	}
	return nil
}

// GetRefreshToken looks up a refresh_token item in either state. The bool
// is false on a cache miss.
func (c *Cache) GetRefreshToken(ctx context.Context, token string) (RefreshTokenItem, bool, error) {
	raw, err := c.rdb.Get(ctx, key("refresh_token", token)).Bytes()
	if err == redis.Nil {
		return RefreshTokenItem{}, false, nil
	}
	if err != nil {
		return RefreshTokenItem{}, false, kiwierr.Wrap(kiwierr.Internal, "fetching refresh token", err)
	}

	var v refreshVariant
	if err := json.Unmarshal(raw, &v); err != nil {
		return RefreshTokenItem{}, false, kiwierr.Wrap(kiwierr.Serialisation, "decoding refresh token item", err)
	}

	switch v.State {
	case "active":
		return RefreshTokenItem{Active: &RefreshTokenActive{UserID: v.UserID, SealingKey: v.SealingKey, Role: v.Role}}, true, nil
	case "refreshed":
		return RefreshTokenItem{Refreshed: &RefreshTokenRefreshed{FreshAccess: v.FreshAccess, FreshRefresh: v.FreshRefresh}}, true, nil
	default:
		return RefreshTokenItem{}, false, kiwierr.New(kiwierr.Serialisation, "unrecognized refresh token state")
	}
}

// DeleteRefreshToken removes a refresh_token item (logout).
func (c *Cache) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := c.rdb.Del(ctx, key("refresh_token", token)).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting refresh token", err)
	}
	return nil
}

// StoreRefreshedAuthTokens atomically marks oldRefresh Refreshed(newAccess,
// newRefresh) and writes the two new Active items, all within one Redis
// transaction so a concurrent reader never observes a partial update.
func (c *Cache) StoreRefreshedAuthTokens(
	ctx context.Context,
	oldRefresh string,
	newAccess, newRefresh string,
	active RefreshTokenActive,
) error {
	refreshedRaw, err := json.Marshal(refreshVariant{
		State: "refreshed", FreshAccess: newAccess, FreshRefresh: newRefresh,
	})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Serialisation, "encoding refreshed marker", err)
	}
	activeRaw, err := json.Marshal(refreshVariant{
		State: "active", UserID: active.UserID, SealingKey: active.SealingKey, Role: active.Role,
	})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Serialisation, "encoding active refresh item", err)
	}
	accessRaw, err := json.Marshal(AccessTokenItem{
		UserID: active.UserID, SealingKey: active.SealingKey, Role: active.Role,
	})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Serialisation, "encoding access item", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key("refresh_token", oldRefresh), refreshedRaw, refreshGraceTTL)
		pipe.Set(ctx, key("refresh_token", newRefresh), activeRaw, refreshActiveTTL)
		pipe.Set(ctx, key("access_token", newAccess), accessRaw, accessTokenTTL)
		return nil
	})
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing refreshed tokens", err)
	}
	return nil
}

// PutServicePort memoizes a service's external port, with no TTL.
func (c *Cache) PutServicePort(ctx context.Context, service string, port int) error {
	if err := c.rdb.Set(ctx, key("service_port", service), port, 0).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing service port", err)
	}
	return nil
}

// GetServicePort reads a memoized service port. The bool is false on a miss.
func (c *Cache) GetServicePort(ctx context.Context, service string) (int, bool, error) {
	v, err := c.rdb.Get(ctx, key("service_port", service)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, kiwierr.Wrap(kiwierr.Internal, "fetching service port", err)
	}
	return v, true, nil
}

// DeleteServicePort purges a memoized service port, e.g. on service delete.
func (c *Cache) DeleteServicePort(ctx context.Context, service string) error {
	if err := c.rdb.Del(ctx, key("service_port", service)).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting service port", err)
	}
	return nil
}

// PutServiceAuth memoizes a service's required role, with no TTL.
func (c *Cache) PutServiceAuth(ctx context.Context, service string, role statedb.Role) error {
	if err := c.rdb.Set(ctx, key("service_auth", service), string(role), 0).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing service auth", err)
	}
	return nil
}

// GetServiceAuth reads a memoized required role. The bool is false on a miss.
func (c *Cache) GetServiceAuth(ctx context.Context, service string) (statedb.Role, bool, error) {
	v, err := c.rdb.Get(ctx, key("service_auth", service)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, kiwierr.Wrap(kiwierr.Internal, "fetching service auth", err)
	}
	return statedb.Role(v), true, nil
}

// DeleteServiceAuth purges a memoized required role.
func (c *Cache) DeleteServiceAuth(ctx context.Context, service string) error {
	if err := c.rdb.Del(ctx, key("service_auth", service)).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting service auth", err)
	}
	return nil
}

// PutLastCertOrder remembers the pending ACME order URL.
func (c *Cache) PutLastCertOrder(ctx context.Context, orderURL string) error {
	if err := c.rdb.Set(ctx, key("last_cert_order", "current"), orderURL, 0).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "storing last cert order", err)
	}
	return nil
}

// GetLastCertOrder reads the pending ACME order URL. The bool is false on a
// miss.
func (c *Cache) GetLastCertOrder(ctx context.Context) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key("last_cert_order", "current")).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, kiwierr.Wrap(kiwierr.Internal, "fetching last cert order", err)
	}
	return v, true, nil
}

// DeleteLastCertOrder clears the pending ACME order marker.
func (c *Cache) DeleteLastCertOrder(ctx context.Context) error {
	if err := c.rdb.Del(ctx, key("last_cert_order", "current")).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting last cert order", err)
	}
	return nil
}

// CreateServiceACLUser creates a Redis ACL user restricted to keys under
// its own namespace (~<username>:*), so a user container can only ever
// touch its own keyspace.
func (c *Cache) CreateServiceACLUser(ctx context.Context, username, password string) error {
	err := c.rdb.Do(ctx, "ACL", "SETUSER", username,
		"on", ">"+password,
		"~"+username+":*",
		"+@all",
	).Err()
	if err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "creating cache ACL user", err)
	}
	return nil
}

// DeleteServiceACLUser removes a per-service ACL user.
func (c *Cache) DeleteServiceACLUser(ctx context.Context, username string) error {
	if err := c.rdb.Do(ctx, "ACL", "DELUSER", username).Err(); err != nil {
		return kiwierr.Wrap(kiwierr.Internal, "deleting cache ACL user", err)
	}
	return nil
}
