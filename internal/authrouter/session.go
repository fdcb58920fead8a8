package authrouter

import (
	"context"

	"github.com/kiwiadmin/kiwi/internal/kiwicrypto"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

// mintSession generates a fresh access/refresh token pair and sealing key
// for user, and stores them in the Session Cache.
func (rt *Router) mintSession(ctx context.Context, user statedb.User) (access, refresh string, err error) {
	sealingKey, err := kiwicrypto.NewSealingKey()
	if err != nil {
		return "", "", kiwierr.Wrap(kiwierr.Internal, "generating sealing key", err)
	}

	access, err = kiwicrypto.RandomToken()
	if err != nil {
		return "", "", kiwierr.Wrap(kiwierr.Internal, "generating access token", err)
	}
	refresh, err = kiwicrypto.RandomToken()
	if err != nil {
		return "", "", kiwierr.Wrap(kiwierr.Internal, "generating refresh token", err)
	}

	if err := rt.cache.PutAccessToken(ctx, access, sessioncache.AccessTokenItem{
		UserID:     user.ID,
		SealingKey: sealingKey.String(),
		Role:       user.Role,
	}); err != nil {
		return "", "", err
	}

	if err := rt.cache.PutActiveRefreshToken(ctx, refresh, sessioncache.RefreshTokenActive{
		UserID:     user.ID,
		SealingKey: sealingKey.String(),
		Role:       user.Role,
	}); err != nil {
		return "", "", err
	}

	return access, refresh, nil
}
