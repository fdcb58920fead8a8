package edgeproxy

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

const (
	headerUserID   = "X-Kiwi-User-Id"
	headerUsername = "X-Kiwi-Username"

	cookieAccess = "__kiwi_access_token"
)

// leadingSegment returns the first "/"-separated path segment, without its
// slashes.
func leadingSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// requiredRole resolves the role a path's leading segment requires. The
// literal segment "admin" always requires Admin, regardless of the State
// DB. Any other segment that isn't a registered service's name (State DB
// lookup misses) has no gate at all — a nil return — which lets
// unregistered surfaces like "auth" or "ci" pass through this middleware
// and be authorized (or not) by their own handlers instead.
func (e *Edge) requiredRole(ctx context.Context, service string) (*statedb.Role, error) {
	if service == "admin" {
		role := statedb.RoleAdmin
		return &role, nil
	}

	if role, found, err := e.cache.GetServiceAuth(ctx, service); err != nil {
		return nil, err
	} else if found {
		return &role, nil
	}

	role, err := e.db.GetServiceRequiredRole(ctx, service)
	if kiwierr.CodeOf(err) == kiwierr.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := e.cache.PutServiceAuth(ctx, service, role); err != nil {
		return nil, err
	}
	return &role, nil
}

// Middleware is the authentication gate described in the package doc. It
// must run after Rewrite (it reads the already-rewritten path) and before
// any route handler.
func (e *Edge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(headerUserID)
		r.Header.Del(headerUsername)

		service := leadingSegment(r.URL.Path)

		required, err := e.requiredRole(r.Context(), service)
		if err != nil {
			httpserver.RespondErr(w, e.logger, kiwierr.Wrap(kiwierr.InternalAuthorisationFailure, "resolving required role", err))
			return
		}
		if required == nil || *required == statedb.RolePublic {
			// Public services and unregistered surfaces have no gate;
			// anonymous callers go straight through to the route handler.
			next.ServeHTTP(w, r)
			return
		}

		accessCookie, err := r.Cookie(cookieAccess)
		if err != nil {
			e.redirectToLogin(w, r)
			return
		}

		item, found, err := e.cache.GetAccessToken(r.Context(), accessCookie.Value)
		if err != nil {
			httpserver.RespondErr(w, e.logger, kiwierr.Wrap(kiwierr.InternalAuthorisationFailure, "looking up access token", err))
			return
		}
		if !found {
			e.redirectToRefresh(w, r)
			return
		}

		if !item.Role.Covers(*required) {
			httpserver.RespondErr(w, e.logger, kiwierr.New(kiwierr.BadPermissions, "role does not cover this service"))
			return
		}

		user, err := e.db.GetUser(r.Context(), item.UserID)
		if err != nil {
			httpserver.RespondErr(w, e.logger, kiwierr.Wrap(kiwierr.InternalAuthorisationFailure, "resolving authenticated user", err))
			return
		}

		r.Header.Set(headerUserID, strconv.FormatInt(item.UserID, 10))
		r.Header.Set(headerUsername, user.Username)
		next.ServeHTTP(w, r)
	})
}

func (e *Edge) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://auth."+e.cfg.Domain+"/login?return_uri="+e.returnURI(r), http.StatusSeeOther)
}

func (e *Edge) redirectToRefresh(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://auth."+e.cfg.Domain+"/api/refresh-credentials?return_uri="+e.returnURI(r), http.StatusTemporaryRedirect)
}

// returnURI reconstructs the caller's full original URI (scheme inferred
// from whether the request arrived over TLS) and percent-encodes it for use
// as a query parameter, so the auth host can send the caller back here once
// they're authenticated.
func (e *Edge) returnURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	full := scheme + "://" + r.Host + r.URL.RequestURI()
	return url.QueryEscape(full)
}
