package authrouter

import (
	"net/http"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/sessioncache"
)

// handleRefreshCredentials runs the refresh-token state machine: a missing
// or unknown refresh cookie clears cookies and
// sends the caller back to login; an Active token is rotated (the old token
// atomically marked Refreshed so a concurrent duplicate request can adopt
// the winning pair instead of minting its own); a Refreshed token is
// adopted verbatim as long as its embedded refresh token is still live.
func (rt *Router) handleRefreshCredentials(w http.ResponseWriter, r *http.Request) {
	returnURI, err := rt.validateReturnURI(r, r.URL.Query().Get("return_uri"))
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	c, err := r.Cookie(cookieRefresh)
	if err != nil {
		rt.clearSessionCookies(w)
		rt.redirectToLogin(w, r, returnURI)
		return
	}

	item, found, err := rt.cache.GetRefreshToken(r.Context(), c.Value)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if !found {
		rt.clearSessionCookies(w)
		rt.redirectToLogin(w, r, returnURI)
		return
	}

	switch {
	case item.Active != nil:
		rt.rotateActiveRefreshToken(w, r, c.Value, *item.Active, returnURI)
	case item.Refreshed != nil:
		rt.adoptRefreshedPair(w, r, *item.Refreshed, returnURI)
	default:
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.Internal, "refresh token item in neither known state"))
	}
}

func (rt *Router) rotateActiveRefreshToken(w http.ResponseWriter, r *http.Request, oldRefresh string, active sessioncache.RefreshTokenActive, returnURI string) {
	user, err := rt.db.GetUser(r.Context(), active.UserID)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	newAccess, newRefresh, err := rt.mintSession(r.Context(), user)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.cache.StoreRefreshedAuthTokens(r.Context(), oldRefresh, newAccess, newRefresh, active); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	rt.setSessionCookies(w, newAccess, newRefresh)
	http.Redirect(w, r, returnURI, http.StatusTemporaryRedirect)
}

func (rt *Router) adoptRefreshedPair(w http.ResponseWriter, r *http.Request, refreshed sessioncache.RefreshTokenRefreshed, returnURI string) {
	_, found, err := rt.cache.GetRefreshToken(r.Context(), refreshed.FreshRefresh)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if !found {
		rt.clearSessionCookies(w)
		rt.redirectToLogin(w, r, returnURI)
		return
	}

	rt.setSessionCookies(w, refreshed.FreshAccess, refreshed.FreshRefresh)
	http.Redirect(w, r, returnURI, http.StatusTemporaryRedirect)
}

func (rt *Router) redirectToLogin(w http.ResponseWriter, r *http.Request, returnURI string) {
	loginURL := "https://auth." + rt.cfg.Domain + "/login?return_uri=" + returnURI
	http.Redirect(w, r, loginURL, http.StatusSeeOther)
}
