package authrouter

import (
	"net/http"
	"time"
)

const (
	cookieAccess        = "__kiwi_access_token"
	cookieRefresh       = "__kiwi_refresh_token"
	cookieLogoutRefresh = "__kiwi_logout_refresh_token_copy"

	sessionMaxAge = 14 * 24 * time.Hour
)

// setSessionCookies installs the three session cookies for a freshly minted
// or rotated (access, refresh) pair.
func (rt *Router) setSessionCookies(w http.ResponseWriter, access, refresh string) {
	domain := "." + rt.cfg.Domain
	secure := !rt.cfg.IsLocalhostDomain()

	http.SetCookie(w, rt.cookie(cookieAccess, access, "/", domain, secure))
	http.SetCookie(w, rt.cookie(cookieRefresh, refresh, "/api/refresh-credentials", domain, secure))
	http.SetCookie(w, rt.cookie(cookieLogoutRefresh, refresh, "/api/logout", domain, secure))
}

// clearSessionCookies expires all three session cookies.
func (rt *Router) clearSessionCookies(w http.ResponseWriter) {
	domain := "." + rt.cfg.Domain
	secure := !rt.cfg.IsLocalhostDomain()

	for _, c := range []struct{ name, path string }{
		{cookieAccess, "/"},
		{cookieRefresh, "/api/refresh-credentials"},
		{cookieLogoutRefresh, "/api/logout"},
	} {
		cookie := rt.cookie(c.name, "", c.path, domain, secure)
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
		http.SetCookie(w, cookie)
	}
}

func (rt *Router) cookie(name, value, path, domain string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   domain,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionMaxAge.Seconds()),
	}
}
