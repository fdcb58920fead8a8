package authrouter

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwicrypto"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

type createUserRequest struct {
	Username               string `json:"username" validate:"required"`
	PasswordHashFromClient string `json:"password_hash_from_client" validate:"required"`
	InvitationID           string `json:"invitation_id" validate:"required,uuid"`
	PasswordStrengthScore  int    `json:"password_strength_score"`
}

type loginRequest struct {
	Username               string `json:"username" validate:"required"`
	PasswordHashFromClient string `json:"password_hash_from_client" validate:"required"`
}

type sealingKeyResponse struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

func (rt *Router) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if !usernamePattern.MatchString(req.Username) {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "username must match ^[A-Za-z0-9._-]{6,32}$"))
		return
	}
	if req.PasswordStrengthScore < maxPasswordStrengthScore {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "password is not strong enough"))
		return
	}

	invitationID, err := uuid.Parse(req.InvitationID)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "invalid invitation id"))
		return
	}

	passwordHash, err := rt.hasher.GenerateHash(req.PasswordHashFromClient)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.Wrap(kiwierr.Internal, "hashing password", err))
		return
	}

	user, err := rt.db.CreateUserFromInvitation(r.Context(), invitationID, req.Username, passwordHash)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	access, refresh, err := rt.mintSession(r.Context(), user)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	rt.setSessionCookies(w, access, refresh)
	httpserver.Respond(w, http.StatusOK, map[string]string{"username": user.Username})
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := rt.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	ok, err := rt.hasher.Matches(req.PasswordHashFromClient, user.PasswordHash)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.Wrap(kiwierr.Internal, "verifying password", err))
		return
	}
	if !ok {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadCredentials, "incorrect username or password"))
		return
	}

	access, refresh, err := rt.mintSession(r.Context(), user)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	rt.setSessionCookies(w, access, refresh)
	httpserver.Respond(w, http.StatusOK, map[string]string{"username": user.Username})
}

func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookieLogoutRefresh); err == nil {
		_ = rt.cache.DeleteRefreshToken(r.Context(), c.Value)
	}
	rt.clearSessionCookies(w)
	httpserver.Respond(w, http.StatusOK, nil)
}

func (rt *Router) handleGetSealingKey(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(cookieAccess)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadCredentials, "no access token present"))
		return
	}

	item, found, err := rt.cache.GetAccessToken(r.Context(), c.Value)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if !found {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadCredentials, "access token expired or unknown"))
		return
	}

	sk, err := kiwicrypto.ParseSealingKey(item.SealingKey)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.Wrap(kiwierr.Internal, "parsing sealing key", err))
		return
	}
	key, iv := sk.Encode()
	httpserver.Respond(w, http.StatusOK, sealingKeyResponse{Key: key, IV: iv})
}

// validateReturnURI enforces that return_uri decodes, carries the same
// scheme as the current request, and targets a host under the configured
// second-level domain.
func (rt *Router) validateReturnURI(r *http.Request, raw string) (string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", kiwierr.New(kiwierr.BadReturnURI, "return_uri is not valid")
	}

	u, err := url.Parse(decoded)
	if err != nil {
		return "", kiwierr.New(kiwierr.BadReturnURI, "return_uri is not valid")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if u.Scheme != scheme {
		return "", kiwierr.New(kiwierr.BadReturnURI, "return_uri scheme does not match the request")
	}

	host := u.Hostname()
	if host != rt.cfg.Domain && !strings.HasSuffix(host, "."+rt.cfg.Domain) {
		return "", kiwierr.New(kiwierr.BadReturnURI, "return_uri host is outside the configured domain")
	}

	return decoded, nil
}
