package adminapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
)

const ciDeployAudience = "kiwiDeploy"

// ciDeployClaims is the shape of the CI issuer's OIDC token: the standard
// registered claims plus the two the deploy decision hinges on.
type ciDeployClaims struct {
	jwt.RegisteredClaims
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
}

type ciDeployRequest struct {
	OIDCToken string `json:"oidc_token" validate:"required"`
	ImageSHA  string `json:"image_sha" validate:"required"`
}

// handleCIDeploy verifies the caller's OIDC token against the CI issuer's
// JWKS, checks it asserts the service's own github_repository on
// refs/heads/main, then updates image_sha and restarts the container.
func (rt *Router) handleCIDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req ciDeployRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	imageSHA, err := normalizeImageSHA(req.ImageSHA)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	svc, err := rt.db.GetService(r.Context(), name)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	if svc.GithubRepository == nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadPermissions, "service has no configured github_repository"))
		return
	}

	if rt.ciJWKS == nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadPermissions, "CI deploy is not configured"))
		return
	}

	var claims ciDeployClaims
	_, err = jwt.ParseWithClaims(req.OIDCToken, &claims, rt.ciJWKS.Keyfunc,
		jwt.WithAudience(ciDeployAudience),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.Wrap(kiwierr.BadPermissions, "invalid CI deploy token", err))
		return
	}

	if claims.Repository != *svc.GithubRepository {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadPermissions, "token repository does not match this service"))
		return
	}
	if claims.Ref != "refs/heads/main" {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadPermissions, "deploys are only allowed from refs/heads/main"))
		return
	}

	updated, err := rt.db.UpdateServiceImageSHA(r.Context(), name, imageSHA)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.redeployService(r.Context(), svc, updated); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, toServiceResponse(updated))
}

// normalizeImageSHA trims a "sha256:" prefix if present, per the spec's
// resolution of the original's "sha246" typo, and rejects anything else
// that isn't already a bare 64-char lower-hex digest.
func normalizeImageSHA(sha string) (string, error) {
	if strings.HasPrefix(sha, "sha256:") {
		sha = strings.TrimPrefix(sha, "sha256:")
	}
	if len(sha) != 64 {
		return "", kiwierr.New(kiwierr.InvalidInput, "image_sha must be a 64-character lower-hex digest, optionally prefixed with sha256:")
	}
	for _, c := range sha {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", kiwierr.New(kiwierr.InvalidInput, "image_sha must be lower-hex")
		}
	}
	return sha, nil
}
