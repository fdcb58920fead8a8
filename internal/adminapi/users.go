package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/kiwierr"
	"github.com/kiwiadmin/kiwi/internal/statedb"
)

type userResponse struct {
	ID        int64        `json:"id"`
	Username  string       `json:"username"`
	Role      statedb.Role `json:"role"`
	CreatedAt string       `json:"created_at"`
}

func toUserResponse(u statedb.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt.Format(time.RFC3339)}
}

type invitationResponse struct {
	ID        string       `json:"id"`
	Role      statedb.Role `json:"role"`
	CreatedAt string       `json:"created_at"`
}

func toInvitationResponse(inv statedb.UserInvitation) invitationResponse {
	return invitationResponse{ID: inv.ID, Role: inv.Role, CreatedAt: inv.CreatedAt.Format(time.RFC3339)}
}

func (rt *Router) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := rt.db.ListUsers(r.Context())
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (rt *Router) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "invalid user id"))
		return
	}
	if err := rt.db.DeleteUser(r.Context(), id); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

// handleWhoami reports the identity edgeproxy's authentication gate
// injected into this request's headers.
func (rt *Router) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.Header.Get("X-Kiwi-User-Id"), 10, 64)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.BadCredentials, "no authenticated identity on this request"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"id":       id,
		"username": r.Header.Get("X-Kiwi-Username"),
	})
}

func (rt *Router) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := rt.db.ListInvitations(r.Context())
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	out := make([]invitationResponse, len(invs))
	for i, inv := range invs {
		out[i] = toInvitationResponse(inv)
	}
	httpserver.Respond(w, http.StatusOK, out)
}

type createInvitationRequest struct {
	Role statedb.Role `json:"role" validate:"required,oneof=Admin Customer"`
}

func (rt *Router) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	inv, err := rt.db.CreateInvitation(r.Context(), req.Role)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, toInvitationResponse(inv))
}

func (rt *Router) handleDeleteInvitation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, rt.logger, kiwierr.New(kiwierr.InvalidInput, "invalid invitation id"))
		return
	}
	if err := rt.db.DeleteInvitation(r.Context(), id); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}
