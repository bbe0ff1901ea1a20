package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/team"
	"github.com/keelhq/keel/internal/user"
)

// teamService is the subset of team.Service used by the team handlers.
type teamService interface {
	Create(ctx context.Context, in team.CreateTeamInput, ownerID string) (*team.Team, error)
	Get(ctx context.Context, id string) (*team.Team, error)
	ListForUser(ctx context.Context, userID string) ([]*team.Team, error)
	Rename(ctx context.Context, id, name string) (*team.Team, error)
	Delete(ctx context.Context, id string) error
	Members(ctx context.Context, teamID string) ([]*team.Member, error)
	AddMember(ctx context.Context, teamID, userID string, role access.Role) error
	SetMemberRole(ctx context.Context, teamID, userID string, role access.Role) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	Invite(ctx context.Context, teamID, email string, role access.Role, invitedBy string) (*team.Invitation, error)
	Invitations(ctx context.Context, teamID string) ([]*team.Invitation, error)
	DeleteInvitation(ctx context.Context, teamID, id string) error
	Accept(ctx context.Context, token, userID, userEmail string) (*team.Invitation, error)
}

// membershipSource lists a user's memberships, oldest first.
type membershipSource interface {
	Memberships(ctx context.Context, userID string) ([]user.Membership, error)
}

// userFinder looks users up by email.
type userFinder interface {
	GetByEmail(ctx context.Context, email string) (*user.User, error)
}

// teamsHandler groups team, member and invitation HTTP handlers.
type teamsHandler struct {
	teams   teamService
	members membershipSource
	users   userFinder
	cookie  sessionCookie
}

func newTeamsHandler(teams teamService, members membershipSource, users userFinder, cookie sessionCookie) *teamsHandler {
	return &teamsHandler{teams: teams, members: members, users: users, cookie: cookie}
}

func sessionUser(r *http.Request) *access.User {
	return auth.SessionFromContext(r.Context()).User
}

// ListTeams handles GET /api/v1/teams: the caller's teams.
func (h *teamsHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.teams.ListForUser(r.Context(), sessionUser(r).ID)
	if err != nil {
		writeServiceError(w, r, err, "teams")
		return
	}
	if teams == nil {
		teams = []*team.Team{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

// CreateTeam handles POST /api/v1/teams. The caller becomes OWNER. A user's
// later teams join the tenant of their first team.
func (h *teamsHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req team.CreateTeamInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	u := sessionUser(r)
	memberships, err := h.members.Memberships(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err, "memberships")
		return
	}
	if len(memberships) > 0 {
		req.TenantID = memberships[0].TenantID
	}

	t, err := h.teams.Create(r.Context(), req, u.ID)
	if err != nil {
		writeServiceError(w, r, err, "team")
		return
	}
	h.cookie.refresh(r)
	auditLog(r, "create", "team", t.ID, "name", t.Name, "tenant_id", t.TenantID)
	writeJSON(w, http.StatusCreated, t)
}

// GetTeam handles GET /api/v1/teams/{teamID}.
func (h *teamsHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.teams.Get(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		writeServiceError(w, r, err, "team")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTeam handles PUT /api/v1/teams/{teamID}.
func (h *teamsHandler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	t, err := h.teams.Rename(r.Context(), chi.URLParam(r, "teamID"), req.Name)
	if err != nil {
		writeServiceError(w, r, err, "team")
		return
	}
	auditLog(r, "update", "team", t.ID, "name", t.Name)
	writeJSON(w, http.StatusOK, t)
}

// DeleteTeam handles DELETE /api/v1/teams/{teamID}.
func (h *teamsHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "teamID")
	if err := h.teams.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "team")
		return
	}
	h.cookie.refresh(r)
	auditLog(r, "delete", "team", id)
	w.WriteHeader(http.StatusNoContent)
}

// Permissions handles GET /api/v1/teams/{teamID}/permissions: the caller's
// effective grants in the team.
func (h *teamsHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	u := sessionUser(r)
	teamID := chi.URLParam(r, "teamID")

	role := u.RoleIn(teamID)
	if u.SystemRole == access.RoleSysadmin {
		role = access.RoleSysadmin
	}
	if role == "" {
		writeError(w, http.StatusForbidden, "forbidden", "you are not a member of this team")
		return
	}

	grants := access.Grants(role)
	if grants == nil {
		grants = []access.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": grants})
}

// Leave handles POST /api/v1/teams/{teamID}/leave.
func (h *teamsHandler) Leave(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	u := sessionUser(r)
	if err := h.teams.RemoveMember(r.Context(), teamID, u.ID); err != nil {
		writeServiceError(w, r, err, "membership")
		return
	}
	h.cookie.refresh(r)
	auditLog(r, "leave", "team", teamID)
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /api/v1/teams/{teamID}/members.
func (h *teamsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.teams.Members(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		writeServiceError(w, r, err, "members")
		return
	}
	if members == nil {
		members = []*team.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// AddMember handles POST /api/v1/teams/{teamID}/members. The user is named
// by email and must already have an account.
func (h *teamsHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string      `json:"email"`
		Role  access.Role `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return
	}
	if req.Role == "" {
		req.Role = access.RoleMember
	}

	target, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, err, "user")
		return
	}

	teamID := chi.URLParam(r, "teamID")
	if err := h.teams.AddMember(r.Context(), teamID, target.ID, req.Role); err != nil {
		writeServiceError(w, r, err, "membership")
		return
	}
	auditLog(r, "create", "team_member", target.ID, "team_id", teamID, "role", req.Role)
	writeJSON(w, http.StatusCreated, map[string]any{
		"team_id": teamID,
		"user_id": target.ID,
		"email":   target.Email,
		"role":    req.Role,
	})
}

// UpdateMember handles PUT /api/v1/teams/{teamID}/members/{userID}.
func (h *teamsHandler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role access.Role `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID, userID := chi.URLParam(r, "teamID"), chi.URLParam(r, "userID")
	if err := h.teams.SetMemberRole(r.Context(), teamID, userID, req.Role); err != nil {
		writeServiceError(w, r, err, "membership")
		return
	}
	if userID == sessionUser(r).ID {
		h.cookie.refresh(r)
	}
	auditLog(r, "update", "team_member", userID, "team_id", teamID, "role", req.Role)
	writeJSON(w, http.StatusOK, map[string]any{"team_id": teamID, "user_id": userID, "role": req.Role})
}

// RemoveMember handles DELETE /api/v1/teams/{teamID}/members/{userID}.
func (h *teamsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	teamID, userID := chi.URLParam(r, "teamID"), chi.URLParam(r, "userID")
	if err := h.teams.RemoveMember(r.Context(), teamID, userID); err != nil {
		writeServiceError(w, r, err, "membership")
		return
	}
	if userID == sessionUser(r).ID {
		h.cookie.refresh(r)
	}
	auditLog(r, "delete", "team_member", userID, "team_id", teamID)
	w.WriteHeader(http.StatusNoContent)
}

// ListInvitations handles GET /api/v1/teams/{teamID}/invitations.
func (h *teamsHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := h.teams.Invitations(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		writeServiceError(w, r, err, "invitations")
		return
	}
	if invs == nil {
		invs = []*team.Invitation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
}

// Invite handles POST /api/v1/teams/{teamID}/invitations. The response
// carries the token; delivering it is left to the caller.
func (h *teamsHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string      `json:"email"`
		Role  access.Role `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Role == "" {
		req.Role = access.RoleMember
	}

	teamID := chi.URLParam(r, "teamID")
	inv, err := h.teams.Invite(r.Context(), teamID, req.Email, req.Role, sessionUser(r).ID)
	if err != nil {
		writeServiceError(w, r, err, "invitation")
		return
	}
	auditLog(r, "create", "team_invitation", inv.ID, "team_id", teamID, "email", inv.Email, "role", inv.Role)
	writeJSON(w, http.StatusCreated, inv)
}

// DeleteInvitation handles DELETE /api/v1/teams/{teamID}/invitations/{invitationID}.
func (h *teamsHandler) DeleteInvitation(w http.ResponseWriter, r *http.Request) {
	teamID, id := chi.URLParam(r, "teamID"), chi.URLParam(r, "invitationID")
	if err := h.teams.DeleteInvitation(r.Context(), teamID, id); err != nil {
		writeServiceError(w, r, err, "invitation")
		return
	}
	auditLog(r, "delete", "team_invitation", id, "team_id", teamID)
	w.WriteHeader(http.StatusNoContent)
}

// AcceptInvitation handles POST /api/v1/invitations/accept.
func (h *teamsHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "token is required")
		return
	}

	u := sessionUser(r)
	inv, err := h.teams.Accept(r.Context(), req.Token, u.ID, u.Email)
	if err != nil {
		writeServiceError(w, r, err, "invitation")
		return
	}
	h.cookie.refresh(r)
	auditLog(r, "accept", "team_invitation", inv.ID, "team_id", inv.TeamID, "role", inv.Role)
	writeJSON(w, http.StatusOK, map[string]any{"team_id": inv.TeamID, "role": inv.Role})
}
