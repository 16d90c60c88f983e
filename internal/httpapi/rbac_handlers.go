package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
)

type createTeamMemberRequest struct {
	auth.AssignmentInput
	Login    string `json:"login"`
	Password string `json:"password"`
}

// stepUp is demanded for every mutation of roles and team members.
var stepUp = &guard.MFAOptions{}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if !a.require(w, r, guard.Options{Resource: "role"}, auth.PermTeamView) {
		return
	}
	roles, err := a.engine.ListRoles(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "role", ResourceID: id}, auth.PermTeamView) {
		return
	}
	role, err := a.engine.GetRole(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !a.require(w, r, guard.Options{Resource: "role", MFA: stepUp}, auth.PermTeamManageRoles) {
		return
	}
	var req auth.RoleInput
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.engine.CreateRole(r.Context(), actorFrom(r), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "role", ResourceID: id, MFA: stepUp}, auth.PermTeamManageRoles) {
		return
	}
	var req auth.RoleUpdate
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.engine.UpdateRole(r.Context(), actorFrom(r), id, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeactivateRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "role", ResourceID: id, MFA: stepUp}, auth.PermTeamManageRoles) {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := a.engine.DeactivateRole(r.Context(), actorFrom(r), id, force); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateTeamMember(w http.ResponseWriter, r *http.Request) {
	if !a.require(w, r, guard.Options{Resource: "team_member", MFA: stepUp}, auth.PermTeamManage) {
		return
	}
	var req createTeamMemberRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if (req.Login == "") != (req.Password == "") {
		writeError(w, r, http.StatusBadRequest, "login and password must be given together")
		return
	}
	actor := actorFrom(r)
	member, err := a.engine.CreateTeamMember(r.Context(), actor, req.AssignmentInput)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if req.Login != "" {
		if err := a.engine.SetTeamMemberPassword(r.Context(), actor, member.PrincipalID, req.Login, req.Password); err != nil {
			handleError(w, r, err)
			return
		}
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/team-members/%s", member.ID))
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleGetTeamMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "team_member", ResourceID: id}, auth.PermTeamView) {
		return
	}
	member, err := a.engine.GetTeamMember(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (a *API) handleUpdateTeamMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "team_member", ResourceID: id, MFA: stepUp}, auth.PermTeamManage) {
		return
	}
	var req auth.AssignmentUpdate
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	member, err := a.engine.UpdateTeamMember(r.Context(), actorFrom(r), id, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (a *API) handleDeactivateTeamMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.require(w, r, guard.Options{Resource: "team_member", ResourceID: id, MFA: stepUp}, auth.PermTeamManage) {
		return
	}
	member, err := a.engine.DeactivateTeamMember(r.Context(), actorFrom(r), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !a.require(w, r, guard.Options{Resource: "audit"}, auth.PermAuditView) {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{
		ActorID: strings.TrimSpace(q.Get("actor")),
		Action:  strings.TrimSpace(q.Get("action")),
		Limit:   limit,
	}
	if raw := q.Get("success"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "success must be true or false")
			return
		}
		f.Success = &ok
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = since
	}
	records, err := a.engine.ListAudit(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
