package engine

import (
	"context"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
)

const (
	ActionRoleCreate           = "roles.create"
	ActionRoleUpdate           = "roles.update"
	ActionRoleDeactivate       = "roles.deactivate"
	ActionTeamMemberCreate     = "team_members.create"
	ActionTeamMemberUpdate     = "team_members.update"
	ActionTeamMemberDeactivate = "team_members.deactivate"
	ActionTeamMemberPassword   = "team_members.password"
	resourceRole               = "role"
	resourceTeamMember         = "team_member"
)

// Actor identifies the administrator behind a privileged action.
type Actor struct {
	PrincipalID string
	SessionID   string
	IPAddress   string
	UserAgent   string
}

func (a Actor) record(action, resource, resourceID string, details map[string]any, err error) audit.Record {
	rec := audit.Record{
		ActorID:    a.PrincipalID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		IPAddress:  a.IPAddress,
		UserAgent:  a.UserAgent,
		SessionID:  a.SessionID,
		Success:    err == nil,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	return rec
}

func (e *Engine) CreateRole(ctx context.Context, actor Actor, in auth.RoleInput) (auth.Role, error) {
	role, err := e.rbac.CreateRole(ctx, in)
	e.record(ctx, actor.record(ActionRoleCreate, resourceRole, role.ID, map[string]any{
		"name":            in.Name,
		"permissions":     in.Permissions,
		"inherited_roles": in.InheritedRoles,
	}, err))
	return role, err
}

func (e *Engine) UpdateRole(ctx context.Context, actor Actor, roleID string, upd auth.RoleUpdate) (auth.Role, error) {
	role, err := e.rbac.UpdateRole(ctx, roleID, upd)
	details := map[string]any{}
	if upd.Permissions != nil {
		details["permissions"] = *upd.Permissions
	}
	if upd.InheritedRoles != nil {
		details["inherited_roles"] = *upd.InheritedRoles
	}
	e.record(ctx, actor.record(ActionRoleUpdate, resourceRole, roleID, details, err))
	return role, err
}

func (e *Engine) DeactivateRole(ctx context.Context, actor Actor, roleID string, force bool) error {
	err := e.rbac.DeactivateRole(ctx, roleID, force)
	e.record(ctx, actor.record(ActionRoleDeactivate, resourceRole, roleID, map[string]any{"force": force}, err))
	return err
}

func (e *Engine) ListRoles(ctx context.Context) ([]auth.Role, error) {
	return e.rbac.ListRoles(ctx)
}

func (e *Engine) GetRole(ctx context.Context, roleID string) (auth.Role, error) {
	return e.rbac.GetRole(ctx, roleID)
}

func (e *Engine) CreateTeamMember(ctx context.Context, actor Actor, in auth.AssignmentInput) (auth.Assignment, error) {
	a, err := e.rbac.CreateAssignment(ctx, in)
	e.record(ctx, actor.record(ActionTeamMemberCreate, resourceTeamMember, a.ID, map[string]any{
		"principal_id":       in.PrincipalID,
		"role_id":            in.RoleID,
		"custom_permissions": in.CustomPermissions,
		"access_level":       string(in.AccessLevel),
	}, err))
	return a, err
}

func (e *Engine) UpdateTeamMember(ctx context.Context, actor Actor, assignmentID string, upd auth.AssignmentUpdate) (auth.Assignment, error) {
	a, err := e.rbac.UpdateAssignment(ctx, assignmentID, upd)
	details := map[string]any{}
	if upd.RoleID != nil {
		details["role_id"] = *upd.RoleID
	}
	if upd.CustomPermissions != nil {
		details["custom_permissions"] = *upd.CustomPermissions
	}
	if upd.Restrictions != nil {
		details["restrictions"] = *upd.Restrictions
	}
	e.record(ctx, actor.record(ActionTeamMemberUpdate, resourceTeamMember, assignmentID, details, err))
	return a, err
}

// DeactivateTeamMember deactivates the assignment and revokes every live session of
// its principal.
func (e *Engine) DeactivateTeamMember(ctx context.Context, actor Actor, assignmentID string) (auth.Assignment, error) {
	a, err := e.rbac.DeactivateAssignment(ctx, assignmentID)
	details := map[string]any{}
	if err == nil {
		revoked, rerr := e.sessions.RevokeAll(ctx, a.PrincipalID)
		details["principal_id"] = a.PrincipalID
		details["sessions_revoked"] = revoked
		if rerr != nil {
			obs.Logger().Error("revoke sessions of deactivated member",
				"principal_id", a.PrincipalID, "error", rerr.Error())
			err = rerr
		}
	}
	e.record(ctx, actor.record(ActionTeamMemberDeactivate, resourceTeamMember, assignmentID, details, err))
	return a, err
}

// SetTeamMemberPassword stores the login credential of principalID. The password is
// never recorded.
func (e *Engine) SetTeamMemberPassword(ctx context.Context, actor Actor, principalID, login, password string) error {
	err := e.rbac.SetPassword(ctx, principalID, login, password)
	e.record(ctx, actor.record(ActionTeamMemberPassword, resourceTeamMember, principalID, map[string]any{
		"login": login,
	}, err))
	return err
}

func (e *Engine) GetTeamMember(ctx context.Context, assignmentID string) (auth.Assignment, error) {
	return e.rbac.GetAssignment(ctx, assignmentID)
}

// ListAudit serves the admin audit screen.
func (e *Engine) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	return e.audit.List(ctx, f)
}
