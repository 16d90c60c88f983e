package auth

import (
	"context"
	"time"
)

// RoleStore persists roles. Roles are deactivated, never deleted.
type RoleStore interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	SetRoleActive(ctx context.Context, roleID string, active bool) error
}

// AssignmentStore persists team members. A principal holds at most one assignment.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, assignmentID string) (Assignment, error)
	// AssignmentForPrincipal returns the principal's assignment whether or not it is active.
	AssignmentForPrincipal(ctx context.Context, principalID string) (Assignment, error)
	ListAssignmentsByRoles(ctx context.Context, roleIDs []string) ([]Assignment, error)
	SetAssignmentActive(ctx context.Context, assignmentID string, active bool) error
	TouchAssignment(ctx context.Context, assignmentID string, at time.Time) error
}

// CredentialStore persists login credentials.
type CredentialStore interface {
	CredentialByLogin(ctx context.Context, login string) (Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
}

// Invalidator drops cached permission state.
type Invalidator interface {
	Invalidate(principalID string)
	InvalidateAll()
}
