package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gatekeep.dev/internal/ids"
	"gatekeep.dev/internal/obs"
)

// RoleInput describes a role to create.
type RoleInput struct {
	Name                   string             `json:"name"`
	Description            string             `json:"description"`
	Priority               int                `json:"priority"`
	Permissions            []string           `json:"permissions"`
	InheritedRoles         []string           `json:"inherited_roles"`
	ConditionalPermissions []ConditionalGrant `json:"conditional_permissions"`
	Restrictions           RoleRestrictions   `json:"restrictions"`
	Compliance             Compliance         `json:"compliance"`
}

// RoleUpdate carries the fields to change; nil fields are left as they are.
type RoleUpdate struct {
	Name                   *string             `json:"name"`
	Description            *string             `json:"description"`
	Priority               *int                `json:"priority"`
	Permissions            *[]string           `json:"permissions"`
	InheritedRoles         *[]string           `json:"inherited_roles"`
	ConditionalPermissions *[]ConditionalGrant `json:"conditional_permissions"`
	Restrictions           *RoleRestrictions   `json:"restrictions"`
	Compliance             *Compliance         `json:"compliance"`
}

// AssignmentInput describes a team member to create.
type AssignmentInput struct {
	PrincipalID          string      `json:"principal_id"`
	RoleID               string      `json:"role_id"`
	CustomPermissions    []string    `json:"custom_permissions"`
	Restrictions         []string    `json:"restrictions"`
	AllowedResourceScope []string    `json:"allowed_resource_scope"`
	AccessLevel          AccessLevel `json:"access_level"`
	ExpiresAt            *time.Time  `json:"expires_at"`
}

// AssignmentUpdate carries the fields to change; nil fields are left as they are.
type AssignmentUpdate struct {
	RoleID               *string      `json:"role_id"`
	CustomPermissions    *[]string    `json:"custom_permissions"`
	Restrictions         *[]string    `json:"restrictions"`
	AllowedResourceScope *[]string    `json:"allowed_resource_scope"`
	AccessLevel          *AccessLevel `json:"access_level"`
	ExpiresAt            *time.Time   `json:"expires_at"`
	ClearExpiry          bool         `json:"clear_expiry"`
}

// RBACOption configures an RBACService.
type RBACOption func(*RBACService)

// WithInvalidator sets who is told about changed principals. Defaults to a no-op.
func WithInvalidator(inv Invalidator) RBACOption {
	return func(s *RBACService) {
		if inv != nil {
			s.invalidator = inv
		}
	}
}

// WithCredentialStore enables password management.
func WithCredentialStore(cs CredentialStore) RBACOption {
	return func(s *RBACService) { s.credentials = cs }
}

// WithRoleDepth bounds inheritance depth accepted at save time.
func WithRoleDepth(n int) RBACOption {
	return func(s *RBACService) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithRBACClock overrides the service clock.
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) {
		if fn != nil {
			s.now = fn
		}
	}
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(string) {}
func (nopInvalidator) InvalidateAll()    {}

// RBACService validates and persists roles and assignments, and invalidates cached
// grants of every principal a change can reach.
type RBACService struct {
	catalog     *Catalog
	roles       RoleStore
	assignments AssignmentStore
	credentials CredentialStore
	invalidator Invalidator
	maxDepth    int
	now         func() time.Time
}

func NewRBACService(catalog *Catalog, roles RoleStore, assignments AssignmentStore, opts ...RBACOption) (*RBACService, error) {
	if catalog == nil {
		return nil, errors.New("rbac catalog is required")
	}
	if roles == nil || assignments == nil {
		return nil, errors.New("rbac stores are required")
	}
	s := &RBACService{
		catalog:     catalog,
		roles:       roles,
		assignments: assignments,
		invalidator: nopInvalidator{},
		maxDepth:    DefaultMaxRoleDepth,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RBACService) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	now := s.now().UTC()
	role := Role{
		ID:                     ids.NewAt(now),
		Name:                   strings.TrimSpace(in.Name),
		Description:            strings.TrimSpace(in.Description),
		Priority:               in.Priority,
		Permissions:            dedupeStrings(in.Permissions),
		InheritedRoles:         dedupeStrings(in.InheritedRoles),
		ConditionalPermissions: normalizeConditionals(in.ConditionalPermissions),
		Restrictions:           in.Restrictions,
		Compliance:             in.Compliance,
		IsActive:               true,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	existing, err := s.roles.ListRoles(ctx)
	if err != nil {
		return Role{}, err
	}
	for _, r := range existing {
		if strings.EqualFold(r.Name, role.Name) {
			return Role{}, fmt.Errorf("%w: role %q already exists", ErrConflict, role.Name)
		}
	}
	if err := validateRoleGraph(s.catalog, existing, role, s.maxDepth); err != nil {
		return Role{}, err
	}
	return s.roles.CreateRole(ctx, role)
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return roles[i].Name < roles[j].Name
	})
	return roles, nil
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.roles.GetRole(ctx, roleID)
}

func (s *RBACService) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		role.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Priority != nil {
		role.Priority = *upd.Priority
	}
	if upd.Permissions != nil {
		role.Permissions = dedupeStrings(*upd.Permissions)
	}
	if upd.InheritedRoles != nil {
		role.InheritedRoles = dedupeStrings(*upd.InheritedRoles)
	}
	if upd.ConditionalPermissions != nil {
		role.ConditionalPermissions = normalizeConditionals(*upd.ConditionalPermissions)
	}
	if upd.Restrictions != nil {
		role.Restrictions = *upd.Restrictions
	}
	if upd.Compliance != nil {
		role.Compliance = *upd.Compliance
	}
	role.UpdatedAt = s.now().UTC()

	existing, err := s.roles.ListRoles(ctx)
	if err != nil {
		return Role{}, err
	}
	for _, r := range existing {
		if r.ID != role.ID && strings.EqualFold(r.Name, role.Name) {
			return Role{}, fmt.Errorf("%w: role %q already exists", ErrConflict, role.Name)
		}
	}
	if err := validateRoleGraph(s.catalog, existing, role, s.maxDepth); err != nil {
		return Role{}, err
	}
	updated, err := s.roles.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.invalidateRole(ctx, updated.ID)
	return updated, nil
}

// DeactivateRole soft-deletes a role. It fails with ErrConflict while active assignments
// reference the role unless force is set.
func (s *RBACService) DeactivateRole(ctx context.Context, roleID string, force bool) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return nil
	}
	if !force {
		refs, err := s.assignments.ListAssignmentsByRoles(ctx, []string{role.ID})
		if err != nil {
			return err
		}
		for _, a := range refs {
			if a.IsActive {
				return fmt.Errorf("%w: role %s is assigned to active team members", ErrConflict, role.ID)
			}
		}
	}
	if err := s.roles.SetRoleActive(ctx, role.ID, false); err != nil {
		return err
	}
	s.invalidateRole(ctx, role.ID)
	return nil
}

// invalidateRole drops cached grants of every principal assigned to roleID or to a role
// inheriting it. When the affected set cannot be computed everything is dropped.
func (s *RBACService) invalidateRole(ctx context.Context, roleID string) {
	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		s.invalidateAll("list roles", err)
		return
	}
	affected := append([]string{roleID}, newRoleGraph(roles, s.maxDepth).dependents(roleID)...)
	refs, err := s.assignments.ListAssignmentsByRoles(ctx, affected)
	if err != nil {
		s.invalidateAll("list assignments", err)
		return
	}
	for _, a := range refs {
		s.invalidator.Invalidate(a.PrincipalID)
	}
}

func (s *RBACService) invalidateAll(step string, err error) {
	obs.Logger().Warn("rbac invalidation fell back to full flush", "step", step, "error", err.Error())
	s.invalidator.InvalidateAll()
}

func (s *RBACService) CreateAssignment(ctx context.Context, in AssignmentInput) (Assignment, error) {
	now := s.now().UTC()
	a := Assignment{
		ID:                   ids.NewAt(now),
		PrincipalID:          strings.TrimSpace(in.PrincipalID),
		RoleID:               strings.TrimSpace(in.RoleID),
		CustomPermissions:    dedupeStrings(in.CustomPermissions),
		Restrictions:         dedupeStrings(in.Restrictions),
		AllowedResourceScope: dedupeStrings(in.AllowedResourceScope),
		AccessLevel:          in.AccessLevel,
		IsActive:             true,
		ExpiresAt:            in.ExpiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if a.PrincipalID == "" {
		return Assignment{}, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	if err := s.validateAssignment(ctx, &a); err != nil {
		return Assignment{}, err
	}
	created, err := s.assignments.CreateAssignment(ctx, a)
	if err != nil {
		return Assignment{}, err
	}
	s.invalidator.Invalidate(created.PrincipalID)
	return created, nil
}

func (s *RBACService) GetAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return Assignment{}, fmt.Errorf("%w: assignment id is required", ErrInvalidInput)
	}
	return s.assignments.GetAssignment(ctx, assignmentID)
}

// AssignmentForPrincipal returns the assignment of principalID, active or not.
func (s *RBACService) AssignmentForPrincipal(ctx context.Context, principalID string) (Assignment, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Assignment{}, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	return s.assignments.AssignmentForPrincipal(ctx, principalID)
}

func (s *RBACService) UpdateAssignment(ctx context.Context, assignmentID string, upd AssignmentUpdate) (Assignment, error) {
	a, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if upd.RoleID != nil {
		a.RoleID = strings.TrimSpace(*upd.RoleID)
	}
	if upd.CustomPermissions != nil {
		a.CustomPermissions = dedupeStrings(*upd.CustomPermissions)
	}
	if upd.Restrictions != nil {
		a.Restrictions = dedupeStrings(*upd.Restrictions)
	}
	if upd.AllowedResourceScope != nil {
		a.AllowedResourceScope = dedupeStrings(*upd.AllowedResourceScope)
	}
	if upd.AccessLevel != nil {
		a.AccessLevel = *upd.AccessLevel
	}
	switch {
	case upd.ClearExpiry:
		a.ExpiresAt = nil
	case upd.ExpiresAt != nil:
		a.ExpiresAt = upd.ExpiresAt
	}
	a.UpdatedAt = s.now().UTC()
	if a.IsActive {
		if err := s.validateAssignment(ctx, &a); err != nil {
			return Assignment{}, err
		}
	}
	updated, err := s.assignments.UpdateAssignment(ctx, a)
	if err != nil {
		return Assignment{}, err
	}
	s.invalidator.Invalidate(updated.PrincipalID)
	return updated, nil
}

// DeactivateAssignment revokes a team member's access without deleting history.
func (s *RBACService) DeactivateAssignment(ctx context.Context, assignmentID string) (Assignment, error) {
	a, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := s.assignments.SetAssignmentActive(ctx, a.ID, false); err != nil {
		return Assignment{}, err
	}
	a.IsActive = false
	s.invalidator.Invalidate(a.PrincipalID)
	return a, nil
}

func (s *RBACService) validateAssignment(ctx context.Context, a *Assignment) error {
	if a.RoleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if a.AccessLevel == "" {
		a.AccessLevel = AccessFull
	}
	if !a.AccessLevel.Valid() {
		return fmt.Errorf("%w: unknown access level %q", ErrInvalidInput, a.AccessLevel)
	}
	if unknown := s.catalog.Unknown(a.CustomPermissions); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	if unknown := s.catalog.Unknown(a.Restrictions); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown restricted permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	if a.ExpiresAt != nil {
		if !a.ExpiresAt.After(s.now()) {
			return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
		}
		for _, k := range a.CustomPermissions {
			if p, _ := s.catalog.Lookup(k); !p.TemporaryGrantAllowed {
				return fmt.Errorf("%w: %s cannot be granted temporarily", ErrInvalidInput, k)
			}
		}
	}

	role, err := s.roles.GetRole(ctx, a.RoleID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: role %s does not exist", ErrInvalidInput, a.RoleID)
	}
	if err != nil {
		return err
	}
	if !role.IsActive {
		return fmt.Errorf("%w: role %s is inactive", ErrInvalidInput, a.RoleID)
	}

	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return err
	}
	g := newRoleGraph(roles, s.maxDepth)
	closure, err := g.closure(role.ID)
	if err != nil {
		return err
	}
	set := g.grantedKeys(closure)
	for _, k := range a.CustomPermissions {
		set[k] = struct{}{}
	}
	for _, k := range a.Restrictions {
		delete(set, k)
	}
	if pairs := s.catalog.ConflictPairs(set); len(pairs) > 0 {
		return fmt.Errorf("%w: assignment would grant conflicting permissions %s and %s",
			ErrInvalidInput, pairs[0][0], pairs[0][1])
	}
	return nil
}

// SetPassword stores a hashed credential for principalID.
func (s *RBACService) SetPassword(ctx context.Context, principalID, login, password string) error {
	if s.credentials == nil {
		return errors.New("credential store is not configured")
	}
	principalID = strings.TrimSpace(principalID)
	login = strings.TrimSpace(strings.ToLower(login))
	if principalID == "" || login == "" {
		return fmt.Errorf("%w: principal_id and login are required", ErrInvalidInput)
	}
	if len(strings.TrimSpace(password)) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.credentials.SaveCredential(ctx, Credential{
		PrincipalID:  principalID,
		Login:        login,
		PasswordHash: hash,
		UpdatedAt:    s.now().UTC(),
	})
}

// Authenticate checks a login and password. Unknown logins and wrong passwords both
// return ErrUnauthorized.
func (s *RBACService) Authenticate(ctx context.Context, login, password string) (Credential, error) {
	if s.credentials == nil {
		return Credential{}, errors.New("credential store is not configured")
	}
	login = strings.TrimSpace(strings.ToLower(login))
	if login == "" || password == "" {
		return Credential{}, fmt.Errorf("%w: login and password are required", ErrInvalidInput)
	}
	cred, err := s.credentials.CredentialByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, ErrUnauthorized
	}
	if err != nil {
		return Credential{}, err
	}
	if err := VerifyPassword(cred.PasswordHash, password); err != nil {
		return Credential{}, ErrUnauthorized
	}
	return cred, nil
}

func normalizeConditionals(in []ConditionalGrant) []ConditionalGrant {
	if len(in) == 0 {
		return nil
	}
	out := make([]ConditionalGrant, 0, len(in))
	for _, cg := range in {
		out = append(out, ConditionalGrant{
			Condition:   Condition(strings.TrimSpace(string(cg.Condition))),
			Permissions: dedupeStrings(cg.Permissions),
		})
	}
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
