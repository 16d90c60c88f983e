// Package memory provides in-process stores with the same semantics as the
// PostgreSQL stores. It backs development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/session"
)

// Store keeps every table in maps guarded by one RWMutex. Values are copied on the
// way in and out so callers never share backing arrays with the store.
type Store struct {
	mu          sync.RWMutex
	roles       map[string]auth.Role
	assignments map[string]auth.Assignment
	credentials map[string]auth.Credential
	sessions    map[string]session.Session
	enrollments map[string]session.Enrollment
	audit       []audit.Record
}

func New() *Store {
	return &Store{
		roles:       make(map[string]auth.Role),
		assignments: make(map[string]auth.Assignment),
		credentials: make(map[string]auth.Credential),
		sessions:    make(map[string]session.Session),
		enrollments: make(map[string]session.Enrollment),
	}
}

// Ping always succeeds; it lets the store stand in for a database in readiness checks.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; ok {
		return auth.Role{}, fmt.Errorf("%w: role %s exists", auth.ErrConflict, r.ID)
	}
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, r.Name) {
			return auth.Role{}, fmt.Errorf("%w: role %q exists", auth.ErrConflict, r.Name)
		}
	}
	s.roles[r.ID] = cloneRole(r)
	return cloneRole(r), nil
}

func (s *Store) UpdateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.roles[r.ID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	r.CreatedAt = prev.CreatedAt
	s.roles[r.ID] = cloneRole(r)
	return cloneRole(r), nil
}

func (s *Store) GetRole(_ context.Context, roleID string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *Store) ListRoles(context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetRoleActive(_ context.Context, roleID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	s.roles[roleID] = r
	return nil
}

func (s *Store) CreateAssignment(_ context.Context, a auth.Assignment) (auth.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return auth.Assignment{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, a.RoleID)
	}
	for _, existing := range s.assignments {
		if existing.PrincipalID == a.PrincipalID {
			return auth.Assignment{}, fmt.Errorf("%w: principal %s already has an assignment", auth.ErrConflict, a.PrincipalID)
		}
	}
	s.assignments[a.ID] = cloneAssignment(a)
	return cloneAssignment(a), nil
}

func (s *Store) UpdateAssignment(_ context.Context, a auth.Assignment) (auth.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.assignments[a.ID]
	if !ok {
		return auth.Assignment{}, auth.ErrNotFound
	}
	if _, ok := s.roles[a.RoleID]; !ok {
		return auth.Assignment{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, a.RoleID)
	}
	a.PrincipalID = prev.PrincipalID
	a.CreatedAt = prev.CreatedAt
	s.assignments[a.ID] = cloneAssignment(a)
	return cloneAssignment(a), nil
}

func (s *Store) GetAssignment(_ context.Context, assignmentID string) (auth.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return auth.Assignment{}, auth.ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *Store) AssignmentForPrincipal(_ context.Context, principalID string) (auth.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.PrincipalID == principalID {
			return cloneAssignment(a), nil
		}
	}
	return auth.Assignment{}, auth.ErrNotFound
}

func (s *Store) ListAssignmentsByRoles(_ context.Context, roleIDs []string) ([]auth.Assignment, error) {
	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Assignment
	for _, a := range s.assignments {
		if _, ok := want[a.RoleID]; ok {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAssignmentActive(_ context.Context, assignmentID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return auth.ErrNotFound
	}
	a.IsActive = active
	a.UpdatedAt = time.Now().UTC()
	s.assignments[assignmentID] = a
	return nil
}

func (s *Store) TouchAssignment(_ context.Context, assignmentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return auth.ErrNotFound
	}
	at = at.UTC()
	a.LastAccessAt = &at
	s.assignments[assignmentID] = a
	return nil
}

func (s *Store) CredentialByLogin(_ context.Context, login string) (auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[strings.ToLower(login)]
	if !ok {
		return auth.Credential{}, auth.ErrNotFound
	}
	return c, nil
}

func (s *Store) SaveCredential(_ context.Context, c auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	login := strings.ToLower(c.Login)
	if existing, ok := s.credentials[login]; ok && existing.PrincipalID != c.PrincipalID {
		return fmt.Errorf("%w: login %s is taken", auth.ErrConflict, c.Login)
	}
	for key, existing := range s.credentials {
		if existing.PrincipalID == c.PrincipalID && key != login {
			delete(s.credentials, key)
		}
	}
	c.Login = login
	s.credentials[login] = c
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session %s exists", session.ErrInvalidInput, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return session.ErrSessionNotFound
	}
	switch cur.State() {
	case session.StateExpired:
		return session.ErrSessionExpired
	case session.StateRevoked:
		return session.ErrSessionRevoked
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) ListLiveSessions(_ context.Context, principalID string, now time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.PrincipalID == principalID && sess.Live(now) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpireSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.State().Terminal() || now.Before(sess.ExpiresAt) {
			continue
		}
		expired, err := session.Restore(sess, session.StateExpired)
		if err != nil {
			return n, err
		}
		s.sessions[id] = expired
		n++
	}
	return n, nil
}

func (s *Store) GetEnrollment(_ context.Context, principalID string) (session.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[principalID]
	if !ok {
		return session.Enrollment{}, session.ErrNotEnrolled
	}
	e.SealedSecret = append([]byte(nil), e.SealedSecret...)
	return e, nil
}

func (s *Store) SaveEnrollment(_ context.Context, e session.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.SealedSecret = append([]byte(nil), e.SealedSecret...)
	s.enrollments[e.PrincipalID] = e
	return nil
}

func (s *Store) AppendAudit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Details = cloneDetails(r.Details)
	s.audit = append(s.audit, r)
	return nil
}

func (s *Store) ListAudit(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for i := len(s.audit) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.Matches(s.audit[i]) {
			r := s.audit[i]
			r.Details = cloneDetails(r.Details)
			out = append(out, r)
		}
	}
	return out, nil
}

func cloneRole(r auth.Role) auth.Role {
	r.Permissions = cloneStrings(r.Permissions)
	r.InheritedRoles = cloneStrings(r.InheritedRoles)
	if r.ConditionalPermissions != nil {
		conds := make([]auth.ConditionalGrant, len(r.ConditionalPermissions))
		for i, c := range r.ConditionalPermissions {
			conds[i] = auth.ConditionalGrant{Condition: c.Condition, Permissions: cloneStrings(c.Permissions)}
		}
		r.ConditionalPermissions = conds
	}
	r.Restrictions = cloneRestrictions(r.Restrictions)
	return r
}

func cloneRestrictions(r auth.RoleRestrictions) auth.RoleRestrictions {
	if r.TimeWindow != nil {
		tw := *r.TimeWindow
		r.TimeWindow = &tw
	}
	r.AllowedIPs = cloneStrings(r.AllowedIPs)
	r.AllowedCountries = cloneStrings(r.AllowedCountries)
	r.DeviceTypes = cloneStrings(r.DeviceTypes)
	return r
}

func cloneAssignment(a auth.Assignment) auth.Assignment {
	a.CustomPermissions = cloneStrings(a.CustomPermissions)
	a.Restrictions = cloneStrings(a.Restrictions)
	a.AllowedResourceScope = cloneStrings(a.AllowedResourceScope)
	return a
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
