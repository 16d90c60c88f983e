package auth

import (
	"context"
	"sync"
	"time"
)

type fakeStore struct {
	mu          sync.Mutex
	roles       map[string]Role
	assignments map[string]Assignment
	creds       map[string]Credential
	roleErr     error
	assignErr   error
	roleLoads   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:       map[string]Role{},
		assignments: map[string]Assignment{},
		creds:       map[string]Credential{},
	}
}

func (f *fakeStore) putRole(r Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[r.ID] = r
}

func (f *fakeStore) putAssignment(a Assignment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[a.ID] = a
}

func (f *fakeStore) CreateRole(_ context.Context, r Role) (Role, error) {
	f.putRole(r)
	return r, nil
}

func (f *fakeStore) UpdateRole(_ context.Context, r Role) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[r.ID]; !ok {
		return Role{}, ErrNotFound
	}
	f.roles[r.ID] = r
	return r, nil
}

func (f *fakeStore) GetRole(_ context.Context, id string) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleLoads++
	if f.roleErr != nil {
		return Role{}, f.roleErr
	}
	r, ok := f.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ListRoles(context.Context) ([]Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Role, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) SetRoleActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = active
	f.roles[id] = r
	return nil
}

func (f *fakeStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.assignments {
		if existing.PrincipalID == a.PrincipalID {
			return Assignment{}, ErrConflict
		}
	}
	f.assignments[a.ID] = a
	return a, nil
}

func (f *fakeStore) UpdateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	f.putAssignment(a)
	return a, nil
}

func (f *fakeStore) GetAssignment(_ context.Context, id string) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) AssignmentForPrincipal(_ context.Context, principalID string) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return Assignment{}, f.assignErr
	}
	for _, a := range f.assignments {
		if a.PrincipalID == principalID {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

func (f *fakeStore) ListAssignmentsByRoles(_ context.Context, roleIDs []string) ([]Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, id := range roleIDs {
		want[id] = true
	}
	var out []Assignment
	for _, a := range f.assignments {
		if want[a.RoleID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) SetAssignmentActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = active
	f.assignments[id] = a
	return nil
}

func (f *fakeStore) TouchAssignment(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return ErrNotFound
	}
	a.LastAccessAt = &at
	f.assignments[id] = a
	return nil
}

func (f *fakeStore) CredentialByLogin(_ context.Context, login string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[login]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) SaveCredential(_ context.Context, c Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[c.Login] = c
	return nil
}

type recordingInvalidator struct {
	mu         sync.Mutex
	principals []string
	all        int
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals = append(r.principals, id)
}

func (r *recordingInvalidator) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
