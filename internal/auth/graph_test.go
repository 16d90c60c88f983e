package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRBAC(t *testing.T, store *fakeStore, inv Invalidator) *RBACService {
	t.Helper()
	svc, err := NewRBACService(BuiltinCatalog(), store, store,
		WithInvalidator(inv),
		WithCredentialStore(store),
		WithRBACClock(fixedClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))),
	)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	return svc
}

func TestRoleSaveRejectsInheritedConflict(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "desk", Name: "desk", Permissions: []string{PermBookingsView, PermBookingsDelete}, IsActive: true})
	store.putRole(Role{ID: "concierge", Name: "concierge", Permissions: []string{PermUsersView, PermUsersImpersonate}, IsActive: true})
	svc := newTestRBAC(t, store, nil)

	_, err := svc.CreateRole(context.Background(), RoleInput{
		Name:           "night-manager",
		InheritedRoles: []string{"desk", "concierge"},
	})
	if !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected ErrRoleGraphInvalid, got %v", err)
	}
	roles, _ := store.ListRoles(context.Background())
	if len(roles) != 2 {
		t.Fatalf("role must not be persisted, have %d roles", len(roles))
	}
}

func TestRoleSaveRejectsCycle(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "a", Name: "a", Permissions: []string{PermBookingsView}, IsActive: true})
	store.putRole(Role{ID: "b", Name: "b", InheritedRoles: []string{"a"}, IsActive: true})
	svc := newTestRBAC(t, store, nil)

	inherits := []string{"b"}
	_, err := svc.UpdateRole(context.Background(), "a", RoleUpdate{InheritedRoles: &inherits})
	if !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected ErrRoleGraphInvalid for cycle, got %v", err)
	}

	self := []string{"a"}
	if _, err := svc.UpdateRole(context.Background(), "a", RoleUpdate{InheritedRoles: &self}); !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected ErrRoleGraphInvalid for self inheritance, got %v", err)
	}
}

func TestRoleSaveRejectsDanglingAndDeepGraphs(t *testing.T) {
	store := newFakeStore()
	svc := newTestRBAC(t, store, nil)
	_, err := svc.CreateRole(context.Background(), RoleInput{Name: "orphan", InheritedRoles: []string{"ghost"}})
	if !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected ErrRoleGraphInvalid for dangling parent, got %v", err)
	}

	store.putRole(Role{ID: "r0", Name: "r0", Permissions: []string{PermChatView}, IsActive: true})
	for i := 1; i <= 3; i++ {
		id := "r" + string(rune('0'+i))
		store.putRole(Role{ID: id, Name: id, InheritedRoles: []string{"r" + string(rune('0'+i-1))}, IsActive: true})
	}
	shallow, err := NewRBACService(BuiltinCatalog(), store, store, WithRoleDepth(2))
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	if _, err := shallow.CreateRole(context.Background(), RoleInput{Name: "top", InheritedRoles: []string{"r3"}}); !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected depth overflow to be rejected, got %v", err)
	}
}

func TestRoleSaveValidatesCatalogAndDependencies(t *testing.T) {
	store := newFakeStore()
	svc := newTestRBAC(t, store, nil)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, RoleInput{Name: "x", Permissions: []string{"bookings:teleport"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown permission to be rejected, got %v", err)
	}
	if _, err := svc.CreateRole(ctx, RoleInput{Name: "x", Permissions: []string{PermBookingsEdit}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing dependency to be rejected, got %v", err)
	}
	_, err := svc.CreateRole(ctx, RoleInput{
		Name:                   "x",
		Permissions:            []string{PermBookingsView},
		ConditionalPermissions: []ConditionalGrant{{Condition: "full_moon", Permissions: []string{PermBookingsView}}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown condition to be rejected, got %v", err)
	}
	_, err = svc.CreateRole(ctx, RoleInput{
		Name:         "x",
		Permissions:  []string{PermBookingsView},
		Restrictions: RoleRestrictions{AllowedIPs: []string{"not-an-ip"}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected bad CIDR to be rejected, got %v", err)
	}
}

func TestRoleUpdateRevalidatesInheritingRoles(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "base", Name: "base", Permissions: []string{PermUsersView}, IsActive: true})
	store.putRole(Role{ID: "child", Name: "child", Permissions: []string{PermBookingsView, PermBookingsDelete}, InheritedRoles: []string{"base"}, IsActive: true})
	svc := newTestRBAC(t, store, nil)

	perms := []string{PermUsersView, PermUsersImpersonate}
	_, err := svc.UpdateRole(context.Background(), "base", RoleUpdate{Permissions: &perms})
	if !errors.Is(err, ErrRoleGraphInvalid) {
		t.Fatalf("expected child conflict to block parent update, got %v", err)
	}
	base, _ := store.GetRole(context.Background(), "base")
	if len(base.Permissions) != 1 {
		t.Fatalf("parent must be unchanged, got %v", base.Permissions)
	}
}

func TestDependents(t *testing.T) {
	g := newRoleGraph([]Role{
		{ID: "a"},
		{ID: "b", InheritedRoles: []string{"a"}},
		{ID: "c", InheritedRoles: []string{"b"}},
		{ID: "d"},
	}, 0)
	got := g.dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected dependents: %v", got)
	}
}
