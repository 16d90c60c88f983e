package auth

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestRoleUpdateInvalidatesInheritingPrincipals(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "base", Name: "base", Permissions: []string{PermBookingsView}, IsActive: true})
	store.putRole(Role{ID: "mid", Name: "mid", InheritedRoles: []string{"base"}, IsActive: true})
	store.putRole(Role{ID: "top", Name: "top", InheritedRoles: []string{"mid"}, IsActive: true})
	store.putRole(Role{ID: "other", Name: "other", Permissions: []string{PermChatView}, IsActive: true})
	store.putAssignment(Assignment{ID: "tm-1", PrincipalID: "p-base", RoleID: "base", IsActive: true})
	store.putAssignment(Assignment{ID: "tm-2", PrincipalID: "p-top", RoleID: "top", IsActive: true})
	store.putAssignment(Assignment{ID: "tm-3", PrincipalID: "p-other", RoleID: "other", IsActive: true})
	inv := &recordingInvalidator{}
	svc := newTestRBAC(t, store, inv)

	perms := []string{PermBookingsView, PermBookingsEdit}
	if _, err := svc.UpdateRole(context.Background(), "base", RoleUpdate{Permissions: &perms}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	got := append([]string(nil), inv.principals...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "p-base" || got[1] != "p-top" {
		t.Fatalf("unexpected invalidations: %v", got)
	}
}

func TestDeactivateRoleRequiresForceWhileAssigned(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "support", Name: "support", Permissions: []string{PermBookingsView}, IsActive: true})
	store.putAssignment(Assignment{ID: "tm-1", PrincipalID: "alice", RoleID: "support", IsActive: true})
	inv := &recordingInvalidator{}
	svc := newTestRBAC(t, store, inv)
	ctx := context.Background()

	if err := svc.DeactivateRole(ctx, "support", false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := svc.DeactivateRole(ctx, "support", true); err != nil {
		t.Fatalf("forced DeactivateRole: %v", err)
	}
	role, _ := store.GetRole(ctx, "support")
	if role.IsActive {
		t.Fatal("role should be inactive")
	}
	if len(inv.principals) != 1 || inv.principals[0] != "alice" {
		t.Fatalf("expected alice to be invalidated, got %v", inv.principals)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "support", Name: "support", Permissions: []string{PermBookingsView, PermBookingsDelete}, IsActive: true})
	inv := &recordingInvalidator{}
	svc := newTestRBAC(t, store, inv)
	ctx := context.Background()

	_, err := svc.CreateAssignment(ctx, AssignmentInput{PrincipalID: "alice", RoleID: "support", CustomPermissions: []string{PermUsersView, PermUsersImpersonate}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected conflicting custom grant to be rejected, got %v", err)
	}

	a, err := svc.CreateAssignment(ctx, AssignmentInput{
		PrincipalID:       "alice",
		RoleID:            "support",
		CustomPermissions: []string{PermUsersView, PermUsersImpersonate},
		Restrictions:      []string{PermBookingsDelete},
	})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a.AccessLevel != AccessFull || !a.IsActive {
		t.Fatalf("unexpected defaults: %+v", a)
	}

	level := AccessReadOnly
	if _, err := svc.UpdateAssignment(ctx, a.ID, AssignmentUpdate{AccessLevel: &level}); err != nil {
		t.Fatalf("UpdateAssignment: %v", err)
	}
	if _, err := svc.DeactivateAssignment(ctx, a.ID); err != nil {
		t.Fatalf("DeactivateAssignment: %v", err)
	}
	stored, _ := store.GetAssignment(ctx, a.ID)
	if stored.IsActive || stored.AccessLevel != AccessReadOnly {
		t.Fatalf("unexpected stored assignment: %+v", stored)
	}
	if len(inv.principals) != 3 {
		t.Fatalf("expected one invalidation per write, got %v", inv.principals)
	}
}

func TestTemporaryAssignmentsOnlyCarryTemporaryGrants(t *testing.T) {
	store := newFakeStore()
	store.putRole(Role{ID: "support", Name: "support", Permissions: []string{PermBookingsView}, IsActive: true})
	svc := newTestRBAC(t, store, nil)
	ctx := context.Background()
	tomorrow := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)

	_, err := svc.CreateAssignment(ctx, AssignmentInput{PrincipalID: "temp", RoleID: "support", CustomPermissions: []string{PermPaymentsView}, ExpiresAt: &tomorrow})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-temporary grant, got %v", err)
	}
	if _, err := svc.CreateAssignment(ctx, AssignmentInput{PrincipalID: "temp", RoleID: "support", CustomPermissions: []string{PermChatView}, ExpiresAt: &tomorrow}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	past := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if _, err := svc.CreateAssignment(ctx, AssignmentInput{PrincipalID: "late", RoleID: "support", ExpiresAt: &past}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected past expiry to be rejected, got %v", err)
	}
}

func TestPasswordAuthentication(t *testing.T) {
	store := newFakeStore()
	svc := newTestRBAC(t, store, nil)
	ctx := context.Background()

	if err := svc.SetPassword(ctx, "alice", "Alice@Example.com", "correct horse"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	cred, err := svc.Authenticate(ctx, "alice@example.com", "correct horse")
	if err != nil || cred.PrincipalID != "alice" {
		t.Fatalf("Authenticate: %+v %v", cred, err)
	}
	if _, err := svc.Authenticate(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown login, got %v", err)
	}
	if err := svc.SetPassword(ctx, "alice", "alice@example.com", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected short password to be rejected, got %v", err)
	}
}
