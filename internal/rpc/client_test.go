package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
)

func TestMapStatusError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "expired"), want: auth.ErrUnauthorized},
		{name: "not found", err: status.Error(codes.NotFound, "role"), want: auth.ErrNotFound},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad"), want: auth.ErrInvalidInput},
		{name: "unavailable", err: status.Error(codes.Unavailable, "audit"), want: audit.ErrAuditWriteFailed},
		{name: "pass through", err: status.Error(codes.Internal, "internal"), want: status.Error(codes.Internal, "internal")},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := mapStatusError(tc.err)
			if tc.name == "pass through" {
				if status.Code(got) != codes.Internal {
					t.Fatalf("mapStatusError() = %v, want Internal", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapStatusError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClientRoundTrip(t *testing.T) {
	eng := &fakeEngine{}
	client := NewClient(startBufGRPC(t, NewServer(eng, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := client.Authorize(auth.ContextWithToken(ctx, "good"), guard.Request{
		PrincipalID: "spoofed",
		Required:    []string{"bookings:view"},
		Options: guard.Options{
			RequireAll: true,
			MFA:        &guard.MFAOptions{RequireTOTP: true, MaxSessionAge: 10 * time.Minute},
			Resource:   "bookings",
			Details:    map[string]any{"booking": "b-1"},
		},
		IPAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || d.Reason != guard.ReasonAllowed || d.AuditID != "a1" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	got := eng.lastReq
	if got.PrincipalID != "alice" || got.SessionID != "s1" || got.IPAddress != "203.0.113.9" {
		t.Fatalf("identity not taken from token: %+v", got)
	}
	if got.Options.MFA == nil || !got.Options.MFA.RequireTOTP || got.Options.MFA.MaxSessionAge != 10*time.Minute {
		t.Fatalf("mfa options lost: %+v", got.Options.MFA)
	}
	if got.Options.Details["booking"] != "b-1" {
		t.Fatalf("details lost: %+v", got.Options.Details)
	}

	d, err = client.Authorize(auth.ContextWithToken(ctx, "good"), guard.Request{Required: []string{"payments:refund"}})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || d.Reason != guard.ReasonVerificationRequired || d.RiskScore != 20 {
		t.Fatalf("unexpected denial: %+v", d)
	}

	if _, err := client.Authorize(ctx, guard.Request{Required: []string{"bookings:view"}}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without token, got %v", err)
	}

	eng.resolve = auth.ErrNotFound
	if _, err := client.ResolvePermissions(auth.ContextWithToken(ctx, "good")); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
