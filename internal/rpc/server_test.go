package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/session"
)

const bufSize = 1024 * 1024

type fakeEngine struct {
	lastReq guard.Request
	resolve error
}

func (f *fakeEngine) Authenticate(_ context.Context, token string) (session.Session, error) {
	if token != "good" {
		return session.Session{}, auth.ErrUnauthorized
	}
	return session.Session{ID: "s1", PrincipalID: "alice"}, nil
}

func (f *fakeEngine) Authorize(_ context.Context, req guard.Request) (guard.Decision, error) {
	f.lastReq = req
	if len(req.Required) > 0 && req.Required[0] == "payments:refund" {
		return guard.Decision{Reason: guard.ReasonVerificationRequired, EffectivePermissions: []string{}, RiskScore: 20, AuditID: "a2"}, nil
	}
	return guard.Decision{Allowed: true, Reason: guard.ReasonAllowed, EffectivePermissions: []string{"bookings:view"}, AuditID: "a1"}, nil
}

func (f *fakeEngine) SessionPermissions(_ context.Context, _ string) (session.Session, auth.PermissionSet, error) {
	return session.Session{}, auth.PermissionSet{}, f.resolve
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("db down") }

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor))
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestAuthorizeOverGRPC(t *testing.T) {
	eng := &fakeEngine{}
	conn := startBufGRPC(t, NewServer(eng, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{
		"permissions": []any{"bookings:view"},
		"require_all": true,
		"mfa":         map[string]any{"require_totp": true, "max_session_age_seconds": 600},
		"resource":    "bookings",
		"resource_id": "b-42",
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(withToken(ctx, "good"), MethodAuthorize, in, out); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	got := out.AsMap()
	if got["allowed"] != true || got["reason"] != "allowed" || got["audit_id"] != "a1" {
		t.Fatalf("unexpected response: %v", got)
	}

	req := eng.lastReq
	if req.PrincipalID != "alice" || req.SessionID != "s1" || !req.Options.RequireAll {
		t.Fatalf("request not mapped: %+v", req)
	}
	if req.Options.MFA == nil || !req.Options.MFA.RequireTOTP || req.Options.MFA.MaxSessionAge != 10*time.Minute {
		t.Fatalf("mfa options not mapped: %+v", req.Options.MFA)
	}
	if req.Options.ResourceID != "b-42" {
		t.Fatalf("resource id not mapped: %+v", req.Options)
	}
}

func TestAuthorizeDenialIsAResponse(t *testing.T) {
	conn := startBufGRPC(t, NewServer(&fakeEngine{}, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in, _ := structpb.NewStruct(map[string]any{"permissions": []any{"payments:refund"}})
	out := new(structpb.Struct)
	if err := conn.Invoke(withToken(ctx, "good"), MethodAuthorize, in, out); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	got := out.AsMap()
	if got["allowed"] != false || got["reason"] != "verification_required" || got["risk_score"] != float64(20) {
		t.Fatalf("unexpected response: %v", got)
	}
}

func TestMissingOrBadTokenIsUnauthenticated(t *testing.T) {
	conn := startBufGRPC(t, NewServer(&fakeEngine{}, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for name, callCtx := range map[string]context.Context{
		"missing": ctx,
		"bad":     withToken(ctx, "forged"),
	} {
		err := conn.Invoke(callCtx, MethodResolvePermissions, &structpb.Struct{}, new(structpb.Struct))
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("%s: expected Unauthenticated, got %v", name, err)
		}
	}
}

func TestResolvePermissionsMapsSessionErrors(t *testing.T) {
	conn := startBufGRPC(t, NewServer(&fakeEngine{resolve: session.ErrSessionExpired}, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Invoke(withToken(ctx, "good"), MethodResolvePermissions, &structpb.Struct{}, new(structpb.Struct))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestHealthFollowsReadiness(t *testing.T) {
	srv := NewServer(&fakeEngine{}, failingReadiness{})
	conn := startBufGRPC(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING before refresh, got %v", resp.GetStatus())
	}

	srv.RefreshHealth(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}
