// Package rpc serves the authorization engine over gRPC. Messages are
// google.protobuf.Struct values so no generated stubs are needed.
package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/session"
)

const (
	ServiceName = "gatekeep.authz.v1.Authorizer"

	MethodAuthorize          = "/" + ServiceName + "/Authorize"
	MethodResolvePermissions = "/" + ServiceName + "/ResolvePermissions"
)

// Engine is what the service needs from the authorization engine.
type Engine interface {
	Authenticate(ctx context.Context, token string) (session.Session, error)
	Authorize(ctx context.Context, req guard.Request) (guard.Decision, error)
	SessionPermissions(ctx context.Context, sessionID string) (session.Session, auth.PermissionSet, error)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server implements gatekeep.authz.v1.Authorizer.
type Server struct {
	engine    Engine
	readiness readinessChecker
	health    *health.Server
}

// NewServer creates the service. readiness may be nil.
func NewServer(engine Engine, readiness readinessChecker) *Server {
	return &Server{engine: engine, readiness: readiness, health: health.NewServer()}
}

// Register adds the Authorizer and the standard health service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// RefreshHealth updates the health status from the readiness probe.
func (s *Server) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.Logger().Warn("grpc health not serving", "error", err.Error())
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service as not serving.
func (s *Server) Shutdown() { s.health.Shutdown() }

type authorizerServer interface {
	Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ResolvePermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*authorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: unaryHandler(MethodAuthorize, authorizerServer.Authorize)},
		{MethodName: "ResolvePermissions", Handler: unaryHandler(MethodResolvePermissions, authorizerServer.ResolvePermissions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatekeep/authz/v1/authorizer.proto",
}

func unaryHandler(fullMethod string, call func(authorizerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(authorizerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(authorizerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Authorize runs the guard for the session named by the bearer token.
//
// Request fields: permissions (list), require_all, allow_super_admin_bypass,
// mfa {require_totp, require_sms, max_session_age_seconds}, max_risk_score,
// resource, resource_id, ip_address, user_agent, details (object).
func (s *Server) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	req := requestFromStruct(in)
	req.PrincipalID = sess.PrincipalID
	req.SessionID = sess.ID

	d, err := s.engine.Authorize(ctx, req)
	if err != nil && d.Reason == "" {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"allowed":               d.Allowed,
		"reason":                string(d.Reason),
		"effective_permissions": stringList(d.EffectivePermissions),
		"missing":               stringList(d.Missing),
		"risk_score":            d.RiskScore,
		"audit_id":              d.AuditID,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ResolvePermissions returns the effective permissions of the token's session.
func (s *Server) ResolvePermissions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	_, set, err := s.engine.SessionPermissions(ctx, sess.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	entries := make([]any, 0, set.Len())
	for _, e := range set.Entries() {
		entries = append(entries, map[string]any{
			"key":    e.Key,
			"source": string(e.Source),
			"scope":  stringList(e.Scope),
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"principal_id":  sess.PrincipalID,
		"session_id":    sess.ID,
		"permissions":   stringList(set.Keys()),
		"entries":       entries,
		"graph_invalid": set.GraphInvalid(),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) session(ctx context.Context) (session.Session, error) {
	token := bearerFromMetadata(ctx)
	if token == "" {
		return session.Session{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	sess, err := s.engine.Authenticate(ctx, token)
	if err != nil {
		return session.Session{}, toStatus(err)
	}
	return sess, nil
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

func requestFromStruct(in *structpb.Struct) guard.Request {
	f := in.GetFields()
	req := guard.Request{
		Required:  listField(f["permissions"]),
		IPAddress: f["ip_address"].GetStringValue(),
		UserAgent: f["user_agent"].GetStringValue(),
		Options: guard.Options{
			RequireAll:            f["require_all"].GetBoolValue(),
			AllowSuperAdminBypass: f["allow_super_admin_bypass"].GetBoolValue(),
			MaxRiskScore:          int(f["max_risk_score"].GetNumberValue()),
			Resource:              f["resource"].GetStringValue(),
			ResourceID:            f["resource_id"].GetStringValue(),
		},
	}
	if details := f["details"].GetStructValue(); details != nil {
		req.Options.Details = details.AsMap()
	}
	if mfa := f["mfa"].GetStructValue(); mfa != nil {
		mf := mfa.GetFields()
		req.Options.MFA = &guard.MFAOptions{
			RequireTOTP:   mf["require_totp"].GetBoolValue(),
			RequireSMS:    mf["require_sms"].GetBoolValue(),
			MaxSessionAge: time.Duration(mf["max_session_age_seconds"].GetNumberValue()) * time.Second,
		}
	}
	return req
}

func listField(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stringList converts to the []any form structpb accepts.
func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrSessionRevoked):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, audit.ErrAuditWriteFailed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// UnaryInterceptor logs and counts every call.
func UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	obs.ObserveRPC(info.FullMethod, code.String())
	obs.Logger().Info("rpc_complete",
		"method", info.FullMethod,
		"code", code.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, err
}
