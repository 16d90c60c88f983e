package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
)

// Client calls a remote Authorizer on behalf of the caller whose bearer token is in
// the context (auth.ContextWithToken).
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client. Without options the transport is insecure.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. Close closes it.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// RemotePermissions is the answer of ResolvePermissions.
type RemotePermissions struct {
	PrincipalID  string
	SessionID    string
	Permissions  []string
	GraphInvalid bool
}

// Authorize asks the server for a decision. PrincipalID and SessionID of req are
// ignored; the server takes them from the token.
func (c *Client) Authorize(ctx context.Context, req guard.Request) (guard.Decision, error) {
	fields := map[string]any{
		"permissions":              stringList(req.Required),
		"require_all":              req.Options.RequireAll,
		"allow_super_admin_bypass": req.Options.AllowSuperAdminBypass,
		"max_risk_score":           req.Options.MaxRiskScore,
		"resource":                 req.Options.Resource,
		"resource_id":              req.Options.ResourceID,
		"ip_address":               req.IPAddress,
		"user_agent":               req.UserAgent,
	}
	if mfa := req.Options.MFA; mfa != nil {
		fields["mfa"] = map[string]any{
			"require_totp":            mfa.RequireTOTP,
			"require_sms":             mfa.RequireSMS,
			"max_session_age_seconds": int(mfa.MaxSessionAge / time.Second),
		}
	}
	if len(req.Options.Details) > 0 {
		fields["details"] = req.Options.Details
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithToken(ctx), MethodAuthorize, in, out); err != nil {
		return guard.Decision{}, mapStatusError(err)
	}
	f := out.GetFields()
	return guard.Decision{
		Allowed:              f["allowed"].GetBoolValue(),
		Reason:               guard.Reason(f["reason"].GetStringValue()),
		EffectivePermissions: listField(f["effective_permissions"]),
		Missing:              listField(f["missing"]),
		RiskScore:            int(f["risk_score"].GetNumberValue()),
		AuditID:              f["audit_id"].GetStringValue(),
	}, nil
}

// ResolvePermissions returns the effective permissions of the caller's session.
func (c *Client) ResolvePermissions(ctx context.Context) (RemotePermissions, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithToken(ctx), MethodResolvePermissions, &structpb.Struct{}, out); err != nil {
		return RemotePermissions{}, mapStatusError(err)
	}
	f := out.GetFields()
	return RemotePermissions{
		PrincipalID:  f["principal_id"].GetStringValue(),
		SessionID:    f["session_id"].GetStringValue(),
		Permissions:  listField(f["permissions"]),
		GraphInvalid: f["graph_invalid"].GetBoolValue(),
	}, nil
}

func outgoingWithToken(ctx context.Context) context.Context {
	token, ok := auth.TokenFromContext(ctx)
	if !ok || token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// mapStatusError turns status codes back into the package sentinels.
func mapStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrUnauthorized, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", audit.ErrAuditWriteFailed, st.Message())
	default:
		return err
	}
}
