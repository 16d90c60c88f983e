package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/session"
)

const (
	ActionLogin        = "auth.login"
	ActionLogout       = "auth.logout"
	ActionTOTPEnroll   = "mfa.totp.enroll"
	ActionTOTPConfirm  = "mfa.totp.confirm"
	ActionTOTPVerify   = "mfa.totp.verify"
	ActionSMSChallenge = "mfa.sms.challenge"
	ActionSMSVerify    = "mfa.sms.verify"
	resourceSession    = "session"
	resourceEnrollment = "mfa_enrollment"
)

// Client describes where a request comes from.
type Client struct {
	IPAddress string
	Device    session.Device
	Location  session.Location
}

type LoginRequest struct {
	Login    string
	Password string
	Client   Client
}

type LoginResult struct {
	Session        session.Session `json:"session"`
	Token          string          `json:"token,omitempty"`
	TokenExpiresAt time.Time       `json:"token_expires_at,omitempty"`
	MFARequired    bool            `json:"mfa_required"`
}

// Login checks the password, opens a session under the role's policy and issues a
// bearer token. Principals without an effective assignment cannot log in.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	rec := audit.Record{
		Action:    ActionLogin,
		Resource:  resourceSession,
		IPAddress: req.Client.IPAddress,
		UserAgent: req.Client.Device.UserAgent,
		Details:   map[string]any{"login": req.Login},
	}
	cred, err := e.rbac.Authenticate(ctx, req.Login, req.Password)
	if err != nil {
		e.auditFailure(ctx, rec, err)
		return LoginResult{}, err
	}
	rec.ActorID = cred.PrincipalID
	return e.open(ctx, cred.PrincipalID, req.Client, rec)
}

// LoginPrincipal opens a session for a principal authenticated by another system.
func (e *Engine) LoginPrincipal(ctx context.Context, principalID string, client Client) (LoginResult, error) {
	rec := audit.Record{
		ActorID:   principalID,
		Action:    ActionLogin,
		Resource:  resourceSession,
		IPAddress: client.IPAddress,
		UserAgent: client.Device.UserAgent,
		Details:   map[string]any{"external": true},
	}
	return e.open(ctx, principalID, client, rec)
}

func (e *Engine) open(ctx context.Context, principalID string, client Client, rec audit.Record) (LoginResult, error) {
	grant, err := e.cache.GetOrResolve(ctx, principalID)
	if err != nil {
		e.auditFailure(ctx, rec, err)
		return LoginResult{}, err
	}
	if !grant.SuperAdmin && grant.AssignmentID == "" {
		e.auditFailure(ctx, rec, errors.New("no active team membership"))
		return LoginResult{}, fmt.Errorf("%w: no active team membership", auth.ErrUnauthorized)
	}

	policy := session.Policy{
		RequiresMFA:   grant.Policy.Compliance.RequiresMFA,
		Timeout:       grant.Policy.Compliance.SessionTimeout(),
		MaxConcurrent: grant.Policy.Restrictions.MaxConcurrentSessions,
	}
	s, err := e.sessions.Login(ctx, session.LoginInput{
		PrincipalID: principalID,
		Device:      client.Device,
		IPAddress:   client.IPAddress,
		Location:    client.Location,
	}, policy)
	if err != nil {
		e.auditFailure(ctx, rec, err)
		return LoginResult{}, err
	}

	out := LoginResult{Session: s, MFARequired: s.State() == session.StateMFAPending}
	if e.tokens != nil {
		token, exp, err := e.tokens.Issue(principalID, s.ID, s.ExpiresAt)
		if err != nil {
			if _, rerr := e.sessions.Revoke(ctx, s.ID); rerr != nil {
				obs.Logger().Warn("revoke after token failure", "session_id", s.ID, "error", rerr.Error())
			}
			e.auditFailure(ctx, rec, err)
			return LoginResult{}, err
		}
		out.Token = token
		out.TokenExpiresAt = exp
	}

	rec.SessionID = s.ID
	rec.ResourceID = s.ID
	rec.Success = true
	rec.Details["risk_score"] = s.RiskScore
	rec.Details["state"] = string(s.State())
	e.record(ctx, rec)
	return out, nil
}

// Logout revokes the session. Logging out twice is not an error.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	s, err := e.sessions.Revoke(ctx, sessionID)
	rec := audit.Record{
		ActorID:    s.PrincipalID,
		Action:     ActionLogout,
		Resource:   resourceSession,
		ResourceID: sessionID,
		SessionID:  sessionID,
	}
	if err != nil {
		e.auditFailure(ctx, rec, err)
		return err
	}
	rec.Success = true
	e.record(ctx, rec)
	return nil
}

// Authenticate maps a bearer token to its live session.
func (e *Engine) Authenticate(ctx context.Context, token string) (session.Session, error) {
	if e.tokens == nil {
		return session.Session{}, errors.New("token issuer is not configured")
	}
	claims, err := e.tokens.Parse(token)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	s, err := e.sessions.Validate(ctx, claims.SessionID())
	if err != nil {
		return session.Session{}, err
	}
	if s.PrincipalID != claims.PrincipalID() {
		return session.Session{}, fmt.Errorf("%w: token subject does not own the session", auth.ErrUnauthorized)
	}
	return s, nil
}

func (e *Engine) EnrollTOTP(ctx context.Context, sessionID, accountName string) (session.TOTPSetup, error) {
	setup, err := e.sessions.EnrollTOTP(ctx, sessionID, accountName)
	e.auditSessionStep(ctx, ActionTOTPEnroll, resourceEnrollment, sessionID, err)
	return setup, err
}

func (e *Engine) ConfirmTOTP(ctx context.Context, sessionID, code string) (session.Session, error) {
	s, err := e.sessions.ConfirmTOTP(ctx, sessionID, code)
	e.auditSessionStep(ctx, ActionTOTPConfirm, resourceEnrollment, sessionID, err)
	return s, err
}

func (e *Engine) VerifyTOTP(ctx context.Context, sessionID, code string) (session.Session, error) {
	s, err := e.sessions.VerifyTOTP(ctx, sessionID, code)
	e.auditSessionStep(ctx, ActionTOTPVerify, resourceSession, sessionID, err)
	return s, err
}

func (e *Engine) StartSMS(ctx context.Context, sessionID string) error {
	err := e.sessions.StartSMS(ctx, sessionID)
	e.auditSessionStep(ctx, ActionSMSChallenge, resourceSession, sessionID, err)
	return err
}

func (e *Engine) VerifySMS(ctx context.Context, sessionID, code string) (session.Session, error) {
	s, err := e.sessions.VerifySMS(ctx, sessionID, code)
	e.auditSessionStep(ctx, ActionSMSVerify, resourceSession, sessionID, err)
	return s, err
}

// auditSessionStep records an MFA step against the session owner. Codes never reach
// the record.
func (e *Engine) auditSessionStep(ctx context.Context, action, resource, sessionID string, err error) {
	rec := audit.Record{Action: action, Resource: resource, ResourceID: sessionID, SessionID: sessionID}
	if s, verr := e.sessions.Peek(ctx, sessionID); verr == nil {
		rec.ActorID = s.PrincipalID
		rec.IPAddress = s.IPAddress
		rec.UserAgent = s.Device.UserAgent
	}
	if err != nil {
		e.auditFailure(ctx, rec, err)
		return
	}
	rec.Success = true
	e.record(ctx, rec)
}

func (e *Engine) auditFailure(ctx context.Context, rec audit.Record, err error) {
	rec.Success = false
	rec.ErrorMessage = err.Error()
	e.record(ctx, rec)
}

// record queues a privileged-action record. Failures already went to the fallback log.
func (e *Engine) record(ctx context.Context, rec audit.Record) {
	_, _ = e.audit.Record(ctx, rec, false)
}
