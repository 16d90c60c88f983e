package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/session"
)

// ActionAuthorize is the audit action of every guard decision.
const ActionAuthorize = "authorize"

var errNothingRequested = errors.New("no permissions requested")

type Permissions interface {
	GetOrResolve(ctx context.Context, principalID string) (*auth.Grant, error)
}

type Sessions interface {
	Validate(ctx context.Context, sessionID string) (session.Session, error)
	Touch(ctx context.Context, sessionID string) (session.Session, error)
	Risk() session.RiskPolicy
}

type Auditor interface {
	Record(ctx context.Context, rec audit.Record, required bool) (audit.Record, error)
}

type SuperAdmins interface {
	IsSuperAdmin(principalID string) bool
}

type AssignmentToucher interface {
	TouchAssignment(ctx context.Context, assignmentID string, at time.Time) error
}

// MFAOptions asks for step-up verification. Without RequireTOTP or RequireSMS any
// second factor satisfies it.
type MFAOptions struct {
	RequireTOTP   bool
	RequireSMS    bool
	MaxSessionAge time.Duration
}

type Options struct {
	RequireAll            bool
	AllowSuperAdminBypass bool
	MFA                   *MFAOptions

	// MaxRiskScore, when set, denies critical permissions to requests scoring at or above it.
	MaxRiskScore int
	Resource     string
	ResourceID   string
	Details      map[string]any
}

// Request asks whether a session may act. Required must name at least one permission;
// a request naming none is denied with permission_denied.
type Request struct {
	PrincipalID string
	SessionID   string
	Required    []string
	Options     Options
	IPAddress   string
	UserAgent   string
}

type Option func(*Guard)

func WithSuperAdmins(s SuperAdmins) Option {
	return func(g *Guard) { g.superAdmins = s }
}

func WithAssignmentToucher(t AssignmentToucher) Option {
	return func(g *Guard) { g.assignments = t }
}

func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

type Guard struct {
	catalog     *auth.Catalog
	perms       Permissions
	sessions    Sessions
	auditor     Auditor
	superAdmins SuperAdmins
	assignments AssignmentToucher
	now         func() time.Time
}

func New(catalog *auth.Catalog, perms Permissions, sessions Sessions, auditor Auditor, opts ...Option) (*Guard, error) {
	if catalog == nil || perms == nil || sessions == nil || auditor == nil {
		return nil, errors.New("guard dependencies are required")
	}
	g := &Guard{
		catalog:  catalog,
		perms:    perms,
		sessions: sessions,
		auditor:  auditor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// evaluation carries what is known about a request as Authorize progresses.
type evaluation struct {
	req      Request
	required []string
	sess     session.Session
	ip       string
	ua       string
	mustLog  bool
	decision Decision
}

// Authorize decides whether the principal may act now. Every call writes exactly one
// audit record. The error is non-nil only when permissions could not be resolved.
func (g *Guard) Authorize(ctx context.Context, req Request) (Decision, error) {
	ev := &evaluation{req: req, required: normalize(req.Required), ip: req.IPAddress, ua: req.UserAgent}
	now := g.now().UTC()

	sess, err := g.sessions.Validate(ctx, req.SessionID)
	if err != nil {
		if isSessionEnded(err) {
			return g.finish(ctx, ev, ReasonAuthenticationRequired, err), nil
		}
		return g.finish(ctx, ev, ReasonResolutionFailed, err), fmt.Errorf("%w: load session: %v", auth.ErrResolutionFailed, err)
	}
	principal := strings.TrimSpace(req.PrincipalID)
	if principal == "" {
		principal = sess.PrincipalID
	}
	ev.req.PrincipalID = principal
	if sess.PrincipalID != principal {
		return g.finish(ctx, ev, ReasonAuthenticationRequired, errors.New("session belongs to another principal")), nil
	}
	ev.sess = sess
	if ev.ip == "" {
		ev.ip = sess.IPAddress
	}
	if ev.ua == "" {
		ev.ua = sess.Device.UserAgent
	}

	risk := g.sessions.Risk()
	score := risk.Score(session.RiskInput{UserAgent: ev.ua, IPAddress: ev.ip, Anonymizer: sess.Location.Anonymizer, At: now})
	if sess.RiskScore > score {
		score = sess.RiskScore
	}
	ev.decision.RiskScore = score

	if len(ev.required) == 0 {
		return g.finish(ctx, ev, ReasonPermissionDenied, errNothingRequested), nil
	}

	if req.Options.AllowSuperAdminBypass && g.superAdmins != nil && g.superAdmins.IsSuperAdmin(principal) {
		ev.decision.EffectivePermissions = g.catalog.Keys()
		ev.mustLog = true
		return g.allow(ctx, ev, ReasonSuperAdmin, ""), nil
	}

	grant, err := g.perms.GetOrResolve(ctx, principal)
	if err != nil {
		return g.finish(ctx, ev, ReasonResolutionFailed, err), err
	}
	set := grant.Evaluate(auth.ConditionContext{
		BusinessHours:  risk.InBusinessHours(now),
		TrustedNetwork: risk.Trusted(ev.ip),
		MFAVerified:    sess.MFAVerified(),
		LowRisk:        session.LowRisk(score),
	})
	ev.decision.EffectivePermissions = set.Keys()
	ev.mustLog = g.catalog.AuditRequired(ev.required) || grant.Policy.Compliance.AuditLevel == auth.AuditLevelFull

	if set.GraphInvalid() {
		return g.finish(ctx, ev, ReasonRoleGraphInvalid, set.Err()), nil
	}
	err = grant.Policy.Restrictions.Check(auth.RestrictionInput{
		At:         now,
		IPAddress:  ev.ip,
		Country:    sess.Location.Country,
		DeviceType: sess.Device.Type,
	})
	if err != nil {
		return g.finish(ctx, ev, ReasonRestrictionViolated, err), nil
	}

	if req.Options.RequireAll {
		ev.decision.Missing = set.Missing(ev.required)
	} else if !set.HasAny(ev.required) {
		ev.decision.Missing = ev.required
	}
	if len(ev.decision.Missing) > 0 {
		return g.finish(ctx, ev, ReasonPermissionDenied, nil), nil
	}

	if reason := mfaReason(sess, grant.Policy.Compliance, req.Options.MFA, now); reason != "" {
		return g.finish(ctx, ev, reason, nil), nil
	}
	if req.Options.MaxRiskScore > 0 && score >= req.Options.MaxRiskScore && g.catalog.AnyCritical(ev.required) {
		return g.finish(ctx, ev, ReasonRiskTooHigh, nil), nil
	}
	return g.allow(ctx, ev, ReasonAllowed, grant.AssignmentID), nil
}

// mfaReason returns the step-up reason blocking the session, or "" when none does.
// Missing verification is reported before staleness.
func mfaReason(s session.Session, c auth.Compliance, opts *MFAOptions, now time.Time) Reason {
	if s.State() == session.StateMFAPending || (c.RequiresMFA && !s.MFAVerified()) {
		return ReasonVerificationRequired
	}
	if opts == nil {
		return ""
	}
	switch {
	case opts.RequireTOTP && s.TOTPVerifiedAt == nil:
		return ReasonVerificationRequired
	case opts.RequireSMS && s.SMSVerifiedAt == nil:
		return ReasonVerificationRequired
	case !opts.RequireTOTP && !opts.RequireSMS && !s.MFAVerified():
		return ReasonVerificationRequired
	}
	if opts.MaxSessionAge > 0 && s.Age(now) > opts.MaxSessionAge {
		return ReasonReauthRequired
	}
	return ""
}

func (g *Guard) allow(ctx context.Context, ev *evaluation, reason Reason, assignmentID string) Decision {
	ev.decision.Allowed = true
	d := g.finish(ctx, ev, reason, nil)
	if !d.Allowed {
		return d
	}
	if _, err := g.sessions.Touch(ctx, ev.sess.ID); err != nil {
		obs.Logger().Warn("session touch failed", "session_id", ev.sess.ID, "error", err.Error())
	}
	if g.assignments != nil && assignmentID != "" {
		if err := g.assignments.TouchAssignment(ctx, assignmentID, g.now().UTC()); err != nil {
			obs.Logger().Warn("assignment touch failed", "assignment_id", assignmentID, "error", err.Error())
		}
	}
	return d
}

// finish records the decision. A required record that cannot be written turns an
// allow into an audit_unavailable denial.
func (g *Guard) finish(ctx context.Context, ev *evaluation, reason Reason, cause error) Decision {
	d := ev.decision
	d.Reason = reason
	if !d.Allowed {
		d.EffectivePermissions = nonNil(d.EffectivePermissions)
	}

	details := make(map[string]any, len(ev.req.Options.Details)+6)
	for k, v := range ev.req.Options.Details {
		details[k] = v
	}
	details["required"] = ev.required
	details["require_all"] = ev.req.Options.RequireAll
	details["reason"] = string(reason)
	details["risk_score"] = d.RiskScore
	if len(d.Missing) > 0 {
		details["missing"] = d.Missing
	}
	if reason == ReasonSuperAdmin {
		details["effective_permissions"] = d.EffectivePermissions
	}
	rec := audit.Record{
		ActorID:    ev.req.PrincipalID,
		Action:     ActionAuthorize,
		Resource:   ev.req.Options.Resource,
		ResourceID: ev.req.Options.ResourceID,
		Details:    details,
		IPAddress:  ev.ip,
		UserAgent:  ev.ua,
		SessionID:  ev.req.SessionID,
		Success:    d.Allowed,
	}
	if !d.Allowed {
		rec.ErrorMessage = string(reason)
		if cause != nil {
			rec.ErrorMessage = cause.Error()
		}
	}
	stored, err := g.auditor.Record(ctx, rec, ev.mustLog)
	d.AuditID = stored.ID
	if err != nil && ev.mustLog && d.Allowed {
		d.Allowed = false
		d.Reason = ReasonAuditUnavailable
		obs.Logger().Error("required audit write failed; denying",
			"principal_id", ev.req.PrincipalID, "audit_id", stored.ID, "error", err.Error())
	}
	obs.ObserveDecision(d.Allowed, string(d.Reason))
	return d
}

func isSessionEnded(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) ||
		errors.Is(err, session.ErrSessionExpired) ||
		errors.Is(err, session.ErrSessionRevoked)
}

func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
