// Package engine wires the permission resolver, cache, session manager, audit log and
// guard into the calls the rest of the booking application makes.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/session"
)

// Stores groups the persistence the engine needs. Credentials may be nil when
// password login is handled elsewhere.
type Stores struct {
	Roles       auth.RoleStore
	Assignments auth.AssignmentStore
	Credentials auth.CredentialStore
	Sessions    session.Store
	Enrollments session.EnrollmentStore
	Audit       audit.Store
}

// InvalidatorFunc wraps the local cache, usually to fan invalidations out to other
// instances.
type InvalidatorFunc func(local auth.Invalidator) (auth.Invalidator, error)

type settings struct {
	superAdmins  []string
	maxRoleDepth int
	cacheTTL     time.Duration
	sessionOpts  []session.Option
	auditOpts    []audit.Option
	wrap         InvalidatorFunc
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*settings) error

// WithSuperAdmins names the principals that resolve to the full catalog.
func WithSuperAdmins(principalIDs ...string) Option {
	return func(s *settings) error {
		for _, id := range principalIDs {
			if id = strings.TrimSpace(id); id != "" {
				s.superAdmins = append(s.superAdmins, id)
			}
		}
		return nil
	}
}

func WithMaxRoleDepth(n int) Option {
	return func(s *settings) error {
		if n < 0 {
			return errors.New("max role depth must not be negative")
		}
		s.maxRoleDepth = n
		return nil
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) error {
		s.cacheTTL = ttl
		return nil
	}
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(s *settings) error {
		s.sessionOpts = append(s.sessionOpts, opts...)
		return nil
	}
}

func WithAuditOptions(opts ...audit.Option) Option {
	return func(s *settings) error {
		s.auditOpts = append(s.auditOpts, opts...)
		return nil
	}
}

// WithInvalidator routes RBAC invalidations through fn(cache).
func WithInvalidator(fn InvalidatorFunc) Option {
	return func(s *settings) error {
		s.wrap = fn
		return nil
	}
}

// WithClock overrides the clock of every component.
func WithClock(fn func() time.Time) Option {
	return func(s *settings) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// Engine is the authorization engine.
type Engine struct {
	catalog     *auth.Catalog
	resolver    *auth.Resolver
	cache       *auth.Cache
	rbac        *auth.RBACService
	sessions    *session.Manager
	audit       *audit.Logger
	guard       *guard.Guard
	tokens      *auth.TokenIssuer
	invalidator auth.Invalidator
	now         func() time.Time
}

// New builds an engine over stores. tokens may be nil when bearer tokens are not used.
func New(catalog *auth.Catalog, stores Stores, tokens *auth.TokenIssuer, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("engine catalog is required")
	}
	if stores.Roles == nil || stores.Assignments == nil || stores.Sessions == nil ||
		stores.Enrollments == nil || stores.Audit == nil {
		return nil, errors.New("engine stores are required")
	}
	cfg := settings{now: time.Now}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	resolverOpts := []auth.ResolverOption{
		auth.WithSuperAdmins(cfg.superAdmins...),
		auth.WithResolverClock(cfg.now),
	}
	if cfg.maxRoleDepth > 0 {
		resolverOpts = append(resolverOpts, auth.WithMaxDepth(cfg.maxRoleDepth))
	}
	resolver, err := auth.NewResolver(catalog, stores.Roles, stores.Assignments, resolverOpts...)
	if err != nil {
		return nil, err
	}
	cacheOpts := []auth.CacheOption{auth.WithCacheClock(cfg.now)}
	if cfg.cacheTTL > 0 {
		cacheOpts = append(cacheOpts, auth.WithTTL(cfg.cacheTTL))
	}
	cache := auth.NewCache(resolver, cacheOpts...)

	var inv auth.Invalidator = cache
	if cfg.wrap != nil {
		if inv, err = cfg.wrap(cache); err != nil {
			return nil, err
		}
	}

	rbacOpts := []auth.RBACOption{auth.WithInvalidator(inv), auth.WithRBACClock(cfg.now)}
	if stores.Credentials != nil {
		rbacOpts = append(rbacOpts, auth.WithCredentialStore(stores.Credentials))
	}
	if cfg.maxRoleDepth > 0 {
		rbacOpts = append(rbacOpts, auth.WithRoleDepth(cfg.maxRoleDepth))
	}
	rbac, err := auth.NewRBACService(catalog, stores.Roles, stores.Assignments, rbacOpts...)
	if err != nil {
		return nil, err
	}

	sessionOpts := append([]session.Option{session.WithClock(cfg.now)}, cfg.sessionOpts...)
	sessions, err := session.NewManager(stores.Sessions, stores.Enrollments, sessionOpts...)
	if err != nil {
		return nil, err
	}
	auditOpts := append([]audit.Option{audit.WithClock(cfg.now)}, cfg.auditOpts...)
	logger, err := audit.NewLogger(stores.Audit, auditOpts...)
	if err != nil {
		return nil, err
	}
	g, err := guard.New(catalog, cache, sessions, logger,
		guard.WithSuperAdmins(resolver),
		guard.WithAssignmentToucher(stores.Assignments),
		guard.WithClock(cfg.now),
	)
	if err != nil {
		_ = logger.Close(context.Background())
		return nil, err
	}

	return &Engine{
		catalog:     catalog,
		resolver:    resolver,
		cache:       cache,
		rbac:        rbac,
		sessions:    sessions,
		audit:       logger,
		guard:       g,
		tokens:      tokens,
		invalidator: inv,
		now:         cfg.now,
	}, nil
}

func (e *Engine) Catalog() *auth.Catalog        { return e.catalog }
func (e *Engine) RBAC() *auth.RBACService       { return e.rbac }
func (e *Engine) Sessions() *session.Manager    { return e.sessions }
func (e *Engine) Audit() *audit.Logger          { return e.audit }
func (e *Engine) Invalidator() auth.Invalidator { return e.invalidator }

// ResolvePermissions returns the principal's effective permissions outside any session.
// Only the business_hours condition can hold.
func (e *Engine) ResolvePermissions(ctx context.Context, principalID string) (auth.PermissionSet, error) {
	now := e.now().UTC()
	return e.cache.Resolve(ctx, principalID, auth.ConditionContext{
		BusinessHours: e.sessions.Risk().InBusinessHours(now),
	})
}

// SessionPermissions resolves the permissions of a live session's principal with every
// condition evaluated against the session.
func (e *Engine) SessionPermissions(ctx context.Context, sessionID string) (session.Session, auth.PermissionSet, error) {
	s, err := e.sessions.Validate(ctx, sessionID)
	if err != nil {
		return session.Session{}, auth.PermissionSet{}, err
	}
	now := e.now().UTC()
	risk := e.sessions.Risk()
	set, err := e.cache.Resolve(ctx, s.PrincipalID, auth.ConditionContext{
		BusinessHours:  risk.InBusinessHours(now),
		TrustedNetwork: risk.Trusted(s.IPAddress),
		MFAVerified:    s.MFAVerified(),
		LowRisk:        session.LowRisk(s.RiskScore),
	})
	return s, set, err
}

// Authorize runs the guard. See guard.Guard.Authorize.
func (e *Engine) Authorize(ctx context.Context, req guard.Request) (guard.Decision, error) {
	return e.guard.Authorize(ctx, req)
}

// RecordAudit appends a caller-supplied event. Required events are written before
// returning; others are queued.
func (e *Engine) RecordAudit(ctx context.Context, rec audit.Record, required bool) (audit.Record, error) {
	return e.audit.Record(ctx, rec, required)
}

// FlushCache drops every cached grant, on this instance and, with a bus, everywhere.
func (e *Engine) FlushCache() {
	e.invalidator.InvalidateAll()
}

// Close drains the audit queue.
func (e *Engine) Close(ctx context.Context) error {
	return e.audit.Close(ctx)
}
