package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatekeep.dev/internal/ids"
	"gatekeep.dev/internal/obs"
)

const (
	lockStripes              = 64
	defaultAttemptsPerMinute = 5
	limiterIdle              = 10 * time.Minute
)

// Policy is the role-derived session policy applied at login.
type Policy struct {
	RequiresMFA   bool
	Timeout       time.Duration
	MaxConcurrent int
}

type LoginInput struct {
	PrincipalID string
	Device      Device
	IPAddress   string
	Location    Location
}

// Option configures a Manager.
type Option func(*Manager)

func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithMaxConcurrent caps live sessions per principal when the role sets no limit.
// Zero means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxConcurrent = n
		}
	}
}

func WithRiskPolicy(p RiskPolicy) Option {
	return func(m *Manager) { m.risk = p }
}

// WithSecretKey sets the 32-byte key sealing TOTP secrets at rest.
func WithSecretKey(key []byte) Option {
	return func(m *Manager) {
		if len(key) == len(m.key) {
			copy(m.key[:], key)
			m.keySet = true
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithAttemptLimit bounds MFA verification attempts per session per minute.
func WithAttemptLimit(perMinute int) Option {
	return func(m *Manager) {
		if perMinute > 0 {
			m.attemptsPerMinute = perMinute
		}
	}
}

func WithSMSSender(s SMSSender) Option {
	return func(m *Manager) { m.sms = s }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

type attemptLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Manager owns the session state machine. Transitions on one session are serialized
// through a striped lock keyed by session id.
type Manager struct {
	store       Store
	enrollments EnrollmentStore
	sms         SMSSender
	risk        RiskPolicy
	now         func() time.Time

	defaultTimeout    time.Duration
	maxConcurrent     int
	issuer            string
	attemptsPerMinute int
	key               [32]byte
	keySet            bool

	sessionLocks   [lockStripes]sync.Mutex
	principalLocks [lockStripes]sync.Mutex

	attemptsMu sync.Mutex
	attempts   map[string]*attemptLimiter
}

func NewManager(store Store, enrollments EnrollmentStore, opts ...Option) (*Manager, error) {
	if store == nil || enrollments == nil {
		return nil, errors.New("session stores are required")
	}
	m := &Manager{
		store:             store,
		enrollments:       enrollments,
		risk:              DefaultRiskPolicy(),
		now:               time.Now,
		defaultTimeout:    DefaultTimeout,
		issuer:            "gatekeep",
		attemptsPerMinute: defaultAttemptsPerMinute,
		attempts:          make(map[string]*attemptLimiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.keySet {
		if _, err := rand.Read(m.key[:]); err != nil {
			return nil, fmt.Errorf("generate mfa key: %w", err)
		}
		obs.Logger().Warn("mfa encryption key not configured, enrollments will not survive a restart")
	}
	return m, nil
}

// Risk returns the policy used to score sessions.
func (m *Manager) Risk() RiskPolicy { return m.risk }

func stripe(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	return &m.sessionLocks[stripe(id)]
}

// Login opens a session. Sessions of roles requiring MFA start in mfa_pending.
func (m *Manager) Login(ctx context.Context, in LoginInput, p Policy) (Session, error) {
	principal := strings.TrimSpace(in.PrincipalID)
	if principal == "" {
		return Session{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	mu := &m.principalLocks[stripe(principal)]
	mu.Lock()
	defer mu.Unlock()

	now := m.now().UTC()
	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = m.maxConcurrent
	}
	if limit > 0 {
		live, err := m.store.ListLiveSessions(ctx, principal, now)
		if err != nil {
			return Session{}, err
		}
		if len(live) >= limit {
			return Session{}, fmt.Errorf("%w: %d of %d in use", ErrTooManySessions, len(live), limit)
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	risk := m.risk.Score(RiskInput{
		UserAgent:  in.Device.UserAgent,
		IPAddress:  in.IPAddress,
		Anonymizer: in.Location.Anonymizer,
		At:         now,
	})
	s := Session{
		ID:             ids.Opaque(),
		PrincipalID:    principal,
		Device:         in.Device,
		IPAddress:      strings.TrimSpace(in.IPAddress),
		Location:       in.Location,
		RiskScore:      risk,
		Timeout:        timeout,
		CreatedAt:      now,
		LastActivityAt: now,
		state:          StateAuthenticated,
	}
	if p.RequiresMFA {
		if err := s.apply(EventChallenge); err != nil {
			return Session{}, err
		}
	}
	s.refreshExpiry()
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	obs.Logger().Info("session opened",
		"principal_id", s.PrincipalID,
		"session_id", s.ID,
		"state", string(s.state),
		"risk_score", s.RiskScore,
	)
	return s, nil
}

// Validate returns the session when it is live. Sessions found past their expiry are
// moved to expired on the way.
func (m *Manager) Validate(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrSessionNotFound
	}
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Live(m.now()) {
		return s, nil
	}
	return m.mutate(ctx, id, func(*Session, time.Time) error { return nil })
}

// Peek returns the stored session in whatever state it is in.
func (m *Manager) Peek(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrSessionNotFound
	}
	return m.store.GetSession(ctx, id)
}

// Touch records activity on a live session.
func (m *Manager) Touch(ctx context.Context, id string) (Session, error) {
	return m.mutate(ctx, id, func(s *Session, now time.Time) error {
		s.LastActivityAt = now
		return nil
	})
}

// Revoke ends a session. Revoking a session that already ended is a no-op.
func (m *Manager) Revoke(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	mu := m.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.state.Terminal() {
		return s, nil
	}
	now := m.now().UTC()
	if err := s.apply(EventRevoke); err != nil {
		return Session{}, err
	}
	s.RevokedAt = &now
	s.SMSChallengeHash = ""
	s.SMSChallengeExpiresAt = nil
	if err := m.store.UpdateSession(ctx, s); err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionRevoked) {
			// swept since it was read
			return m.store.GetSession(ctx, id)
		}
		return Session{}, err
	}
	m.forgetAttempts(id)
	obs.Logger().Info("session revoked", "principal_id", s.PrincipalID, "session_id", s.ID)
	return s, nil
}

// RevokeAll ends every live session of principalID and returns how many were ended.
func (m *Manager) RevokeAll(ctx context.Context, principalID string) (int, error) {
	live, err := m.store.ListLiveSessions(ctx, principalID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range live {
		if _, err := m.Revoke(ctx, s.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sweep expires every session past its expiry and drops idle attempt limiters.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	n, err := m.store.ExpireSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	m.attemptsMu.Lock()
	for id, a := range m.attempts {
		if now.Sub(a.seen) > limiterIdle {
			delete(m.attempts, id)
		}
	}
	m.attemptsMu.Unlock()
	return n, nil
}

// mutate loads a live session under its lock, applies fn and persists the result.
// Nothing is written when fn fails.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session, time.Time) error) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrSessionNotFound
	}
	mu := m.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	if err := m.checkLive(ctx, &s, now); err != nil {
		return Session{}, err
	}
	if err := fn(&s, now); err != nil {
		return Session{}, err
	}
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (m *Manager) checkLive(ctx context.Context, s *Session, now time.Time) error {
	switch s.state {
	case StateRevoked:
		return ErrSessionRevoked
	case StateExpired:
		return ErrSessionExpired
	}
	if now.Before(s.ExpiresAt) {
		return nil
	}
	if err := s.apply(EventExpire); err == nil {
		err := m.store.UpdateSession(ctx, *s)
		if err != nil && !errors.Is(err, ErrSessionExpired) && !errors.Is(err, ErrSessionRevoked) {
			obs.Logger().Warn("session expiry not persisted", "session_id", s.ID, "error", err.Error())
		}
	}
	return ErrSessionExpired
}

func (m *Manager) allowAttempt(id string, now time.Time) bool {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		every := time.Minute / time.Duration(m.attemptsPerMinute)
		a = &attemptLimiter{lim: rate.NewLimiter(rate.Every(every), m.attemptsPerMinute)}
		m.attempts[id] = a
	}
	a.seen = now
	return a.lim.AllowN(now, 1)
}

func (m *Manager) forgetAttempts(id string) {
	m.attemptsMu.Lock()
	delete(m.attempts, id)
	m.attemptsMu.Unlock()
}
