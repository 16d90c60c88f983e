// Package session tracks authenticated admin sessions, their MFA state and risk.
package session

import (
	"fmt"
	"time"
)

// DefaultTimeout applies when a role sets no session timeout.
const DefaultTimeout = 8 * time.Hour

// State is a session lifecycle state.
type State string

const (
	StateAuthenticated State = "authenticated"
	StateMFAPending    State = "mfa_pending"
	StateMFAVerified   State = "mfa_verified"
	StateExpired       State = "expired"
	StateRevoked       State = "revoked"
)

// Event drives a state transition.
type Event string

const (
	EventChallenge Event = "challenge"
	EventVerify    Event = "verify"
	EventExpire    Event = "expire"
	EventRevoke    Event = "revoke"
)

// Expired and revoked have no outgoing edges.
var transitions = map[State]map[Event]State{
	StateAuthenticated: {
		EventChallenge: StateMFAPending,
		EventVerify:    StateMFAVerified,
		EventExpire:    StateExpired,
		EventRevoke:    StateRevoked,
	},
	StateMFAPending: {
		EventVerify: StateMFAVerified,
		EventExpire: StateExpired,
		EventRevoke: StateRevoked,
	},
	StateMFAVerified: {
		EventVerify: StateMFAVerified,
		EventExpire: StateExpired,
		EventRevoke: StateRevoked,
	},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateAuthenticated, StateMFAPending, StateMFAVerified, StateExpired, StateRevoked:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateRevoked
}

type Device struct {
	Type      string `json:"type,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Location is supplied by the caller; it is never computed here.
type Location struct {
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	Anonymizer bool   `json:"anonymizer,omitempty"`
}

// Session is one authenticated login of a principal. Its state only changes through
// the transition table.
type Session struct {
	ID             string        `json:"id"`
	PrincipalID    string        `json:"principal_id"`
	Device         Device        `json:"device"`
	IPAddress      string        `json:"ip_address,omitempty"`
	Location       Location      `json:"location"`
	RiskScore      int           `json:"risk_score"`
	Timeout        time.Duration `json:"-"`
	TOTPVerifiedAt *time.Time    `json:"totp_verified_at,omitempty"`
	SMSVerifiedAt  *time.Time    `json:"sms_verified_at,omitempty"`
	RevokedAt      *time.Time    `json:"revoked_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at"`

	SMSChallengeHash      string     `json:"-"`
	SMSChallengeExpiresAt *time.Time `json:"-"`

	state State
}

// Restore rebuilds a persisted session in the given state.
func Restore(s Session, state State) (Session, error) {
	if !state.Valid() {
		return Session{}, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}
	s.state = state
	return s, nil
}

func (s Session) State() State { return s.state }

// MFAVerified reports whether a second factor has been passed in this session.
func (s Session) MFAVerified() bool { return s.state == StateMFAVerified }

// Live reports whether the session can still authorize anything at now.
func (s Session) Live(now time.Time) bool {
	return s.state != "" && !s.state.Terminal() && now.Before(s.ExpiresAt)
}

// Age is measured from login.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// LastMFA returns the most recent successful second-factor time, if any.
func (s Session) LastMFA() *time.Time {
	switch {
	case s.TOTPVerifiedAt == nil:
		return s.SMSVerifiedAt
	case s.SMSVerifiedAt == nil:
		return s.TOTPVerifiedAt
	case s.SMSVerifiedAt.After(*s.TOTPVerifiedAt):
		return s.SMSVerifiedAt
	default:
		return s.TOTPVerifiedAt
	}
}

func (s *Session) apply(ev Event) error {
	next, ok := transitions[s.state][ev]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s.state)
	}
	s.state = next
	return nil
}

// refreshExpiry recomputes ExpiresAt from login or the latest MFA step.
func (s *Session) refreshExpiry() {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := s.CreatedAt
	if t := s.LastMFA(); t != nil && t.After(base) {
		base = *t
	}
	s.ExpiresAt = base.Add(timeout)
}

// Enrollment is a principal's TOTP enrollment. The secret is stored sealed.
type Enrollment struct {
	PrincipalID  string
	SealedSecret []byte
	Confirmed    bool
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
}
