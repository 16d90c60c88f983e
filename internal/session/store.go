package session

import (
	"context"
	"time"
)

// Store persists sessions. GetSession returns ErrSessionNotFound for unknown ids.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession never overwrites a stored expired or revoked session; it answers
	// ErrSessionExpired or ErrSessionRevoked instead.
	UpdateSession(ctx context.Context, s Session) error
	// ListLiveSessions returns non-terminal sessions of principalID not yet expired at now.
	ListLiveSessions(ctx context.Context, principalID string, now time.Time) ([]Session, error)
	// ExpireSessions moves every non-terminal session past its expiry to expired.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

// EnrollmentStore persists TOTP enrollments. GetEnrollment returns ErrNotEnrolled when
// the principal has none.
type EnrollmentStore interface {
	GetEnrollment(ctx context.Context, principalID string) (Enrollment, error)
	SaveEnrollment(ctx context.Context, e Enrollment) error
}

// SMSSender delivers one-time codes.
type SMSSender interface {
	SendCode(ctx context.Context, principalID, code string) error
}
