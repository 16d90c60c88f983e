package session

import "errors"

var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrSessionExpired    = errors.New("session: expired")
	ErrSessionRevoked    = errors.New("session: revoked")
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrInvalidInput      = errors.New("session: invalid input")
	ErrInvalidCode       = errors.New("session: invalid verification code")
	ErrTooManyAttempts   = errors.New("session: too many verification attempts")
	ErrTooManySessions   = errors.New("session: concurrent session limit reached")
	ErrNotEnrolled       = errors.New("session: mfa not enrolled")
	ErrAlreadyEnrolled   = errors.New("session: mfa already enrolled")
	ErrSMSUnavailable    = errors.New("session: sms delivery is not configured")
)
