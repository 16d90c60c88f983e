package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/nacl/secretbox"

	"gatekeep.dev/internal/obs"
)

const (
	totpPeriod = 30
	totpSkew   = 2
	smsTTL     = 5 * time.Minute
	nonceSize  = 24
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPSetup is returned once at enrollment so the authenticator app can be provisioned.
type TOTPSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// EnrollTOTP creates a pending enrollment for the session's principal. A confirmed
// enrollment can only be replaced from an MFA-verified session.
func (m *Manager) EnrollTOTP(ctx context.Context, sessionID, accountName string) (TOTPSetup, error) {
	s, err := m.Validate(ctx, sessionID)
	if err != nil {
		return TOTPSetup{}, err
	}
	existing, err := m.enrollments.GetEnrollment(ctx, s.PrincipalID)
	switch {
	case errors.Is(err, ErrNotEnrolled):
	case err != nil:
		return TOTPSetup{}, err
	case existing.Confirmed && !s.MFAVerified():
		return TOTPSetup{}, ErrAlreadyEnrolled
	}

	account := strings.TrimSpace(accountName)
	if account == "" {
		account = s.PrincipalID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("generate totp key: %w", err)
	}
	sealed, err := m.seal([]byte(key.Secret()))
	if err != nil {
		return TOTPSetup{}, err
	}
	err = m.enrollments.SaveEnrollment(ctx, Enrollment{
		PrincipalID:  s.PrincipalID,
		SealedSecret: sealed,
		CreatedAt:    m.now().UTC(),
	})
	if err != nil {
		return TOTPSetup{}, err
	}
	return TOTPSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmTOTP activates a pending enrollment with a first valid code and verifies the
// session with it.
func (m *Manager) ConfirmTOTP(ctx context.Context, sessionID, code string) (Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, now time.Time) error {
		if !m.allowAttempt(s.ID, now) {
			return ErrTooManyAttempts
		}
		e, err := m.enrollments.GetEnrollment(ctx, s.PrincipalID)
		if err != nil {
			return err
		}
		if err := m.checkTOTP(e, code, now); err != nil {
			return err
		}
		if !e.Confirmed {
			e.Confirmed = true
			e.ConfirmedAt = &now
			if err := m.enrollments.SaveEnrollment(ctx, e); err != nil {
				return err
			}
		}
		return markVerified(s, now, &s.TOTPVerifiedAt)
	})
}

// VerifyTOTP upgrades the session with a code from a confirmed enrollment. A wrong
// code leaves the session unchanged.
func (m *Manager) VerifyTOTP(ctx context.Context, sessionID, code string) (Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, now time.Time) error {
		if !m.allowAttempt(s.ID, now) {
			return ErrTooManyAttempts
		}
		e, err := m.enrollments.GetEnrollment(ctx, s.PrincipalID)
		if err != nil {
			return err
		}
		if !e.Confirmed {
			return ErrNotEnrolled
		}
		if err := m.checkTOTP(e, code, now); err != nil {
			return err
		}
		return markVerified(s, now, &s.TOTPVerifiedAt)
	})
}

func (m *Manager) checkTOTP(e Enrollment, code string, now time.Time) error {
	secret, err := m.open(e.SealedSecret)
	if err != nil {
		return err
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), string(secret), now, totpOpts)
	obs.MFAVerification("totp", ok && err == nil)
	if err != nil || !ok {
		return ErrInvalidCode
	}
	return nil
}

// StartSMS issues a 6-digit code for the session and hands it to the SMS sender.
func (m *Manager) StartSMS(ctx context.Context, sessionID string) error {
	if m.sms == nil {
		return ErrSMSUnavailable
	}
	code, err := smsCode()
	if err != nil {
		return err
	}
	s, err := m.mutate(ctx, sessionID, func(s *Session, now time.Time) error {
		if !m.allowAttempt(s.ID, now) {
			return ErrTooManyAttempts
		}
		expires := now.Add(smsTTL)
		s.SMSChallengeHash = hashCode(code)
		s.SMSChallengeExpiresAt = &expires
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.sms.SendCode(ctx, s.PrincipalID, code); err != nil {
		return fmt.Errorf("send sms code: %w", err)
	}
	return nil
}

// VerifySMS checks the outstanding SMS code. Each challenge can be used once.
func (m *Manager) VerifySMS(ctx context.Context, sessionID, code string) (Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session, now time.Time) error {
		if !m.allowAttempt(s.ID, now) {
			return ErrTooManyAttempts
		}
		if s.SMSChallengeHash == "" || s.SMSChallengeExpiresAt == nil || !now.Before(*s.SMSChallengeExpiresAt) {
			obs.MFAVerification("sms", false)
			return ErrInvalidCode
		}
		if subtle.ConstantTimeCompare([]byte(hashCode(strings.TrimSpace(code))), []byte(s.SMSChallengeHash)) != 1 {
			obs.MFAVerification("sms", false)
			return ErrInvalidCode
		}
		obs.MFAVerification("sms", true)
		s.SMSChallengeHash = ""
		s.SMSChallengeExpiresAt = nil
		return markVerified(s, now, &s.SMSVerifiedAt)
	})
}

func markVerified(s *Session, now time.Time, field **time.Time) error {
	if err := s.apply(EventVerify); err != nil {
		return err
	}
	*field = &now
	s.LastActivityAt = now
	s.refreshExpiry()
	return nil
}

func (m *Manager) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &m.key), nil
}

func (m *Manager) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed mfa secret is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &m.key)
	if !ok {
		return nil, errors.New("mfa secret cannot be decrypted with the configured key")
	}
	return plain, nil
}

func smsCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate sms code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
