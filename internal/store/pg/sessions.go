package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatekeep.dev/internal/session"
)

const sessionColumns = `id, principal_id, state, device, ip_address, location, risk_score, timeout_seconds,
	totp_verified_at, sms_verified_at, revoked_at, sms_challenge_hash, sms_challenge_expires_at,
	created_at, last_activity_at, expires_at`

func scanSession(row scanner) (session.Session, error) {
	var (
		s                        session.Session
		state                    string
		device, location         []byte
		ip, challenge            sql.NullString
		timeoutSeconds           int64
		totpAt, smsAt, revokedAt sql.NullTime
		challengeExpires         sql.NullTime
	)
	err := row.Scan(&s.ID, &s.PrincipalID, &state, &device, &ip, &location, &s.RiskScore, &timeoutSeconds,
		&totpAt, &smsAt, &revokedAt, &challenge, &challengeExpires,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt)
	if err != nil {
		return session.Session{}, err
	}
	if err := decodeJSON(device, &s.Device); err != nil {
		return session.Session{}, err
	}
	if err := decodeJSON(location, &s.Location); err != nil {
		return session.Session{}, err
	}
	s.IPAddress = ip.String
	s.Timeout = time.Duration(timeoutSeconds) * time.Second
	s.TOTPVerifiedAt = timePtr(totpAt)
	s.SMSVerifiedAt = timePtr(smsAt)
	s.RevokedAt = timePtr(revokedAt)
	s.SMSChallengeHash = challenge.String
	s.SMSChallengeExpiresAt = timePtr(challengeExpires)
	return session.Restore(s, session.State(state))
}

func sessionArgs(s session.Session) ([]any, error) {
	device, err := encodeJSON(s.Device)
	if err != nil {
		return nil, err
	}
	location, err := encodeJSON(s.Location)
	if err != nil {
		return nil, err
	}
	return []any{
		s.ID, s.PrincipalID, string(s.State()), device, nullString(s.IPAddress), location, s.RiskScore,
		int64(s.Timeout / time.Second), nullTime(s.TOTPVerifiedAt), nullTime(s.SMSVerifiedAt),
		nullTime(s.RevokedAt), nullString(s.SMSChallengeHash), nullTime(s.SMSChallengeExpiresAt),
		s.CreatedAt.UTC(), s.LastActivityAt.UTC(), s.ExpiresAt.UTC(),
	}, nil
}

func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	if s.db == nil {
		return errNoDB
	}
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into admin_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, args...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: session %s exists", session.ErrInvalidInput, sess.ID)
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	if s.db == nil {
		return session.Session{}, errNoDB
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from admin_sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, err
}

// UpdateSession rewrites every mutable column. The principal and creation time are fixed.
func (s *Store) UpdateSession(ctx context.Context, sess session.Session) error {
	if s.db == nil {
		return errNoDB
	}
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	// drop principal_id ($2) and created_at ($14)
	args = append(append([]any{args[0]}, args[2:13]...), args[14:]...)
	res, err := s.db.ExecContext(ctx, `
		update admin_sessions
		set state = $2, device = $3, ip_address = $4, location = $5, risk_score = $6, timeout_seconds = $7,
			totp_verified_at = $8, sms_verified_at = $9, revoked_at = $10, sms_challenge_hash = $11,
			sms_challenge_expires_at = $12, last_activity_at = $13, expires_at = $14
		where id = $1 and state not in ('expired', 'revoked')
	`, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	var state string
	err = s.db.QueryRowContext(ctx, `select state from admin_sessions where id = $1`, sess.ID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return session.ErrSessionNotFound
	case err != nil:
		return err
	case state == string(session.StateRevoked):
		return session.ErrSessionRevoked
	default:
		return session.ErrSessionExpired
	}
}

func (s *Store) ListLiveSessions(ctx context.Context, principalID string, now time.Time) ([]session.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from admin_sessions
		where principal_id = $1 and state not in ('expired', 'revoked') and expires_at > $2
		order by created_at
	`, principalID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *Store) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update admin_sessions
		set state = 'expired', sms_challenge_hash = null, sms_challenge_expires_at = null
		where state not in ('expired', 'revoked') and expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetEnrollment(ctx context.Context, principalID string) (session.Enrollment, error) {
	if s.db == nil {
		return session.Enrollment{}, errNoDB
	}
	var (
		e           session.Enrollment
		confirmedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select principal_id, sealed_secret, confirmed, created_at, confirmed_at
		from mfa_enrollments
		where principal_id = $1
	`, principalID).Scan(&e.PrincipalID, &e.SealedSecret, &e.Confirmed, &e.CreatedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Enrollment{}, session.ErrNotEnrolled
	}
	if err != nil {
		return session.Enrollment{}, err
	}
	e.ConfirmedAt = timePtr(confirmedAt)
	return e, nil
}

func (s *Store) SaveEnrollment(ctx context.Context, e session.Enrollment) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_enrollments (principal_id, sealed_secret, confirmed, created_at, confirmed_at)
		values ($1, $2, $3, $4, $5)
		on conflict (principal_id) do update
		set sealed_secret = excluded.sealed_secret, confirmed = excluded.confirmed,
			created_at = excluded.created_at, confirmed_at = excluded.confirmed_at
	`, e.PrincipalID, e.SealedSecret, e.Confirmed, e.CreatedAt.UTC(), nullTime(e.ConfirmedAt))
	return err
}
