// mfa.go -- MFA settings and email-OTP challenge rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// GetMFASettings returns userID's settings, or the zero value if no row exists.
func (s *PostgresStore) GetMFASettings(ctx context.Context, userID uuid.UUID) (*MFASettings, error) {
	m := MFASettings{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT email_otp_enabled, totp_enabled, webauthn_enabled, preferred_method, force_always, updated_at
		FROM mfa_settings WHERE user_id = $1`, userID).Scan(
		&m.EmailOTPEnabled, &m.TOTPEnabled, &m.WebAuthnEnabled, &m.PreferredMethod, &m.ForceAlways, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &MFASettings{UserID: userID}, nil
		}
		return nil, err
	}
	return &m, nil
}

// UpsertMFASettings writes userID's settings row.
func (s *PostgresStore) UpsertMFASettings(ctx context.Context, m *MFASettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_settings (user_id, email_otp_enabled, totp_enabled, webauthn_enabled,
			preferred_method, force_always, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			email_otp_enabled = EXCLUDED.email_otp_enabled,
			totp_enabled = EXCLUDED.totp_enabled,
			webauthn_enabled = EXCLUDED.webauthn_enabled,
			preferred_method = EXCLUDED.preferred_method,
			force_always = EXCLUDED.force_always,
			updated_at = EXCLUDED.updated_at`,
		m.UserID, m.EmailOTPEnabled, m.TOTPEnabled, m.WebAuthnEnabled, m.PreferredMethod, m.ForceAlways, m.UpdatedAt)
	return err
}

const challengeColumns = `id, user_id, session_id, method, code_hash, expires_at, attempts, max_attempts,
	trigger_reason, ip_address, user_agent, verified_at, created_at`

func scanChallenge(row pgx.Row) (*MFAChallenge, error) {
	var c MFAChallenge
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.Method, &c.CodeHash, &c.ExpiresAt, &c.Attempts, &c.MaxAttempts,
		&c.TriggerReason, &c.IPAddress, &c.UserAgent, &c.VerifiedAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateChallenge expires every live challenge of the user and inserts c, in one transaction.
// The user row is locked first so two concurrent creates serialize and only one stays live.
func (s *PostgresStore) CreateChallenge(ctx context.Context, c *MFAChallenge) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT 1 FROM users WHERE id = $1 FOR UPDATE", c.UserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE mfa_challenges SET expires_at = $2
			WHERE user_id = $1 AND verified_at IS NULL AND expires_at > $2`, c.UserID, c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO mfa_challenges (id, user_id, session_id, method, code_hash, expires_at, attempts,
				max_attempts, trigger_reason, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11)`,
			c.ID, c.UserID, c.SessionID, c.Method, c.CodeHash, c.ExpiresAt,
			c.MaxAttempts, c.TriggerReason, c.IPAddress, c.UserAgent, c.CreatedAt)
		return err
	})
}

// GetChallenge fetches a challenge in any state.
func (s *PostgresStore) GetChallenge(ctx context.Context, id uuid.UUID) (*MFAChallenge, error) {
	return scanChallenge(s.pool.QueryRow(ctx, "SELECT "+challengeColumns+" FROM mfa_challenges WHERE id = $1", id))
}

// IncrementChallengeAttempts bumps attempts atomically and returns the new count.
// Only increments while attempts < max_attempts; returns ErrNotFound otherwise.
func (s *PostgresStore) IncrementChallengeAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE mfa_challenges SET attempts = attempts + 1
		WHERE id = $1 AND verified_at IS NULL AND attempts < max_attempts
		RETURNING attempts`, id).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

// MarkChallengeVerified sets verified_at once. Returns false if it was already set.
func (s *PostgresStore) MarkChallengeVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE mfa_challenges SET verified_at = $2 WHERE id = $1 AND verified_at IS NULL", id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResetChallengeCode replaces the code hash and zeroes attempts on a live challenge.
// Expiry is left untouched. Returns false if the challenge is no longer live at now.
func (s *PostgresStore) ResetChallengeCode(ctx context.Context, id uuid.UUID, codeHash []byte, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mfa_challenges SET code_hash = $2, attempts = 0
		WHERE id = $1 AND verified_at IS NULL AND expires_at > $3 AND attempts < max_attempts`,
		id, codeHash, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CleanupChallenges deletes challenges that expired before cutoff.
func (s *PostgresStore) CleanupChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM mfa_challenges WHERE expires_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
