// sessions.go -- session rows, refresh-token rotation and revocation.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, user_id, device_id, refresh_token_hash, previous_token_hash, family_id,
	fingerprint, device_label, ip_address, user_agent, country, city, trusted, trusted_until,
	refresh_expires_at, absolute_expires_at, last_activity_at, revoked_at, revoked_reason, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.RefreshTokenHash, &s.PreviousTokenHash, &s.FamilyID,
		&s.Fingerprint, &s.DeviceLabel, &s.IPAddress, &s.UserAgent, &s.Country, &s.City, &s.Trusted, &s.TrustedUntil,
		&s.RefreshExpiresAt, &s.AbsoluteExpiresAt, &s.LastActivityAt, &s.RevokedAt, &s.RevokedReason, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// CreateSession inserts a new session row.
// The caller generates the ID, family and refresh hash BEFORE calling this.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, device_id, refresh_token_hash, family_id, fingerprint,
			device_label, ip_address, user_agent, country, city, trusted, trusted_until,
			refresh_expires_at, absolute_expires_at, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sess.ID, sess.UserID, sess.DeviceID, sess.RefreshTokenHash, sess.FamilyID, sess.Fingerprint,
		sess.DeviceLabel, sess.IPAddress, sess.UserAgent, sess.Country, sess.City, sess.Trusted, sess.TrustedUntil,
		sess.RefreshExpiresAt, sess.AbsoluteExpiresAt, sess.LastActivityAt, sess.CreatedAt)
	return err
}

// GetSessionByID fetches a session regardless of state. Returns ErrNotFound if absent.
func (s *PostgresStore) GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
}

// GetSessionByRefreshHash fetches the session currently holding tokenHash.
func (s *PostgresStore) GetSessionByRefreshHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE refresh_token_hash = $1", tokenHash))
}

// GetSessionByPreviousHash fetches the session whose last rotation replaced tokenHash.
func (s *PostgresStore) GetSessionByPreviousHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE previous_token_hash = $1 LIMIT 1", tokenHash))
}

// RotateRefreshToken swaps the refresh hash with a compare-and-swap on the old hash.
// Returns false when another rotation or a revocation won the race.
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, r Rotation) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			previous_token_hash = refresh_token_hash,
			refresh_token_hash = $3,
			refresh_expires_at = $4,
			last_activity_at = $5,
			ip_address = COALESCE($6, ip_address),
			user_agent = COALESCE($7, user_agent)
		WHERE id = $1 AND refresh_token_hash = $2 AND revoked_at IS NULL`,
		r.SessionID, r.OldHash, r.NewHash, r.RefreshExpiresAt, r.LastActivityAt, r.IPAddress, r.UserAgent)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeSession marks one session revoked. Already-revoked sessions keep their original reason.
func (s *PostgresStore) RevokeSession(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $3, revoked_reason = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, reason, at)
	return err
}

// RevokeUserSessions revokes every live session of userID except the one given.
func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID uuid.UUID, except *uuid.UUID, reason string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $4, revoked_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL AND ($2::uuid IS NULL OR id <> $2)`,
		userID, except, reason, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeFamily revokes every live session sharing familyID.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $3, revoked_reason = $2
		WHERE family_id = $1 AND revoked_at IS NULL`, familyID, reason, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListActiveSessions returns the usable sessions of userID at now, newest activity first.
func (s *PostgresStore) ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND refresh_expires_at > $2 AND absolute_expires_at > $2
		ORDER BY last_activity_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CleanupExpiredSessions deletes sessions that expired or were revoked before cutoff.
// Returns the number of rows deleted.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE refresh_expires_at < $1 OR absolute_expires_at < $1 OR revoked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeviceSeen reports whether userID ever had a session or trusted-device row for deviceID.
func (s *PostgresStore) DeviceSeen(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM sessions WHERE user_id = $1 AND device_id = $2)
			OR EXISTS(SELECT 1 FROM trusted_devices WHERE user_id = $1 AND device_id = $2)`,
		userID, deviceID).Scan(&seen)
	return seen, err
}

// SessionCountriesSince returns the distinct non-null countries of userID's sessions created since.
func (s *PostgresStore) SessionCountriesSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT country FROM sessions
		WHERE user_id = $1 AND country IS NOT NULL AND created_at >= $2`, userID, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// LastSessionActivity returns the newest last_activity_at across userID's sessions, nil if none.
func (s *PostgresStore) LastSessionActivity(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT max(last_activity_at) FROM sessions WHERE user_id = $1", userID).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}
