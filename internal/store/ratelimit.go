// ratelimit.go -- sliding-window counters keyed by (hashed identifier, scope).
package store

import (
	"context"
	"time"
)

// GetRateLimit fetches the counter row. Returns ErrNotFound if absent.
func (s *PostgresStore) GetRateLimit(ctx context.Context, keyHash, scope string) (*RateLimitRecord, error) {
	var r RateLimitRecord
	err := s.pool.QueryRow(ctx, `
		SELECT key_hash, scope, attempts, window_start, last_attempt, locked_until
		FROM rate_limits WHERE key_hash = $1 AND scope = $2`, keyHash, scope).Scan(
		&r.KeyHash, &r.Scope, &r.Attempts, &r.WindowStart, &r.LastAttempt, &r.LockedUntil)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// RecordRateLimitAttempt upserts the counter with an atomic increment.
// The window starts at the first attempt on insert.
func (s *PostgresStore) RecordRateLimitAttempt(ctx context.Context, keyHash, scope string, at time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (key_hash, scope, attempts, window_start, last_attempt)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (key_hash, scope) DO UPDATE SET
			attempts = rate_limits.attempts + 1,
			last_attempt = EXCLUDED.last_attempt
		RETURNING attempts`, keyHash, scope, at).Scan(&attempts)
	return attempts, err
}

// LockRateLimit sets locked_until on an existing counter.
func (s *PostgresStore) LockRateLimit(ctx context.Context, keyHash, scope string, until time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE rate_limits SET locked_until = $3 WHERE key_hash = $1 AND scope = $2", keyHash, scope, until)
	return err
}

// DeleteRateLimit removes the counter. Deleting a missing row is not an error.
func (s *PostgresStore) DeleteRateLimit(ctx context.Context, keyHash, scope string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM rate_limits WHERE key_hash = $1 AND scope = $2", keyHash, scope)
	return err
}

// CleanupRateLimits deletes counters last touched before cutoff that hold no lockout active at now.
func (s *PostgresStore) CleanupRateLimits(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limits
		WHERE last_attempt < $1 AND (locked_until IS NULL OR locked_until < $2)`, cutoff, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
