// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user queries.
// Creates a connection pool at startup, shared across all components.
// All queries use parameterized statements (no string concatenation).
// Instants are always passed in from the caller's clock, never read from now() in SQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store for every security entity.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// notFound maps pgx.ErrNoRows to ErrNotFound and passes every other error through.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const userColumns = `id, email, first_name, last_name, role, password_hash,
	failed_login_count, locked_until, last_login_at, password_changed_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.PasswordHash,
		&u.FailedLoginCount, &u.LockedUntil, &u.LastLoginAt, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateUser inserts a user row. Email is stored lowercased.
// Returns raw pgx error so callers can inspect unique violations.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, first_name, last_name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, strings.ToLower(u.Email), u.FirstName, u.LastName, u.Role, u.PasswordHash)
	return err
}

// GetUserByID fetches a user by primary key. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByEmail fetches a user by case-insensitive email. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", strings.ToLower(email)))
}

// UpdatePasswordHash replaces the stored hash without touching password_changed_at.
// Used by rehash-on-login as well as by password changes.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1", id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPasswordChanged stamps password_changed_at.
func (s *PostgresStore) MarkPasswordChanged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET password_changed_at = $2, updated_at = now() WHERE id = $1", id, at)
	return err
}

// RecordSuccessfulLogin resets the failed counter and stamps last_login_at.
func (s *PostgresStore) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_count = 0, last_login_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	return err
}

// IncrementFailedLogins bumps failed_login_count atomically and returns the new value.
func (s *PostgresStore) IncrementFailedLogins(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET failed_login_count = failed_login_count + 1, updated_at = now()
		WHERE id = $1 RETURNING failed_login_count`, id).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

// LockUser sets locked_until and restarts the failed counter, so the next lock
// needs a full run of failures after this one is served.
func (s *PostgresStore) LockUser(ctx context.Context, id uuid.UUID, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET locked_until = $2, failed_login_count = 0, updated_at = now()
		WHERE id = $1`, id, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnlockUser clears locked_until and the failed counter.
func (s *PostgresStore) UnlockUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET locked_until = NULL, failed_login_count = 0, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePasswordResetToken inserts a single-use reset token row.
func (s *PostgresStore) CreatePasswordResetToken(ctx context.Context, t *PasswordResetToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt)
	return err
}

// GetPasswordResetToken returns an unused, unexpired token without consuming it.
func (s *PostgresStore) GetPasswordResetToken(ctx context.Context, tokenHash []byte, now time.Time) (*PasswordResetToken, error) {
	t := &PasswordResetToken{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, used_at, expires_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2`, tokenHash, now).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.UsedAt, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// ConsumePasswordResetToken marks an unused, unexpired token used and returns its owner.
// Single UPDATE so two concurrent confirms cannot both succeed.
func (s *PostgresStore) ConsumePasswordResetToken(ctx context.Context, tokenHash []byte, now time.Time) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE password_reset_tokens SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING user_id`, tokenHash, now).Scan(&userID)
	if err != nil {
		return uuid.Nil, notFound(err)
	}
	return userID, nil
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
