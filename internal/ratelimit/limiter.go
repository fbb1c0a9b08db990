// Package ratelimit implements fixed-window attempt counters with lockout,
// keyed by (HMAC of identifier, scope), plus account-level locking.
package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Scope names one counter family.
type Scope string

const (
	ScopeLoginIP         Scope = "login_ip"
	ScopeLoginUser       Scope = "login_user"
	ScopeMFAUser         Scope = "mfa_user"
	ScopePasswordResetIP Scope = "password_reset_ip"
)

// ErrUnknownScope is returned for a scope with no configured policy.
var ErrUnknownScope = errors.New("unknown rate limit scope")

// cleanupAge is how long an idle, unlocked record is kept.
const cleanupAge = 24 * time.Hour

// Policy is MaxAttempts per Window, then Lockout.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// DefaultPolicies returns the stock policy for every scope.
func DefaultPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopeLoginIP:         {MaxAttempts: 10, Window: 15 * time.Minute, Lockout: 15 * time.Minute},
		ScopeLoginUser:       {MaxAttempts: 5, Window: 15 * time.Minute, Lockout: 30 * time.Minute},
		ScopeMFAUser:         {MaxAttempts: 5, Window: 10 * time.Minute, Lockout: 30 * time.Minute},
		ScopePasswordResetIP: {MaxAttempts: 5, Window: 60 * time.Minute, Lockout: 60 * time.Minute},
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Locked     bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Store defines the counter persistence the limiter needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	GetRateLimit(ctx context.Context, keyHash, scope string) (*store.RateLimitRecord, error)
	RecordRateLimitAttempt(ctx context.Context, keyHash, scope string, at time.Time) (int, error)
	LockRateLimit(ctx context.Context, keyHash, scope string, until time.Time) error
	DeleteRateLimit(ctx context.Context, keyHash, scope string) error
	CleanupRateLimits(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// UserStore defines the account-lock persistence the limiter needs.
type UserStore interface {
	IncrementFailedLogins(ctx context.Context, id uuid.UUID) (int, error)
	LockUser(ctx context.Context, id uuid.UUID, until time.Time) error
	UnlockUser(ctx context.Context, id uuid.UUID) error
}

// Limiter checks and records attempts per scope and locks accounts.
type Limiter struct {
	Store    Store
	Users    UserStore
	Audit    audit.Recorder
	Policies map[Scope]Policy

	// MaxLoginFailures consecutive failures lock the account for AccountLockout.
	MaxLoginFailures int
	AccountLockout   time.Duration

	Now func() time.Time

	secret []byte
}

// New returns a Limiter with default policies. secret keys the identifier HMAC.
func New(s Store, users UserStore, rec audit.Recorder, secret []byte) *Limiter {
	return &Limiter{
		Store:            s,
		Users:            users,
		Audit:            rec,
		Policies:         DefaultPolicies(),
		MaxLoginFailures: 5,
		AccountLockout:   30 * time.Minute,
		secret:           secret,
	}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Key returns the stored form of an identifier: hex HMAC-SHA256 under the process secret.
// Raw identifiers (IPs, emails) never reach the database.
func (l *Limiter) Key(identifier string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Limiter) policy(scope Scope) (Policy, error) {
	p, ok := l.Policies[scope]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return p, nil
}

// Check decides whether one more attempt for (scope, identifier) is allowed.
// It does not count the attempt; call Record for that.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string) (Decision, error) {
	p, err := l.policy(scope)
	if err != nil {
		return Decision{}, err
	}
	key := l.Key(identifier)
	now := l.now()

	rec, err := l.Store.GetRateLimit(ctx, key, string(scope))
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Allowed: true, Remaining: p.MaxAttempts - 1}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("loading rate limit: %w", err)
	}

	if rec.LockedUntil != nil {
		if now.Before(*rec.LockedUntil) {
			return Decision{Locked: true, RetryAfter: rec.LockedUntil.Sub(now)}, nil
		}
		// Lockout served; start over.
		return l.reset(ctx, key, scope, p)
	}

	if !now.Before(rec.WindowStart.Add(p.Window)) {
		return l.reset(ctx, key, scope, p)
	}

	if rec.Attempts >= p.MaxAttempts {
		until := now.Add(p.Lockout)
		if err := l.Store.LockRateLimit(ctx, key, string(scope), until); err != nil {
			return Decision{}, fmt.Errorf("locking rate limit: %w", err)
		}
		return Decision{Locked: true, RetryAfter: p.Lockout}, nil
	}

	return Decision{Allowed: true, Remaining: p.MaxAttempts - rec.Attempts}, nil
}

func (l *Limiter) reset(ctx context.Context, key string, scope Scope, p Policy) (Decision, error) {
	if err := l.Store.DeleteRateLimit(ctx, key, string(scope)); err != nil {
		return Decision{}, fmt.Errorf("resetting rate limit: %w", err)
	}
	return Decision{Allowed: true, Remaining: p.MaxAttempts - 1}, nil
}

// Record counts one attempt. The window starts at the first attempt.
func (l *Limiter) Record(ctx context.Context, scope Scope, identifier string) error {
	if _, err := l.policy(scope); err != nil {
		return err
	}
	if _, err := l.Store.RecordRateLimitAttempt(ctx, l.Key(identifier), string(scope), l.now()); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// Clear drops the counter after a successful authentication.
func (l *Limiter) Clear(ctx context.Context, scope Scope, identifier string) error {
	if err := l.Store.DeleteRateLimit(ctx, l.Key(identifier), string(scope)); err != nil {
		return fmt.Errorf("clearing rate limit: %w", err)
	}
	return nil
}

// Cleanup deletes records idle for 24h that hold no active lockout.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	now := l.now()
	n, err := l.Store.CleanupRateLimits(ctx, now.Add(-cleanupAge), now)
	if err != nil {
		return 0, fmt.Errorf("cleaning rate limits: %w", err)
	}
	return n, nil
}

// LockUser locks the account for AccountLockout and returns the lock deadline.
func (l *Limiter) LockUser(ctx context.Context, userID uuid.UUID, reason string) (time.Time, error) {
	until := l.now().Add(l.AccountLockout)
	if err := l.Users.LockUser(ctx, userID, until); err != nil {
		return time.Time{}, fmt.Errorf("locking user: %w", err)
	}
	l.Audit.Record(ctx, audit.Event{
		Type:    audit.AccountLocked,
		UserID:  &userID,
		Success: true,
		Details: audit.Details{"reason": reason, "locked_until": until.UTC().Format(time.RFC3339)},
	})
	return until, nil
}

// UnlockUser clears the lock and the failed counter. admin names who unlocked it.
func (l *Limiter) UnlockUser(ctx context.Context, userID uuid.UUID, admin string) error {
	if err := l.Users.UnlockUser(ctx, userID); err != nil {
		return fmt.Errorf("unlocking user: %w", err)
	}
	l.Audit.Record(ctx, audit.Event{
		Type:    audit.AccountUnlocked,
		UserID:  &userID,
		Success: true,
		Details: audit.Details{"unlocked_by": admin},
	})
	return nil
}

// RecordFailedLogin bumps the user's failure counter and locks the account once it
// reaches MaxLoginFailures. Locking restarts the count. Returns the lock deadline
// when this call locked it.
func (l *Limiter) RecordFailedLogin(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	n, err := l.Users.IncrementFailedLogins(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting failed login: %w", err)
	}
	if l.MaxLoginFailures <= 0 || n < l.MaxLoginFailures {
		return nil, nil
	}
	until, err := l.LockUser(ctx, userID, "max_failed_logins")
	if err != nil {
		return nil, err
	}
	return &until, nil
}
