// models.go -- Shared domain types for the store package.
// Used by Postgres (durable store) and by the in-memory fakes in testutil.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by every lookup when no row matches.
// Postgres queries translate pgx.ErrNoRows into this so callers never import pgx.
var ErrNotFound = errors.New("not found")

// ErrCacheDisabled is returned by CheckRedis when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID                uuid.UUID
	Email             string
	FirstName         *string
	LastName          *string
	Role              string
	PasswordHash      *string // nil for OAuth-only accounts
	FailedLoginCount  int
	LockedUntil       *time.Time
	LastLoginAt       *time.Time
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsLocked reports whether password authentication is blocked at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Session represents a row in the sessions table.
// RefreshTokenHash is the only valid refresh credential; PreviousTokenHash is the
// hash it replaced on the last rotation, kept to recognise reuse.
type Session struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	DeviceID          string
	RefreshTokenHash  []byte
	PreviousTokenHash []byte
	FamilyID          uuid.UUID
	Fingerprint       string
	DeviceLabel       string
	IPAddress         *string
	UserAgent         *string
	Country           *string
	City              *string
	Trusted           bool
	TrustedUntil      *time.Time
	RefreshExpiresAt  time.Time
	AbsoluteExpiresAt time.Time
	LastActivityAt    time.Time
	RevokedAt         *time.Time
	RevokedReason     *string
	CreatedAt         time.Time
}

// Usable reports whether the session can still authenticate requests at now.
func (s *Session) Usable(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.RefreshExpiresAt) && now.Before(s.AbsoluteExpiresAt)
}

// Rotation carries one refresh-token swap. The swap only applies while the
// session still holds OldHash and is not revoked.
type Rotation struct {
	SessionID        uuid.UUID
	OldHash          []byte
	NewHash          []byte
	RefreshExpiresAt time.Time
	LastActivityAt   time.Time
	IPAddress        *string
	UserAgent        *string
}

// TrustedDevice represents a row in the trusted_devices table, unique on (user_id, device_id).
type TrustedDevice struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DeviceID    string
	Fingerprint string
	Label       string
	IPAddress   *string
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// TrustsAt reports whether the device waives MFA at now.
func (d *TrustedDevice) TrustsAt(now time.Time) bool {
	return d.RevokedAt == nil && now.Before(d.ExpiresAt)
}

// MFASettings represents a row in the mfa_settings table.
// Users without a row get the zero value: nothing enabled, nothing forced.
type MFASettings struct {
	UserID          uuid.UUID
	EmailOTPEnabled bool
	TOTPEnabled     bool
	WebAuthnEnabled bool
	PreferredMethod string
	ForceAlways     bool
	UpdatedAt       time.Time
}

// HasAnyEnabled reports whether at least one MFA method is switched on.
func (m *MFASettings) HasAnyEnabled() bool {
	return m.EmailOTPEnabled || m.TOTPEnabled || m.WebAuthnEnabled
}

// MFAChallenge represents a row in the mfa_challenges table.
// CodeHash is SHA-256 of the six digit code; the code itself is never stored.
type MFAChallenge struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	SessionID     *uuid.UUID
	Method        string
	CodeHash      []byte
	ExpiresAt     time.Time
	Attempts      int
	MaxAttempts   int
	TriggerReason string
	IPAddress     *string
	UserAgent     *string
	VerifiedAt    *time.Time
	CreatedAt     time.Time
}

// Live reports whether the challenge can still be answered at now.
func (c *MFAChallenge) Live(now time.Time) bool {
	return c.VerifiedAt == nil && now.Before(c.ExpiresAt) && c.Attempts < c.MaxAttempts
}

// RateLimitRecord represents a row in the rate_limits table.
// KeyHash is an HMAC of the identifier; raw identifiers are never stored.
type RateLimitRecord struct {
	KeyHash     string
	Scope       string
	Attempts    int
	WindowStart time.Time
	LastAttempt time.Time
	LockedUntil *time.Time
}

// AuditEvent represents a row in the audit_events table.
// Details holds the sanitized event context as a JSON object.
type AuditEvent struct {
	ID            uuid.UUID
	UserID        *uuid.UUID
	SessionID     *uuid.UUID
	EventType     string
	Category      string
	IPAddress     *string
	UserAgent     *string
	Country       *string
	DeviceID      *string
	Success       bool
	FailureReason *string
	Details       []byte
	CreatedAt     time.Time
}

// AuditFilter narrows ListAuditEvents. Zero-valued fields are ignored.
type AuditFilter struct {
	UserID    *uuid.UUID
	Category  string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Success   *bool
	Limit     int
	Offset    int
}

// AuditCount is one row of an aggregate over audit_events.
type AuditCount struct {
	EventType string
	Success   bool
	Count     int64
}

// PasswordResetToken represents a row in the password_reset_tokens table.
// UsedAt is nil until consumed; set once on use to prevent replay.
type PasswordResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}
