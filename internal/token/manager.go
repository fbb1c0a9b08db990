// manager.go
//
// Session lifecycle: issue, rotate, revoke. All state lives in Postgres; the
// manager holds nothing between calls.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Revocation reasons written to sessions.revoked_reason.
const (
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
	ReasonPasswordChange = "password_change"
	ReasonPasswordReset  = "password_reset"
	ReasonMFAChange      = "mfa_change"
	ReasonReuseDetected  = "reuse_detected"
	ReasonAbsoluteExpiry = "absolute_expiry"
	ReasonAdmin          = "admin"
)

var (
	// ErrInvalidToken means the presented refresh token matches no current session.
	ErrInvalidToken = errors.New("invalid_token")
	// ErrTokenReuse means a rotated-out token came back. The family has been revoked.
	ErrTokenReuse = fmt.Errorf("%w: rotated token presented again", ErrInvalidToken)
	// ErrRefreshExpired means the sliding refresh deadline has passed.
	ErrRefreshExpired = errors.New("refresh_expired")
	// ErrSessionExpired means the absolute deadline has passed.
	ErrSessionExpired = errors.New("session_expired")
	// ErrSessionRevoked is matched by every *RevokedError.
	ErrSessionRevoked = errors.New("session_revoked")
)

// RevokedError carries the reason a session was revoked.
type RevokedError struct {
	Reason string
}

func (e *RevokedError) Error() string {
	return "session_revoked: " + e.Reason
}

func (e *RevokedError) Is(target error) bool {
	return target == ErrSessionRevoked
}

// Store defines the session persistence the manager needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	CreateSession(ctx context.Context, s *store.Session) error
	GetSessionByID(ctx context.Context, id uuid.UUID) (*store.Session, error)
	GetSessionByRefreshHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	GetSessionByPreviousHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	RotateRefreshToken(ctx context.Context, r store.Rotation) (bool, error)
	RevokeSession(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID, except *uuid.UUID, reason string, at time.Time) (int64, error)
	RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string, at time.Time) (int64, error)
	ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error)
	CleanupExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserLookup loads the role a refreshed access token carries.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Meta is the request context recorded on a session.
type Meta struct {
	IP        string
	UserAgent string
	Country   string
	City      string
}

// NewSession describes a session to open for an authenticated user.
type NewSession struct {
	User        *store.User
	DeviceID    string
	Fingerprint string
	DeviceLabel string
	Meta        Meta
	Trust       bool
}

// Issued is what a caller hands back to the client after login or refresh.
// RefreshToken is only ever returned here.
type Issued struct {
	Session         *store.Session
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	ExpiresIn       int
}

// Manager issues and rotates sessions.
type Manager struct {
	Store  Store
	Users  UserLookup
	Issuer *Issuer
	Roles  RoleResolver
	Audit  audit.Recorder

	RefreshTTL  time.Duration
	AbsoluteTTL time.Duration
	TrustTTL    time.Duration

	Now func() time.Time
}

// NewManager returns a Manager with 30 day refresh, 90 day absolute and 30 day trust lifetimes.
func NewManager(s Store, users UserLookup, issuer *Issuer, rec audit.Recorder) *Manager {
	return &Manager{
		Store:       s,
		Users:       users,
		Issuer:      issuer,
		Roles:       DefaultRoles,
		Audit:       rec,
		RefreshTTL:  30 * 24 * time.Hour,
		AbsoluteTTL: 90 * 24 * time.Hour,
		TrustTTL:    30 * 24 * time.Hour,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CreateSession opens a new session in a new token family.
func (m *Manager) CreateSession(ctx context.Context, ns NewSession) (*Issued, error) {
	now := m.now()
	raw, hash, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	family, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating family id: %w", err)
	}

	s := &store.Session{
		ID:                id,
		UserID:            ns.User.ID,
		DeviceID:          ns.DeviceID,
		RefreshTokenHash:  hash,
		FamilyID:          family,
		Fingerprint:       ns.Fingerprint,
		DeviceLabel:       ns.DeviceLabel,
		IPAddress:         optional(ns.Meta.IP),
		UserAgent:         optional(ns.Meta.UserAgent),
		Country:           optional(ns.Meta.Country),
		City:              optional(ns.Meta.City),
		Trusted:           ns.Trust,
		RefreshExpiresAt:  now.Add(m.RefreshTTL),
		AbsoluteExpiresAt: now.Add(m.AbsoluteTTL),
		LastActivityAt:    now,
		CreatedAt:         now,
	}
	if s.RefreshExpiresAt.After(s.AbsoluteExpiresAt) {
		s.RefreshExpiresAt = s.AbsoluteExpiresAt
	}
	if ns.Trust {
		until := now.Add(m.TrustTTL)
		s.TrustedUntil = &until
	}
	if err := m.Store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return m.issue(s, ns.User.Role, raw)
}

func (m *Manager) issue(s *store.Session, role, refresh string) (*Issued, error) {
	access, exp, err := m.Issuer.Mint(s.UserID, s.ID, role, m.Roles.EffectiveRole(role))
	if err != nil {
		return nil, err
	}
	return &Issued{
		Session:         s,
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refresh,
		ExpiresIn:       int(m.Issuer.TTL.Seconds()),
	}, nil
}

// Refresh rotates the presented refresh token and mints a new access token.
//
// A token that matches a session's previous hash was already rotated out, so
// the whole family is revoked and ErrTokenReuse returned. Two concurrent
// refreshes with the same token race on a compare-and-swap; the loser gets
// ErrInvalidToken.
func (m *Manager) Refresh(ctx context.Context, raw string, meta Meta) (*Issued, error) {
	now := m.now()
	oldHash := HashRefreshToken(raw)

	s, err := m.Store.GetSessionByRefreshHash(ctx, oldHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, m.checkReuse(ctx, oldHash, meta)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if s.RevokedAt != nil {
		reason := ""
		if s.RevokedReason != nil {
			reason = *s.RevokedReason
		}
		return nil, &RevokedError{Reason: reason}
	}
	if !now.Before(s.RefreshExpiresAt) {
		return nil, ErrRefreshExpired
	}
	if !now.Before(s.AbsoluteExpiresAt) {
		if err := m.Store.RevokeSession(ctx, s.ID, ReasonAbsoluteExpiry, now); err != nil {
			return nil, fmt.Errorf("revoking expired session: %w", err)
		}
		return nil, ErrSessionExpired
	}

	user, err := m.Users.GetUserByID(ctx, s.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}

	next, nextHash, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	expires := now.Add(m.RefreshTTL)
	if expires.After(s.AbsoluteExpiresAt) {
		expires = s.AbsoluteExpiresAt
	}
	swapped, err := m.Store.RotateRefreshToken(ctx, store.Rotation{
		SessionID:        s.ID,
		OldHash:          oldHash,
		NewHash:          nextHash,
		RefreshExpiresAt: expires,
		LastActivityAt:   now,
		IPAddress:        optional(meta.IP),
		UserAgent:        optional(meta.UserAgent),
	})
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	if !swapped {
		return nil, ErrInvalidToken
	}

	s.PreviousTokenHash = oldHash
	s.RefreshTokenHash = nextHash
	s.RefreshExpiresAt = expires
	s.LastActivityAt = now
	if meta.IP != "" {
		s.IPAddress = &meta.IP
	}
	if meta.UserAgent != "" {
		s.UserAgent = &meta.UserAgent
	}
	return m.issue(s, user.Role, next)
}

// checkReuse decides between a plain unknown token and a replayed rotated one.
func (m *Manager) checkReuse(ctx context.Context, hash []byte, meta Meta) error {
	prior, err := m.Store.GetSessionByPreviousHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("checking token reuse: %w", err)
	}

	n, err := m.RevokeFamily(ctx, prior.FamilyID)
	if err != nil {
		return err
	}
	slog.Warn("refresh token reuse detected", "user_id", prior.UserID, "family_id", prior.FamilyID, "revoked", n)
	m.Audit.Record(ctx, audit.Event{
		Type:      audit.TokenReuseDetected,
		UserID:    &prior.UserID,
		SessionID: &prior.ID,
		DeviceID:  prior.DeviceID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   false,
		Details:   audit.Details{"family_id": prior.FamilyID.String(), "sessions_revoked": n},
	})
	return ErrTokenReuse
}

// Validate returns the session when it can still authenticate requests.
func (m *Manager) Validate(ctx context.Context, sessionID uuid.UUID) (*store.Session, error) {
	s, err := m.Store.GetSessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	now := m.now()
	switch {
	case s.RevokedAt != nil:
		reason := ""
		if s.RevokedReason != nil {
			reason = *s.RevokedReason
		}
		return nil, &RevokedError{Reason: reason}
	case !now.Before(s.AbsoluteExpiresAt):
		return nil, ErrSessionExpired
	case !now.Before(s.RefreshExpiresAt):
		return nil, ErrRefreshExpired
	}
	return s, nil
}

// RevokeSession revokes one session. Revoking a revoked session is a no-op.
func (m *Manager) RevokeSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if err := m.Store.RevokeSession(ctx, sessionID, reason, m.now()); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeAllUserSessions revokes every live session of the user except the given one.
func (m *Manager) RevokeAllUserSessions(ctx context.Context, userID uuid.UUID, except *uuid.UUID, reason string) (int64, error) {
	n, err := m.Store.RevokeUserSessions(ctx, userID, except, reason, m.now())
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	return n, nil
}

// RevokeFamily revokes every session descended from the same login.
func (m *Manager) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	n, err := m.Store.RevokeFamily(ctx, familyID, ReasonReuseDetected, m.now())
	if err != nil {
		return 0, fmt.Errorf("revoking token family: %w", err)
	}
	return n, nil
}

// ListActiveSessions returns the user's usable sessions, most recently active first.
func (m *Manager) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]store.Session, error) {
	sessions, err := m.Store.ListActiveSessions(ctx, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Cleanup deletes sessions that expired or were revoked more than retention ago.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := m.Store.CleanupExpiredSessions(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning sessions: %w", err)
	}
	return n, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
