// stores.go
//
// Shared in-memory implementation of every store interface the components consume.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MemStore mirrors store.PostgresStore semantics in memory.
// Every table is a map guarded by one mutex.
// Use *Err fields to inject errors for specific operations.
type MemStore struct {
	// Error injection...zero value means no error
	GetUserErr         error
	CreateSessionErr   error
	RotateErr          error
	InsertAuditErr     error
	CreateChallengeErr error
	UpdatePasswordErr  error

	Users      map[uuid.UUID]*store.User
	Sessions   map[uuid.UUID]*store.Session
	Devices    map[string]*store.TrustedDevice // keyed by userID|deviceID
	MFA        map[uuid.UUID]*store.MFASettings
	Challenges map[uuid.UUID]*store.MFAChallenge
	RateLimits map[string]*store.RateLimitRecord // keyed by keyHash|scope
	Audit      []store.AuditEvent
	Resets     map[string]*store.PasswordResetToken // keyed by string(tokenHash)

	mu sync.Mutex
}

// NewMemStore returns an empty MemStore seeded with the given users.
func NewMemStore(users ...*store.User) *MemStore {
	m := &MemStore{
		Users:      make(map[uuid.UUID]*store.User),
		Sessions:   make(map[uuid.UUID]*store.Session),
		Devices:    make(map[string]*store.TrustedDevice),
		MFA:        make(map[uuid.UUID]*store.MFASettings),
		Challenges: make(map[uuid.UUID]*store.MFAChallenge),
		RateLimits: make(map[string]*store.RateLimitRecord),
		Resets:     make(map[string]*store.PasswordResetToken),
	}
	for _, u := range users {
		m.Users[u.ID] = u
	}
	return m
}

// --- Users ---

func (m *MemStore) CreateUser(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Email = strings.ToLower(cp.Email)
	if cp.Role == "" {
		cp.Role = "client"
	}
	m.Users[cp.ID] = &cp
	return nil
}

func (m *MemStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MemStore) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (m *MemStore) MarkPasswordChanged(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[id]; ok {
		u.PasswordChangedAt = &at
	}
	return nil
}

func (m *MemStore) RecordSuccessfulLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[id]; ok {
		u.FailedLoginCount = 0
		u.LastLoginAt = &at
	}
	return nil
}

func (m *MemStore) IncrementFailedLogins(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	u.FailedLoginCount++
	return u.FailedLoginCount, nil
}

func (m *MemStore) LockUser(_ context.Context, id uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LockedUntil = &until
	u.FailedLoginCount = 0
	return nil
}

func (m *MemStore) UnlockUser(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LockedUntil = nil
	u.FailedLoginCount = 0
	return nil
}

// --- Password reset tokens ---

func (m *MemStore) CreatePasswordResetToken(_ context.Context, t *store.PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.Resets[string(t.TokenHash)] = &cp
	return nil
}

func (m *MemStore) GetPasswordResetToken(_ context.Context, tokenHash []byte, now time.Time) (*store.PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Resets[string(tokenHash)]
	if !ok || t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) ConsumePasswordResetToken(_ context.Context, tokenHash []byte, now time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Resets[string(tokenHash)]
	if !ok || t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return uuid.Nil, store.ErrNotFound
	}
	t.UsedAt = &now
	return t.UserID, nil
}

// --- Sessions ---

func (m *MemStore) CreateSession(_ context.Context, s *store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.Sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSessionByID(_ context.Context, id uuid.UUID) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) GetSessionByRefreshHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	return m.findSession(func(s *store.Session) bool { return bytes.Equal(s.RefreshTokenHash, tokenHash) })
}

func (m *MemStore) GetSessionByPreviousHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	return m.findSession(func(s *store.Session) bool {
		return s.PreviousTokenHash != nil && bytes.Equal(s.PreviousTokenHash, tokenHash)
	})
}

func (m *MemStore) findSession(match func(*store.Session) bool) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Sessions {
		if match(s) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// RotateRefreshToken is a compare-and-swap on the current hash, like the SQL version.
func (m *MemStore) RotateRefreshToken(_ context.Context, r store.Rotation) (bool, error) {
	if m.RotateErr != nil {
		return false, m.RotateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[r.SessionID]
	if !ok || s.RevokedAt != nil || !bytes.Equal(s.RefreshTokenHash, r.OldHash) {
		return false, nil
	}
	s.PreviousTokenHash = s.RefreshTokenHash
	s.RefreshTokenHash = r.NewHash
	s.RefreshExpiresAt = r.RefreshExpiresAt
	s.LastActivityAt = r.LastActivityAt
	if r.IPAddress != nil {
		s.IPAddress = r.IPAddress
	}
	if r.UserAgent != nil {
		s.UserAgent = r.UserAgent
	}
	return true, nil
}

func (m *MemStore) RevokeSession(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[id]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
		s.RevokedReason = &reason
	}
	return nil
}

func (m *MemStore) RevokeUserSessions(_ context.Context, userID uuid.UUID, except *uuid.UUID, reason string, at time.Time) (int64, error) {
	return m.revokeWhere(func(s *store.Session) bool {
		return s.UserID == userID && (except == nil || s.ID != *except)
	}, reason, at), nil
}

func (m *MemStore) RevokeFamily(_ context.Context, familyID uuid.UUID, reason string, at time.Time) (int64, error) {
	return m.revokeWhere(func(s *store.Session) bool { return s.FamilyID == familyID }, reason, at), nil
}

func (m *MemStore) revokeWhere(match func(*store.Session) bool, reason string, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.Sessions {
		if s.RevokedAt == nil && match(s) {
			s.RevokedAt = &at
			r := reason
			s.RevokedReason = &r
			n++
		}
	}
	return n
}

func (m *MemStore) ListActiveSessions(_ context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.Sessions {
		if s.UserID == userID && s.Usable(now) {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b store.Session) int { return b.LastActivityAt.Compare(a.LastActivityAt) })
	return out, nil
}

func (m *MemStore) CleanupExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.Sessions {
		if s.RefreshExpiresAt.Before(cutoff) || s.AbsoluteExpiresAt.Before(cutoff) ||
			(s.RevokedAt != nil && s.RevokedAt.Before(cutoff)) {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) DeviceSeen(_ context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Devices[deviceKey(userID, deviceID)]; ok {
		return true, nil
	}
	for _, s := range m.Sessions {
		if s.UserID == userID && s.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) SessionCountriesSince(_ context.Context, userID uuid.UUID, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.Sessions {
		if s.UserID == userID && s.Country != nil && !s.CreatedAt.Before(since) && !slices.Contains(out, *s.Country) {
			out = append(out, *s.Country)
		}
	}
	return out, nil
}

func (m *MemStore) LastSessionActivity(_ context.Context, userID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, s := range m.Sessions {
		if s.UserID == userID && (last == nil || s.LastActivityAt.After(*last)) {
			t := s.LastActivityAt
			last = &t
		}
	}
	return last, nil
}

// --- Trusted devices ---

func deviceKey(userID uuid.UUID, deviceID string) string {
	return userID.String() + "|" + deviceID
}

func (m *MemStore) GetTrustedDevice(_ context.Context, userID uuid.UUID, deviceID string) (*store.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) UpsertTrustedDevice(_ context.Context, d *store.TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey(d.UserID, d.DeviceID)
	if existing, ok := m.Devices[key]; ok {
		existing.Fingerprint = d.Fingerprint
		existing.Label = d.Label
		existing.IPAddress = d.IPAddress
		existing.ExpiresAt = d.ExpiresAt
		existing.LastUsedAt = d.LastUsedAt
		existing.RevokedAt = nil
		return nil
	}
	cp := *d
	m.Devices[key] = &cp
	return nil
}

func (m *MemStore) TouchTrustedDevice(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Devices {
		if d.ID == id {
			d.LastUsedAt = &at
		}
	}
	return nil
}

func (m *MemStore) RevokeTrustedDevice(_ context.Context, userID uuid.UUID, deviceID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[deviceKey(userID, deviceID)]
	if !ok || d.RevokedAt != nil {
		return false, nil
	}
	d.RevokedAt = &at
	return true, nil
}

func (m *MemStore) RevokeAllTrustedDevices(_ context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.Devices {
		if d.UserID == userID && d.RevokedAt == nil {
			d.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListTrustedDevices(_ context.Context, userID uuid.UUID, now time.Time) ([]store.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TrustedDevice
	for _, d := range m.Devices {
		if d.UserID == userID && d.TrustsAt(now) {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b store.TrustedDevice) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// --- MFA ---

func (m *MemStore) GetMFASettings(_ context.Context, userID uuid.UUID) (*store.MFASettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.MFA[userID]
	if !ok {
		return &store.MFASettings{UserID: userID}, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpsertMFASettings(_ context.Context, s *store.MFASettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.MFA[s.UserID] = &cp
	return nil
}

// CreateChallenge expires the user's live challenges and inserts c under one lock.
func (m *MemStore) CreateChallenge(_ context.Context, c *store.MFAChallenge) error {
	if m.CreateChallengeErr != nil {
		return m.CreateChallengeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prior := range m.Challenges {
		if prior.UserID == c.UserID && prior.VerifiedAt == nil && prior.ExpiresAt.After(c.CreatedAt) {
			prior.ExpiresAt = c.CreatedAt
		}
	}
	cp := *c
	cp.Attempts = 0
	m.Challenges[c.ID] = &cp
	return nil
}

func (m *MemStore) GetChallenge(_ context.Context, id uuid.UUID) (*store.MFAChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Challenges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) IncrementChallengeAttempts(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Challenges[id]
	if !ok || c.VerifiedAt != nil || c.Attempts >= c.MaxAttempts {
		return 0, store.ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *MemStore) MarkChallengeVerified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Challenges[id]
	if !ok || c.VerifiedAt != nil {
		return false, nil
	}
	c.VerifiedAt = &at
	return true, nil
}

func (m *MemStore) ResetChallengeCode(_ context.Context, id uuid.UUID, codeHash []byte, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Challenges[id]
	if !ok || !c.Live(now) {
		return false, nil
	}
	c.CodeHash = codeHash
	c.Attempts = 0
	return true, nil
}

func (m *MemStore) CleanupChallenges(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.Challenges {
		if c.ExpiresAt.Before(cutoff) {
			delete(m.Challenges, id)
			n++
		}
	}
	return n, nil
}

// LiveChallenges counts userID's challenges that are live at now.
func (m *MemStore) LiveChallenges(userID uuid.UUID, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Challenges {
		if c.UserID == userID && c.Live(now) {
			n++
		}
	}
	return n
}

// --- Rate limits ---

func rateKey(keyHash, scope string) string { return keyHash + "|" + scope }

func (m *MemStore) GetRateLimit(_ context.Context, keyHash, scope string) (*store.RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.RateLimits[rateKey(keyHash, scope)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) RecordRateLimitAttempt(_ context.Context, keyHash, scope string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rateKey(keyHash, scope)
	r, ok := m.RateLimits[key]
	if !ok {
		m.RateLimits[key] = &store.RateLimitRecord{KeyHash: keyHash, Scope: scope, Attempts: 1, WindowStart: at, LastAttempt: at}
		return 1, nil
	}
	r.Attempts++
	r.LastAttempt = at
	return r.Attempts, nil
}

func (m *MemStore) LockRateLimit(_ context.Context, keyHash, scope string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.RateLimits[rateKey(keyHash, scope)]; ok {
		r.LockedUntil = &until
	}
	return nil
}

func (m *MemStore) DeleteRateLimit(_ context.Context, keyHash, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.RateLimits, rateKey(keyHash, scope))
	return nil
}

func (m *MemStore) CleanupRateLimits(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.RateLimits {
		if r.LastAttempt.Before(cutoff) && (r.LockedUntil == nil || r.LockedUntil.Before(now)) {
			delete(m.RateLimits, key)
			n++
		}
	}
	return n, nil
}

// --- Audit ---

func (m *MemStore) InsertAuditEvent(_ context.Context, e *store.AuditEvent) error {
	if m.InsertAuditErr != nil {
		return m.InsertAuditErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Audit = append(m.Audit, *e)
	return nil
}

func (m *MemStore) ListAuditEvents(_ context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEvent
	for i := len(m.Audit) - 1; i >= 0; i-- {
		e := m.Audit[i]
		switch {
		case f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID),
			f.Category != "" && e.Category != f.Category,
			f.EventType != "" && e.EventType != f.EventType,
			f.Since != nil && e.CreatedAt.Before(*f.Since),
			f.Until != nil && !e.CreatedAt.Before(*f.Until),
			f.Success != nil && e.Success != *f.Success:
			continue
		}
		out = append(out, e)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CountAuditEvents(_ context.Context, since time.Time) ([]store.AuditCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type k struct {
		t string
		s bool
	}
	counts := map[k]int64{}
	for _, e := range m.Audit {
		if !e.CreatedAt.Before(since) {
			counts[k{e.EventType, e.Success}]++
		}
	}
	out := make([]store.AuditCount, 0, len(counts))
	for key, n := range counts {
		out = append(out, store.AuditCount{EventType: key.t, Success: key.s, Count: n})
	}
	slices.SortFunc(out, func(a, b store.AuditCount) int {
		if c := strings.Compare(a.EventType, b.EventType); c != 0 {
			return c
		}
		if a.Success == b.Success {
			return 0
		}
		if !a.Success {
			return -1
		}
		return 1
	})
	return out, nil
}

// EventsOfType returns recorded audit events with the given type, oldest first.
func (m *MemStore) EventsOfType(eventType string) []store.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEvent
	for _, e := range m.Audit {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
