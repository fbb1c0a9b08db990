// Package audit records security events in an append-only log.
//
// Writes are best-effort: a persistence failure is logged and swallowed so that
// auditing can never break the flow that emitted the event.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// EventType names one kind of security event.
type EventType string

const (
	LoginSuccess         EventType = "login_success"
	LoginFailed          EventType = "login_failed"
	LoginBlocked         EventType = "login_blocked"
	SessionCreated       EventType = "session_created"
	SessionRefreshed     EventType = "session_refreshed"
	SessionRefreshFailed EventType = "session_refresh_failed"
	SessionRevoked       EventType = "session_revoked"
	SessionsRevokedAll   EventType = "sessions_revoked_all"
	TokenReuseDetected   EventType = "token_reuse_detected"
	MFAChallengeSent     EventType = "mfa_challenge_sent"
	MFAChallengeResent   EventType = "mfa_challenge_resent"
	MFAVerifySuccess     EventType = "mfa_verify_success"
	MFAVerifyFailed      EventType = "mfa_verify_failed"
	MFASettingsChanged   EventType = "mfa_settings_changed"
	DeviceTrusted        EventType = "device_trusted"
	DeviceTrustRevoked   EventType = "device_trust_revoked"
	DeviceTrustRevokeAll EventType = "device_trust_revoked_all"
	AccountLocked        EventType = "account_locked"
	AccountUnlocked      EventType = "account_unlocked"
	PasswordChanged      EventType = "password_changed"
	PasswordRehashed     EventType = "password_rehashed"
	PasswordResetRequest EventType = "password_reset_requested"
	PasswordResetDone    EventType = "password_reset_completed"
)

// Category groups event types for filtering.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategorySession        Category = "session"
	CategoryMFA            Category = "mfa"
	CategoryDevice         Category = "device"
	CategoryAccount        Category = "account"
	CategoryPassword       Category = "password"
	CategoryOther          Category = "other"
)

// categoryPrefixes maps event type prefixes to categories, longest prefixes first.
var categoryPrefixes = []struct {
	prefix   string
	category Category
}{
	{"login_", CategoryAuthentication},
	{"session_", CategorySession},
	{"sessions_", CategorySession},
	{"token_", CategorySession},
	{"mfa_", CategoryMFA},
	{"device_", CategoryDevice},
	{"account_", CategoryAccount},
	{"password_", CategoryPassword},
}

// CategoryOf derives the category from the event type prefix.
func CategoryOf(t EventType) Category {
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(string(t), p.prefix) {
			return p.category
		}
	}
	return CategoryOther
}

// Event is one audit record as emitted by a component.
// Optional fields are left zero when unknown.
type Event struct {
	Type          EventType
	Category      Category // derived from Type when empty
	UserID        *uuid.UUID
	SessionID     *uuid.UUID
	DeviceID      string
	IP            string
	UserAgent     string
	Country       string
	Success       bool
	FailureReason string
	Details       Details
}

// Recorder is the narrow surface other components depend on.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Store defines the persistence the audit log needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	InsertAuditEvent(ctx context.Context, e *store.AuditEvent) error
	ListAuditEvents(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error)
	CountAuditEvents(ctx context.Context, since time.Time) ([]store.AuditCount, error)
}

// Log is the audit log component.
type Log struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

// New returns a Log backed by s.
func New(s Store) *Log {
	return &Log{Store: s}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Record sanitizes and persists e. Never fails from the caller's point of view.
func (l *Log) Record(ctx context.Context, e Event) {
	row, err := l.toRow(e)
	if err != nil {
		l.logger().Error("audit event dropped", "event_type", e.Type, "error", err)
		return
	}
	if err := l.Store.InsertAuditEvent(ctx, row); err != nil {
		l.logger().Error("audit write failed", "event_type", e.Type, "success", e.Success, "error", err)
	}
}

func (l *Log) toRow(e Event) (*store.AuditEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating audit id: %w", err)
	}
	category := e.Category
	if category == "" {
		category = CategoryOf(e.Type)
	}
	details, err := json.Marshal(Sanitize(e.Details))
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}
	return &store.AuditEvent{
		ID:            id,
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		EventType:     string(e.Type),
		Category:      string(category),
		IPAddress:     optional(e.IP),
		UserAgent:     optional(e.UserAgent),
		Country:       optional(e.Country),
		DeviceID:      optional(e.DeviceID),
		Success:       e.Success,
		FailureReason: optional(e.FailureReason),
		Details:       details,
		CreatedAt:     l.now(),
	}, nil
}

// Filter narrows Query. Zero-valued fields are ignored.
type Filter struct {
	UserID   *uuid.UUID
	Category Category
	Type     EventType
	Since    *time.Time
	Until    *time.Time
	Success  *bool
	Limit    int
	Offset   int
}

// Query returns events matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]store.AuditEvent, error) {
	events, err := l.Store.ListAuditEvents(ctx, store.AuditFilter{
		UserID:    f.UserID,
		Category:  string(f.Category),
		EventType: string(f.Type),
		Since:     f.Since,
		Until:     f.Until,
		Success:   f.Success,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	return events, nil
}

// Summary returns event counts by type and outcome over the last hours.
func (l *Log) Summary(ctx context.Context, hours int) ([]store.AuditCount, error) {
	if hours <= 0 {
		hours = 24
	}
	counts, err := l.Store.CountAuditEvents(ctx, l.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("counting audit events: %w", err)
	}
	return counts, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
