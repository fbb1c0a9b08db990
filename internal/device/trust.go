// trust.go
//
// Trusted-device records and the risk signals the MFA engine reads.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// locationWindow is how far back session countries count as known.
const locationWindow = 30 * 24 * time.Hour

// Store defines the persistence device trust needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	GetTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string) (*store.TrustedDevice, error)
	UpsertTrustedDevice(ctx context.Context, d *store.TrustedDevice) error
	TouchTrustedDevice(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) (bool, error)
	RevokeAllTrustedDevices(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	ListTrustedDevices(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.TrustedDevice, error)
	DeviceSeen(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error)
	SessionCountriesSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error)
	LastSessionActivity(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Status is the result of IsTrusted.
type Status struct {
	Trusted            bool
	FingerprintChanged bool
}

// Trust manages trusted devices.
type Trust struct {
	Store Store
	Audit audit.Recorder
	TTL   time.Duration
	Now   func() time.Time
}

// New returns a Trust with a 30 day trust lifetime.
func New(s Store, rec audit.Recorder) *Trust {
	return &Trust{Store: s, Audit: rec, TTL: 30 * 24 * time.Hour}
}

func (t *Trust) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// IsTrusted reports whether deviceID is a live trusted device for the user.
// A differing fingerprint keeps it trusted but sets FingerprintChanged.
func (t *Trust) IsTrusted(ctx context.Context, userID uuid.UUID, deviceID, fingerprint string) (Status, error) {
	if deviceID == "" {
		return Status{}, nil
	}
	d, err := t.Store.GetTrustedDevice(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("loading trusted device: %w", err)
	}
	now := t.now()
	if !d.TrustsAt(now) {
		return Status{}, nil
	}
	if err := t.Store.TouchTrustedDevice(ctx, d.ID, now); err != nil {
		return Status{}, fmt.Errorf("touching trusted device: %w", err)
	}
	return Status{
		Trusted:            true,
		FingerprintChanged: fingerprint != "" && d.Fingerprint != "" && fingerprint != d.Fingerprint,
	}, nil
}

// TrustDevice marks the device trusted for TTL, renewing an existing record.
func (t *Trust) TrustDevice(ctx context.Context, userID uuid.UUID, info Info, ip, userAgent string) (*store.TrustedDevice, error) {
	if info.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating device id: %w", err)
	}
	label := info.Label
	if label == "" {
		label = ParseUserAgent(userAgent).Label
	}
	now := t.now()
	d := &store.TrustedDevice{
		ID:          id,
		UserID:      userID,
		DeviceID:    info.DeviceID,
		Fingerprint: info.Fingerprint,
		Label:       label,
		ExpiresAt:   now.Add(t.TTL),
		LastUsedAt:  &now,
		CreatedAt:   now,
	}
	if ip != "" {
		d.IPAddress = &ip
	}
	if err := t.Store.UpsertTrustedDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("trusting device: %w", err)
	}

	t.Audit.Record(ctx, audit.Event{
		Type:      audit.DeviceTrusted,
		UserID:    &userID,
		DeviceID:  info.DeviceID,
		IP:        ip,
		UserAgent: userAgent,
		Success:   true,
		Details:   audit.Details{"label": label, "expires_at": d.ExpiresAt.UTC().Format(time.RFC3339)},
	})
	return d, nil
}

// RevokeDeviceTrust ends trust for one device. Returns false when nothing was trusted.
func (t *Trust) RevokeDeviceTrust(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	ok, err := t.Store.RevokeTrustedDevice(ctx, userID, deviceID, t.now())
	if err != nil {
		return false, fmt.Errorf("revoking device trust: %w", err)
	}
	if ok {
		t.Audit.Record(ctx, audit.Event{
			Type:     audit.DeviceTrustRevoked,
			UserID:   &userID,
			DeviceID: deviceID,
			Success:  true,
		})
	}
	return ok, nil
}

// RevokeAllTrustedDevices ends trust for every device of the user.
func (t *Trust) RevokeAllTrustedDevices(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := t.Store.RevokeAllTrustedDevices(ctx, userID, t.now())
	if err != nil {
		return 0, fmt.Errorf("revoking all device trust: %w", err)
	}
	t.Audit.Record(ctx, audit.Event{
		Type:    audit.DeviceTrustRevokeAll,
		UserID:  &userID,
		Success: true,
		Details: audit.Details{"revoked": n},
	})
	return n, nil
}

// ListTrustedDevices returns the user's currently trusted devices, newest first.
func (t *Trust) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]store.TrustedDevice, error) {
	devices, err := t.Store.ListTrustedDevices(ctx, userID, t.now())
	if err != nil {
		return nil, fmt.Errorf("listing trusted devices: %w", err)
	}
	return devices, nil
}

// IsNewDevice reports whether the user has never had a session or trust record for deviceID.
func (t *Trust) IsNewDevice(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	if deviceID == "" {
		return true, nil
	}
	seen, err := t.Store.DeviceSeen(ctx, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("checking device history: %w", err)
	}
	return !seen, nil
}

// HasLocationChanged reports whether country is absent from the user's last 30 days of
// session countries. No history, or an unknown country, is not a change.
func (t *Trust) HasLocationChanged(ctx context.Context, userID uuid.UUID, country string) (bool, error) {
	if country == "" {
		return false, nil
	}
	countries, err := t.Store.SessionCountriesSince(ctx, userID, t.now().Add(-locationWindow))
	if err != nil {
		return false, fmt.Errorf("loading session countries: %w", err)
	}
	if len(countries) == 0 {
		return false, nil
	}
	for _, c := range countries {
		if c == country {
			return false, nil
		}
	}
	return true, nil
}

// HasBeenInactive reports whether the user's latest sign of life, session activity
// or last login, is older than days. A user with neither is inactive.
func (t *Trust) HasBeenInactive(ctx context.Context, userID uuid.UUID, days int) (bool, error) {
	last, err := t.Store.LastSessionActivity(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("loading last activity: %w", err)
	}
	u, err := t.Store.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("loading user: %w", err)
	}
	if u.LastLoginAt != nil && (last == nil || u.LastLoginAt.After(*last)) {
		last = u.LastLoginAt
	}
	if last == nil {
		return true, nil
	}
	threshold := t.now().Add(-time.Duration(days) * 24 * time.Hour)
	return last.Before(threshold), nil
}
