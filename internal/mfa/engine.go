// Package mfa decides when a second factor is needed and runs email OTP challenges.
package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MethodEmailOTP is the only challenge method issued.
const MethodEmailOTP = "email_otp"

// Trigger reasons, stored on the challenge and returned to the client.
const (
	TriggerAlways        = "always_required"
	TriggerNewDevice     = "new_device"
	TriggerNewCountry    = "new_country"
	TriggerInactivity    = "inactivity"
	TriggerPasswordLogin = "password_login"
)

// FederatedProviders are identity providers whose own authentication is trusted:
// logins through them only need MFA when the user forces it.
var FederatedProviders = map[string]bool{
	"google":    true,
	"microsoft": true,
}

// Store defines the persistence the engine needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	GetMFASettings(ctx context.Context, userID uuid.UUID) (*store.MFASettings, error)
	UpsertMFASettings(ctx context.Context, s *store.MFASettings) error
	CreateChallenge(ctx context.Context, c *store.MFAChallenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*store.MFAChallenge, error)
	IncrementChallengeAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkChallengeVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ResetChallengeCode(ctx context.Context, id uuid.UUID, codeHash []byte, now time.Time) (bool, error)
	CleanupChallenges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Signals are the device risk checks the decision reads. Satisfied by *device.Trust.
type Signals interface {
	IsTrusted(ctx context.Context, userID uuid.UUID, deviceID, fingerprint string) (device.Status, error)
	IsNewDevice(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error)
	HasLocationChanged(ctx context.Context, userID uuid.UUID, country string) (bool, error)
	HasBeenInactive(ctx context.Context, userID uuid.UUID, days int) (bool, error)
}

// Engine is the MFA component.
type Engine struct {
	Store   Store
	Signals Signals
	Mailer  mail.Mailer
	Audit   audit.Recorder

	OTPExpiry      time.Duration
	MaxAttempts    int
	InactivityDays int
	SendTimeout    time.Duration

	Now func() time.Time
}

// New returns an Engine with 10 minute codes, 5 attempts, a 30 day inactivity
// threshold and a 30 second email timeout.
func New(s Store, signals Signals, mailer mail.Mailer, rec audit.Recorder) *Engine {
	return &Engine{
		Store:          s,
		Signals:        signals,
		Mailer:         mailer,
		Audit:          rec,
		OTPExpiry:      10 * time.Minute,
		MaxAttempts:    5,
		InactivityDays: 30,
		SendTimeout:    30 * time.Second,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Attempt describes the login being evaluated.
type Attempt struct {
	UserID      uuid.UUID
	Provider    string // "" or "password" for password logins
	DeviceID    string
	Fingerprint string
	IP          string
	Country     string
}

// Decision is the outcome of Required.
type Decision struct {
	Required bool
	Reason   string
}

// Required decides whether the login needs a second factor, first match wins:
// federated provider, forced, trusted device, new device, new country,
// inactivity, any method enabled.
func (e *Engine) Required(ctx context.Context, a Attempt) (Decision, error) {
	settings, err := e.Store.GetMFASettings(ctx, a.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading mfa settings: %w", err)
	}

	if FederatedProviders[a.Provider] {
		if settings.ForceAlways {
			return Decision{Required: true, Reason: TriggerAlways}, nil
		}
		return Decision{}, nil
	}
	if settings.ForceAlways {
		return Decision{Required: true, Reason: TriggerAlways}, nil
	}

	trust, err := e.Signals.IsTrusted(ctx, a.UserID, a.DeviceID, a.Fingerprint)
	if err != nil {
		return Decision{}, err
	}
	if trust.Trusted && !trust.FingerprintChanged {
		return Decision{}, nil
	}

	isNew, err := e.Signals.IsNewDevice(ctx, a.UserID, a.DeviceID)
	if err != nil {
		return Decision{}, err
	}
	if isNew {
		return Decision{Required: true, Reason: TriggerNewDevice}, nil
	}

	moved, err := e.Signals.HasLocationChanged(ctx, a.UserID, a.Country)
	if err != nil {
		return Decision{}, err
	}
	if moved {
		return Decision{Required: true, Reason: TriggerNewCountry}, nil
	}

	inactive, err := e.Signals.HasBeenInactive(ctx, a.UserID, e.InactivityDays)
	if err != nil {
		return Decision{}, err
	}
	if inactive {
		return Decision{Required: true, Reason: TriggerInactivity}, nil
	}

	if settings.HasAnyEnabled() {
		return Decision{Required: true, Reason: TriggerPasswordLogin}, nil
	}
	return Decision{}, nil
}

// Settings returns the user's MFA settings, zero-valued when never saved.
func (e *Engine) Settings(ctx context.Context, userID uuid.UUID) (*store.MFASettings, error) {
	s, err := e.Store.GetMFASettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading mfa settings: %w", err)
	}
	return s, nil
}

// SaveSettings persists s. Callers follow up with the session orchestrator's OnMFAChange.
func (e *Engine) SaveSettings(ctx context.Context, s *store.MFASettings) error {
	s.UpdatedAt = e.now()
	if err := e.Store.UpsertMFASettings(ctx, s); err != nil {
		return fmt.Errorf("saving mfa settings: %w", err)
	}
	return nil
}
