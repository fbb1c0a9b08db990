// mfa_test.go
package mfa_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/mfa"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var maskPattern = regexp.MustCompile(`^.\*+.@.\*+\.\*+$`)

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

type fixture struct {
	ms     *testutil.MemStore
	clock  *testutil.Clock
	mailer *testutil.MockMailer
	trust  *device.Trust
	engine *mfa.Engine
	user   *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	user := &store.User{ID: uuid.Must(uuid.NewV7()), Email: "alice@example.com", Role: "client"}
	ms := testutil.NewMemStore(user)
	clock := testutil.NewClock(testutil.BaseTime)
	rec := audit.New(ms)
	rec.Now = clock.Now
	tr := device.New(ms, rec)
	tr.Now = clock.Now
	mailer := &testutil.MockMailer{}
	e := mfa.New(ms, tr, mailer, rec)
	e.Now = clock.Now
	return &fixture{ms: ms, clock: clock, mailer: mailer, trust: tr, engine: e, user: user}
}

// lastCode pulls the OTP out of the most recent captured email.
func (f *fixture) lastCode(t *testing.T) string {
	t.Helper()
	msg := f.mailer.Last()
	require.NotNil(t, msg, "no email captured")
	code := codePattern.FindString(msg.Text)
	require.NotEmpty(t, code, "no code in %q", msg.Text)
	return code
}

func (f *fixture) challenge(t *testing.T) *mfa.Challenge {
	t.Helper()
	c, err := f.engine.CreateEmailOTPChallenge(context.Background(), mfa.ChallengeRequest{
		UserID: f.user.ID,
		Email:  f.user.Email,
		Reason: mfa.TriggerNewDevice,
		Meta:   mfa.Meta{IP: "203.0.113.10"},
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) seedSession(t *testing.T, deviceID, country string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.ms.CreateSession(context.Background(), &store.Session{
		ID:                uuid.Must(uuid.NewV7()),
		UserID:            f.user.ID,
		DeviceID:          deviceID,
		FamilyID:          uuid.Must(uuid.NewV7()),
		RefreshTokenHash:  []byte(uuid.Must(uuid.NewV4()).String()),
		Country:           &country,
		RefreshExpiresAt:  now.Add(30 * 24 * time.Hour),
		AbsoluteExpiresAt: now.Add(90 * 24 * time.Hour),
		LastActivityAt:    now,
		CreatedAt:         now,
	}))
}

// --- Decision ---

func TestRequired(t *testing.T) {
	ctx := context.Background()

	t.Run("federated login skips mfa unless forced", func(t *testing.T) {
		f := newFixture(t)
		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, Provider: "google", DeviceID: "brand-new"})
		require.NoError(t, err)
		assert.False(t, d.Required)

		require.NoError(t, f.engine.SaveSettings(ctx, &store.MFASettings{UserID: f.user.ID, ForceAlways: true}))
		d, err = f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, Provider: "microsoft"})
		require.NoError(t, err)
		assert.Equal(t, mfa.Decision{Required: true, Reason: mfa.TriggerAlways}, d)
	})

	t.Run("forced beats a trusted device", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.trust.TrustDevice(ctx, f.user.ID, device.Info{DeviceID: "d1"}, "", "")
		require.NoError(t, err)
		require.NoError(t, f.engine.SaveSettings(ctx, &store.MFASettings{UserID: f.user.ID, ForceAlways: true}))

		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1"})
		require.NoError(t, err)
		assert.Equal(t, mfa.TriggerAlways, d.Reason)
	})

	t.Run("trusted device skips the risk checks", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.trust.TrustDevice(ctx, f.user.ID, device.Info{DeviceID: "d1", Fingerprint: "fp"}, "", "")
		require.NoError(t, err)
		f.seedSession(t, "d1", "US")
		require.NoError(t, f.engine.SaveSettings(ctx, &store.MFASettings{UserID: f.user.ID, EmailOTPEnabled: true}))

		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Fingerprint: "fp", Country: "CA"})
		require.NoError(t, err)
		assert.False(t, d.Required)
	})

	t.Run("changed fingerprint loses the trust waiver", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.trust.TrustDevice(ctx, f.user.ID, device.Info{DeviceID: "d1", Fingerprint: "fp"}, "", "")
		require.NoError(t, err)
		f.seedSession(t, "d1", "US")

		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Fingerprint: "other", Country: "CA"})
		require.NoError(t, err)
		assert.Equal(t, mfa.TriggerNewCountry, d.Reason)
	})

	t.Run("unknown device is new_device", func(t *testing.T) {
		f := newFixture(t)
		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d9", Country: "US"})
		require.NoError(t, err)
		assert.Equal(t, mfa.Decision{Required: true, Reason: mfa.TriggerNewDevice}, d)
	})

	t.Run("known device in a new country is new_country", func(t *testing.T) {
		f := newFixture(t)
		f.seedSession(t, "d1", "US")
		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Country: "CA"})
		require.NoError(t, err)
		assert.Equal(t, mfa.TriggerNewCountry, d.Reason)
	})

	t.Run("long absence is inactivity", func(t *testing.T) {
		f := newFixture(t)
		f.seedSession(t, "d1", "US")
		f.clock.Advance(35 * 24 * time.Hour)

		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Country: "US"})
		require.NoError(t, err)
		assert.Equal(t, mfa.TriggerInactivity, d.Reason)
	})

	t.Run("enabled method on a familiar device is password_login", func(t *testing.T) {
		f := newFixture(t)
		f.seedSession(t, "d1", "US")
		require.NoError(t, f.engine.SaveSettings(ctx, &store.MFASettings{UserID: f.user.ID, EmailOTPEnabled: true}))

		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Country: "US"})
		require.NoError(t, err)
		assert.Equal(t, mfa.TriggerPasswordLogin, d.Reason)
	})

	t.Run("nothing risky and nothing enabled needs no mfa", func(t *testing.T) {
		f := newFixture(t)
		f.seedSession(t, "d1", "US")
		d, err := f.engine.Required(ctx, mfa.Attempt{UserID: f.user.ID, DeviceID: "d1", Country: "US"})
		require.NoError(t, err)
		assert.False(t, d.Required)
		assert.Empty(t, d.Reason)
	})
}

// --- Challenges ---

func TestCreateEmailOTPChallenge(t *testing.T) {
	ctx := context.Background()

	t.Run("stores only the hash and mails the code", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)

		assert.True(t, c.EmailSent)
		assert.Equal(t, testutil.BaseTime.Add(10*time.Minute), c.ExpiresAt)
		assert.Regexp(t, maskPattern, c.MaskedEmail)

		row, err := f.ms.GetChallenge(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, row.Attempts)
		assert.Equal(t, 5, row.MaxAttempts)
		assert.Len(t, row.CodeHash, 32)
		assert.NotContains(t, string(row.CodeHash), f.lastCode(t))
		assert.Equal(t, "alice@example.com", f.mailer.Last().To)

		sent := f.ms.EventsOfType(string(audit.MFAChallengeSent))
		require.Len(t, sent, 1)
		assert.True(t, sent[0].Success)
		assert.NotContains(t, string(sent[0].Details), f.lastCode(t))
	})

	t.Run("second challenge leaves exactly one live", func(t *testing.T) {
		f := newFixture(t)
		first := f.challenge(t)
		f.clock.Advance(time.Second)
		second := f.challenge(t)

		assert.Equal(t, 1, f.ms.LiveChallenges(f.user.ID, f.clock.Now()))
		_, err := f.engine.VerifyOTP(ctx, first.ID, "000000", mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrExpired)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("unconfigured mail keeps the challenge with email_sent false", func(t *testing.T) {
		f := newFixture(t)
		f.mailer.Unconfigured = true
		c := f.challenge(t)

		assert.False(t, c.EmailSent)
		_, err := f.ms.GetChallenge(ctx, c.ID)
		require.NoError(t, err)
		sent := f.ms.EventsOfType(string(audit.MFAChallengeSent))
		require.Len(t, sent, 1)
		assert.False(t, sent[0].Success)
		assert.Equal(t, "email_not_configured", *sent[0].FailureReason)
	})

	t.Run("send failure is reported not raised", func(t *testing.T) {
		f := newFixture(t)
		f.mailer.SendErr = errors.New("smtp down")
		c := f.challenge(t)
		assert.False(t, c.EmailSent)
	})
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("correct code verifies once", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)
		code := f.lastCode(t)

		v, err := f.engine.VerifyOTP(ctx, c.ID, code, mfa.Meta{})
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, v.UserID)
		assert.Equal(t, mfa.TriggerNewDevice, v.Reason)

		_, err = f.engine.VerifyOTP(ctx, c.ID, code, mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrAlreadyVerified)
		assert.Len(t, f.ms.EventsOfType(string(audit.MFAVerifySuccess)), 1)
	})

	t.Run("wrong code reports remaining attempts", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)

		_, err := f.engine.VerifyOTP(ctx, c.ID, "not-it", mfa.Meta{})
		require.ErrorIs(t, err, mfa.ErrInvalidCode)
		var invalid *mfa.InvalidCodeError
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, 4, invalid.Remaining)

		failed := f.ms.EventsOfType(string(audit.MFAVerifyFailed))
		require.Len(t, failed, 1)
		assert.Equal(t, "invalid_code", *failed[0].FailureReason)
	})

	t.Run("final allowed attempt can succeed and the next always fails", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)
		code := f.lastCode(t)
		for i := 0; i < 4; i++ {
			_, err := f.engine.VerifyOTP(ctx, c.ID, "xxxxxx", mfa.Meta{})
			require.ErrorIs(t, err, mfa.ErrInvalidCode)
		}
		_, err := f.engine.VerifyOTP(ctx, c.ID, code, mfa.Meta{})
		require.NoError(t, err)

		g := newFixture(t)
		c = g.challenge(t)
		code = g.lastCode(t)
		for i := 0; i < 5; i++ {
			_, err := g.engine.VerifyOTP(ctx, c.ID, "xxxxxx", mfa.Meta{})
			require.ErrorIs(t, err, mfa.ErrInvalidCode)
		}
		_, err = g.engine.VerifyOTP(ctx, c.ID, code, mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrMaxAttempts)
	})

	t.Run("expired challenge is rejected", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)
		code := f.lastCode(t)
		f.clock.Advance(10 * time.Minute)

		_, err := f.engine.VerifyOTP(ctx, c.ID, code, mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrExpired)
	})

	t.Run("unknown challenge is not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.VerifyOTP(ctx, uuid.Must(uuid.NewV7()), "123456", mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrChallengeNotFound)
	})
}

func TestResend(t *testing.T) {
	ctx := context.Background()

	t.Run("new code resets attempts and keeps expiry", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)
		oldCode := f.lastCode(t)
		_, err := f.engine.VerifyOTP(ctx, c.ID, "xxxxxx", mfa.Meta{})
		require.ErrorIs(t, err, mfa.ErrInvalidCode)

		f.clock.Advance(2 * time.Minute)
		again, err := f.engine.Resend(ctx, c.ID, f.user.Email, mfa.Meta{})
		require.NoError(t, err)
		assert.Equal(t, c.ExpiresAt, again.ExpiresAt)
		assert.True(t, again.EmailSent)

		row, err := f.ms.GetChallenge(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, row.Attempts)

		newCode := f.lastCode(t)
		if newCode != oldCode {
			_, err = f.engine.VerifyOTP(ctx, c.ID, oldCode, mfa.Meta{})
			assert.ErrorIs(t, err, mfa.ErrInvalidCode)
		}
		_, err = f.engine.VerifyOTP(ctx, c.ID, newCode, mfa.Meta{})
		assert.NoError(t, err)
		assert.Len(t, f.ms.EventsOfType(string(audit.MFAChallengeResent)), 1)
	})

	t.Run("dead challenge cannot be resent", func(t *testing.T) {
		f := newFixture(t)
		c := f.challenge(t)
		f.clock.Advance(11 * time.Minute)
		_, err := f.engine.Resend(ctx, c.ID, f.user.Email, mfa.Meta{})
		assert.ErrorIs(t, err, mfa.ErrExpired)
	})
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.challenge(t)
	f.clock.Advance(30 * time.Minute)
	n, err := f.engine.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = f.engine.Cleanup(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestGenerateCode(t *testing.T) {
	counts := map[byte]int{}
	for i := 0; i < 500; i++ {
		code, err := mfa.GenerateCode()
		require.NoError(t, err)
		require.Regexp(t, `^\d{6}$`, code)
		for j := range code {
			counts[code[j]]++
		}
	}
	assert.Len(t, counts, 10, "every digit should appear across 3000 draws")
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "a***e@e******.***"},
		{"bo@x.io", "b*o@x*.**"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			got := mfa.MaskEmail(tt.email)
			assert.Equal(t, tt.want, got)
			assert.Regexp(t, maskPattern, got)
		})
	}

	t.Run("one character local part is not repeated", func(t *testing.T) {
		assert.Equal(t, "j*@m******.**", mfa.MaskEmail("j@mail.co.uk"))
	})

	t.Run("malformed input is fully masked", func(t *testing.T) {
		assert.Equal(t, "***", mfa.MaskEmail("no-at-sign"))
	})
}
