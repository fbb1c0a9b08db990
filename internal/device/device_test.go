// device_test.go
package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uaChromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaEdgeWindows   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	uaSafariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaFirefoxLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	uaChromeAndroid = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaSafariMac     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		browser string
		os      string
		label   string
	}{
		{"chrome on windows", uaChromeWindows, "Chrome", "Windows", "Chrome on Windows"},
		{"edge is not mistaken for chrome", uaEdgeWindows, "Edge", "Windows", "Edge on Windows"},
		{"iphone is ios not macos", uaSafariIPhone, "Safari", "iOS", "Safari on iOS"},
		{"firefox on linux", uaFirefoxLinux, "Firefox", "Linux", "Firefox on Linux"},
		{"android is not plain linux", uaChromeAndroid, "Chrome", "Android", "Chrome on Android"},
		{"safari on mac", uaSafariMac, "Safari", "macOS", "Safari on macOS"},
		{"missing user agent", "", "Unknown", "Unknown", "Unknown device"},
		{"unrecognised user agent", "curl/8.4.0", "Unknown", "Unknown", "Unknown device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := device.ParseUserAgent(tt.ua)
			assert.Equal(t, tt.browser, got.Browser)
			assert.Equal(t, tt.os, got.OS)
			assert.Equal(t, tt.label, got.Label)
		})
	}
}

func TestDeriveFingerprint(t *testing.T) {
	c := device.Characteristics{
		UserAgent:        uaChromeWindows,
		AcceptLanguage:   "en-US",
		ScreenResolution: "1920x1080",
		Timezone:         "America/New_York",
		Platform:         "Win32",
	}

	t.Run("is 32 hex chars and stable", func(t *testing.T) {
		fp := device.DeriveFingerprint(c, "")
		assert.Len(t, fp, 32)
		assert.Regexp(t, "^[0-9a-f]{32}$", fp)
		assert.Equal(t, fp, device.DeriveFingerprint(c, ""))
	})

	t.Run("ignores case", func(t *testing.T) {
		upper := c
		upper.AcceptLanguage = "EN-us"
		assert.Equal(t, device.DeriveFingerprint(c, ""), device.DeriveFingerprint(upper, ""))
	})

	t.Run("changes with any characteristic", func(t *testing.T) {
		other := c
		other.Timezone = "Europe/Berlin"
		assert.NotEqual(t, device.DeriveFingerprint(c, ""), device.DeriveFingerprint(other, ""))
	})

	t.Run("client-provided fingerprint wins", func(t *testing.T) {
		assert.Equal(t, "client-fp", device.DeriveFingerprint(c, "client-fp"))
	})
}

func newTrust(t *testing.T) (*device.Trust, *testutil.MemStore, *testutil.Clock, uuid.UUID) {
	t.Helper()
	userID := uuid.Must(uuid.NewV7())
	ms := testutil.NewMemStore(&store.User{ID: userID, Email: "dev@example.com", Role: "client"})
	clock := testutil.NewClock(testutil.BaseTime)
	rec := audit.New(ms)
	rec.Now = clock.Now
	tr := device.New(ms, rec)
	tr.Now = clock.Now
	return tr, ms, clock, userID
}

func TestTrust(t *testing.T) {
	ctx := context.Background()

	t.Run("trust then revoke round trip", func(t *testing.T) {
		tr, ms, _, userID := newTrust(t)
		_, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d1", Fingerprint: "fp1"}, "203.0.113.10", uaChromeWindows)
		require.NoError(t, err)

		st, err := tr.IsTrusted(ctx, userID, "d1", "fp1")
		require.NoError(t, err)
		assert.True(t, st.Trusted)
		assert.False(t, st.FingerprintChanged)

		ok, err := tr.RevokeDeviceTrust(ctx, userID, "d1")
		require.NoError(t, err)
		assert.True(t, ok)

		st, err = tr.IsTrusted(ctx, userID, "d1", "fp1")
		require.NoError(t, err)
		assert.False(t, st.Trusted)

		assert.Len(t, ms.EventsOfType(string(audit.DeviceTrusted)), 1)
		assert.Len(t, ms.EventsOfType(string(audit.DeviceTrustRevoked)), 1)
	})

	t.Run("label falls back to the parsed user agent", func(t *testing.T) {
		tr, _, _, userID := newTrust(t)
		d, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d1"}, "", uaSafariIPhone)
		require.NoError(t, err)
		assert.Equal(t, "Safari on iOS", d.Label)
	})

	t.Run("changed fingerprint stays trusted with a flag", func(t *testing.T) {
		tr, _, _, userID := newTrust(t)
		_, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d1", Fingerprint: "fp1"}, "", "")
		require.NoError(t, err)

		st, err := tr.IsTrusted(ctx, userID, "d1", "fp2")
		require.NoError(t, err)
		assert.True(t, st.Trusted)
		assert.True(t, st.FingerprintChanged)
	})

	t.Run("trust expires after the ttl", func(t *testing.T) {
		tr, _, clock, userID := newTrust(t)
		_, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d1"}, "", "")
		require.NoError(t, err)

		clock.Advance(30 * 24 * time.Hour)
		st, err := tr.IsTrusted(ctx, userID, "d1", "")
		require.NoError(t, err)
		assert.False(t, st.Trusted)
	})

	t.Run("is trusted updates last used", func(t *testing.T) {
		tr, ms, clock, userID := newTrust(t)
		_, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d1"}, "", "")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = tr.IsTrusted(ctx, userID, "d1", "")
		require.NoError(t, err)
		d, err := ms.GetTrustedDevice(ctx, userID, "d1")
		require.NoError(t, err)
		require.NotNil(t, d.LastUsedAt)
		assert.Equal(t, clock.Now(), *d.LastUsedAt)
	})

	t.Run("revoke all and list", func(t *testing.T) {
		tr, ms, _, userID := newTrust(t)
		for _, id := range []string{"d1", "d2", "d3"} {
			_, err := tr.TrustDevice(ctx, userID, device.Info{DeviceID: id}, "", "")
			require.NoError(t, err)
		}
		devices, err := tr.ListTrustedDevices(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, devices, 3)

		n, err := tr.RevokeAllTrustedDevices(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		devices, err = tr.ListTrustedDevices(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, devices)
		assert.Len(t, ms.EventsOfType(string(audit.DeviceTrustRevokeAll)), 1)
	})

	t.Run("revoking an untrusted device reports false without audit", func(t *testing.T) {
		tr, ms, _, userID := newTrust(t)
		ok, err := tr.RevokeDeviceTrust(ctx, userID, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, ms.EventsOfType(string(audit.DeviceTrustRevoked)))
	})
}

func seedSession(ms *testutil.MemStore, userID uuid.UUID, deviceID, country string, at time.Time) {
	s := &store.Session{
		ID:                uuid.Must(uuid.NewV7()),
		UserID:            userID,
		DeviceID:          deviceID,
		FamilyID:          uuid.Must(uuid.NewV7()),
		RefreshTokenHash:  []byte(uuid.Must(uuid.NewV4()).String()),
		RefreshExpiresAt:  at.Add(30 * 24 * time.Hour),
		AbsoluteExpiresAt: at.Add(90 * 24 * time.Hour),
		LastActivityAt:    at,
		CreatedAt:         at,
	}
	if country != "" {
		s.Country = &country
	}
	_ = ms.CreateSession(context.Background(), s)
}

func TestRiskSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("new device until a session or trust exists", func(t *testing.T) {
		tr, ms, clock, userID := newTrust(t)
		isNew, err := tr.IsNewDevice(ctx, userID, "d1")
		require.NoError(t, err)
		assert.True(t, isNew)

		seedSession(ms, userID, "d1", "US", clock.Now())
		isNew, err = tr.IsNewDevice(ctx, userID, "d1")
		require.NoError(t, err)
		assert.False(t, isNew)

		_, err = tr.TrustDevice(ctx, userID, device.Info{DeviceID: "d2"}, "", "")
		require.NoError(t, err)
		isNew, err = tr.IsNewDevice(ctx, userID, "d2")
		require.NoError(t, err)
		assert.False(t, isNew)
	})

	t.Run("location change compares against 30 day history", func(t *testing.T) {
		tr, ms, clock, userID := newTrust(t)

		changed, err := tr.HasLocationChanged(ctx, userID, "CA")
		require.NoError(t, err)
		assert.False(t, changed, "no history is not a change")

		seedSession(ms, userID, "d1", "US", clock.Now())
		changed, err = tr.HasLocationChanged(ctx, userID, "US")
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = tr.HasLocationChanged(ctx, userID, "CA")
		require.NoError(t, err)
		assert.True(t, changed)

		clock.Advance(31 * 24 * time.Hour)
		changed, err = tr.HasLocationChanged(ctx, userID, "CA")
		require.NoError(t, err)
		assert.False(t, changed, "history older than 30 days is ignored")
	})

	t.Run("inactivity uses the latest of session activity and last login", func(t *testing.T) {
		tr, ms, clock, userID := newTrust(t)

		inactive, err := tr.HasBeenInactive(ctx, userID, 30)
		require.NoError(t, err)
		assert.True(t, inactive, "no activity at all is inactive")

		seedSession(ms, userID, "d1", "", clock.Now())
		clock.Advance(10 * 24 * time.Hour)
		inactive, err = tr.HasBeenInactive(ctx, userID, 30)
		require.NoError(t, err)
		assert.False(t, inactive)

		clock.Advance(25 * 24 * time.Hour)
		inactive, err = tr.HasBeenInactive(ctx, userID, 30)
		require.NoError(t, err)
		assert.True(t, inactive)

		require.NoError(t, ms.RecordSuccessfulLogin(ctx, userID, clock.Now().Add(-24*time.Hour)))
		inactive, err = tr.HasBeenInactive(ctx, userID, 30)
		require.NoError(t, err)
		assert.False(t, inactive)
	})
}
