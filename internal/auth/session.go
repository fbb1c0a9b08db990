// session.go

// Refresh token cookie and client context extraction.
package auth

import (
	"net"
	"net/http"
	"time"

	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/session"
)

const refreshCookie = "__Host-refresh"

// Request headers carrying device identity. The device ID is minted and stored by
// the client; the characteristic headers feed the fingerprint when none is sent.
const (
	headerDeviceID    = "X-Device-ID"
	headerFingerprint = "X-Device-Fingerprint"
	headerDeviceLabel = "X-Device-Label"
	headerScreen      = "X-Screen-Resolution"
	headerTimezone    = "X-Timezone"
	headerPlatform    = "X-Platform"
	// Set by the edge proxy.
	headerCountry = "CF-IPCountry"
	headerCity    = "CF-IPCity"
)

// SetRefreshCookie writes __Host-refresh with HttpOnly, Secure, SameSite=Strict.
func SetRefreshCookie(w http.ResponseWriter, raw string, expiresAt, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   max(int(expiresAt.Sub(now).Seconds()), 1),
	})
}

// ClearRefreshCookie overwrites __Host-refresh with MaxAge=-1 to trigger browser deletion.
func ClearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// clientIP strips the port from RemoteAddr; chi's RealIP middleware has already
// applied X-Forwarded-For when the server runs behind a proxy.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// clientFrom collects what the request tells us about the caller's device and location.
func clientFrom(r *http.Request) session.Client {
	fp := device.DeriveFingerprint(device.Characteristics{
		UserAgent:        r.UserAgent(),
		AcceptLanguage:   r.Header.Get("Accept-Language"),
		ScreenResolution: r.Header.Get(headerScreen),
		Timezone:         r.Header.Get(headerTimezone),
		Platform:         r.Header.Get(headerPlatform),
	}, r.Header.Get(headerFingerprint))

	country := r.Header.Get(headerCountry)
	// Cloudflare marks unknown and Tor traffic with XX and T1.
	if country == "XX" || country == "T1" {
		country = ""
	}
	return session.Client{
		DeviceID:    r.Header.Get(headerDeviceID),
		Fingerprint: fp,
		DeviceLabel: r.Header.Get(headerDeviceLabel),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		Country:     country,
		City:        r.Header.Get(headerCity),
	}
}
