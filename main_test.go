// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewServer over in-memory stores.
// Catches middleware ordering, route grouping, and real HTTP cookie/header behavior
// that httptest.NewRecorder cannot exercise.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/agencydash/warden/internal/auth"
	"github.com/agencydash/warden/internal/config"
	"github.com/agencydash/warden/internal/oauth"
	"github.com/agencydash/warden/internal/password"
	"github.com/agencydash/warden/internal/session"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"
)

const smokePassword = "Correct-Horse-42!"

// testConfig mirrors LoadConfig's defaults with cheap hashing.
func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		LogLevel:                  slog.LevelWarn,
		JWTSecret:                 "smoke-jwt-secret-smoke-jwt-secret",
		IPHashSecret:              "smoke-ip-secret-smoke-ip-secret-xx",
		AccessTokenTTL:            900 * time.Second,
		RefreshTokenTTL:           30 * 24 * time.Hour,
		SessionAbsoluteTTL:        90 * 24 * time.Hour,
		Argon2MemoryKiB:           1024,
		Argon2Time:                1,
		Argon2Parallelism:         1,
		PasswordMinLength:         12,
		RateLoginIP:               config.RatePolicy{Max: 10, Window: 15 * time.Minute, Lockout: 15 * time.Minute},
		RateLoginUser:             config.RatePolicy{Max: 5, Window: 15 * time.Minute, Lockout: 30 * time.Minute},
		RateMFAUser:               config.RatePolicy{Max: 5, Window: 10 * time.Minute, Lockout: 30 * time.Minute},
		RatePasswordResetIP:       config.RatePolicy{Max: 5, Window: time.Hour, Lockout: time.Hour},
		MaxLoginFailures:          5,
		AccountLockout:            30 * time.Minute,
		MFAOTPExpiry:              10 * time.Minute,
		MFAMaxAttempts:            5,
		MFAInactivityDays:         30,
		RevokeSessionsOnMFAChange: true,
		DeviceTrustTTL:            30 * 24 * time.Hour,
		EmailSendTimeout:          5 * time.Second,
		ResetURLBase:              "https://app.example.com/reset",
		PasswordResetTTL:          time.Hour,
	}
}

// --- Smoke helpers ---

type smoke struct {
	srv    *httptest.Server
	ms     *testutil.MemStore
	mailer *testutil.MockMailer
	user   *store.User
	c      *components
}

func newSmoke(t *testing.T) *smoke {
	t.Helper()
	cfg := testConfig()
	hash, err := password.NewHasher(password.Params{MemoryKiB: 1024, Time: 1, Parallelism: 1}).Hash(smokePassword)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	user := &store.User{ID: uuid.Must(uuid.NewV7()), Email: "smoke@example.com", Role: "agency_admin", PasswordHash: &hash}
	ms := testutil.NewMemStore(user)
	mailer := &testutil.MockMailer{}
	c := newComponents(cfg, ms, mailer)

	h := &auth.Handler{
		Sessions:  c.orch,
		Providers: oauth.Registry{},
		Postgres:  func(context.Context) error { return nil },
	}
	srv := httptest.NewServer(buildRouter(h))
	t.Cleanup(srv.Close)
	return &smoke{srv: srv, ms: ms, mailer: mailer, user: user, c: c}
}

// post sends JSON from a fixed device. __Host- cookies need Secure, so the jar is not used
// and the refresh cookie is passed explicitly.
func (s *smoke) post(t *testing.T, path, body, access string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", "smoke-device")
	req.Header.Set("X-Device-Fingerprint", "smoke-fp")
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func refreshCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == "__Host-refresh" {
			return c
		}
	}
	return nil
}

// loginWithMFA signs in from a new device and completes the emailed code.
func (s *smoke) loginWithMFA(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	resp := s.post(t, "/login/email", `{"email":"smoke@example.com","password":"`+smokePassword+`"}`, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("login: expected 202, got %d", resp.StatusCode)
	}
	var pending struct {
		ChallengeID string `json:"challenge_id"`
	}
	json.NewDecoder(resp.Body).Decode(&pending)

	msg := s.mailer.Last()
	if msg == nil {
		t.Fatal("no code email sent")
	}
	code := regexp.MustCompile(`\b\d{6}\b`).FindString(msg.Text)
	resp = s.post(t, "/login/mfa", `{"challenge_id":"`+pending.ChallengeID+`","code":"`+code+`","trust_device":true}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mfa: expected 200, got %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(resp.Body).Decode(&tok)
	return tok.AccessToken, refreshCookie(resp)
}

// --- Smoke tests ---

func TestSmoke_Health(t *testing.T) {
	s := newSmoke(t)
	resp, err := http.Get(s.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["postgres"] != "ok" || body["redis"] != "disabled" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestSmoke_ProtectedRouteNeedsToken(t *testing.T) {
	s := newSmoke(t)
	resp := s.post(t, "/logout", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("logout without token: expected 401, got %d", resp.StatusCode)
	}
}

func TestSmoke_FullRoundTrip(t *testing.T) {
	s := newSmoke(t)
	access, cookie := s.loginWithMFA(t)
	if access == "" || cookie == nil {
		t.Fatal("expected access token and refresh cookie")
	}

	// RealIP applied X-Forwarded-For before the session was recorded.
	for _, sess := range s.ms.Sessions {
		if sess.IPAddress == nil || *sess.IPAddress != "198.51.100.7" {
			t.Errorf("session ip: expected 198.51.100.7, got %v", sess.IPAddress)
		}
	}

	resp := s.post(t, "/token/refresh", "", "", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(resp.Body).Decode(&tok)

	resp = s.post(t, "/logout", "", tok.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", resp.StatusCode)
	}
	resp = s.post(t, "/logout", "", tok.AccessToken)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("second logout: expected 401, got %d", resp.StatusCode)
	}

	// Trusted by the MFA step: the next login goes straight through.
	resp = s.post(t, "/login/email", `{"email":"smoke@example.com","password":"`+smokePassword+`"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second login: expected 200, got %d", resp.StatusCode)
	}
}

func TestSmoke_JanitorRunsOverWiredStores(t *testing.T) {
	s := newSmoke(t)
	stats, err := s.c.orch.Janitor(context.Background())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if stats != (session.CleanupStats{}) {
		t.Errorf("expected nothing to clean, got %+v", stats)
	}
}

// --- CLI ---

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "cleanup", "unlock-user", "audit"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Errorf("subcommand %q missing: %v", name, err)
		}
	}
}

func TestRender(t *testing.T) {
	type row struct {
		Event string `json:"event" yaml:"event"`
		Count int64  `json:"count" yaml:"count"`
	}
	data := []row{{"login_success", 3}}
	rows := [][]string{{"login_success", "3"}}

	capture := func(t *testing.T, format string) string {
		t.Helper()
		var buf bytes.Buffer
		stdout, output = &buf, format
		t.Cleanup(func() { stdout, output = os.Stdout, "table" })
		if err := render(data, []string{"Event", "Count"}, rows); err != nil {
			t.Fatalf("render %s: %v", format, err)
		}
		return buf.String()
	}

	t.Run("json", func(t *testing.T) {
		var got []row
		if err := json.Unmarshal([]byte(capture(t, "json")), &got); err != nil || len(got) != 1 || got[0] != data[0] {
			t.Errorf("json round trip: %v %+v", err, got)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var got []row
		if err := yaml.Unmarshal([]byte(capture(t, "yaml")), &got); err != nil || len(got) != 1 || got[0] != data[0] {
			t.Errorf("yaml round trip: %v %+v", err, got)
		}
	})

	t.Run("table", func(t *testing.T) {
		out := capture(t, "table")
		if !strings.Contains(out, "login_success") || !strings.Contains(strings.ToUpper(out), "EVENT") {
			t.Errorf("table output missing content: %q", out)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		output = "xml"
		t.Cleanup(func() { output = "table" })
		if err := render(data, nil, rows); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestDecodeDetails(t *testing.T) {
	if got := decodeDetails(nil); got != nil {
		t.Errorf("nil details: expected nil, got %v", got)
	}
	if got := decodeDetails([]byte(`{"method":"password"}`)); got["method"] != "password" {
		t.Errorf("expected method=password, got %v", got)
	}
	if got := decodeDetails([]byte(`not json`)); got["raw"] != "not json" {
		t.Errorf("expected raw fallback, got %v", got)
	}
}
