// handler.go -- HTTP handlers over the session orchestrator.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agencydash/warden/internal/oauth"
	"github.com/agencydash/warden/internal/session"
	"github.com/agencydash/warden/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

// Sessions is the orchestrator surface the handlers call.
// Satisfied by *session.Orchestrator.
type Sessions interface {
	Login(ctx context.Context, req session.LoginRequest) (*session.LoginResult, error)
	CompleteMFA(ctx context.Context, req session.CompleteRequest) (*session.Authenticated, error)
	ResendMFA(ctx context.Context, challengeID uuid.UUID, c session.Client) (*session.MFAPending, error)
	LoginFederated(ctx context.Context, req session.FederatedRequest) (*session.LoginResult, error)
	Refresh(ctx context.Context, rawRefresh string, c session.Client) (*session.Authenticated, error)
	Authenticate(ctx context.Context, accessToken string) (*session.Principal, error)
	EndSession(ctx context.Context, userID, sessionID uuid.UUID, c session.Client) error
	EndAllSessions(ctx context.Context, userID uuid.UUID, except *uuid.UUID, reason string) (int64, error)
	NeedsReauthentication(s *store.Session, sensitive bool) bool
	ChangePassword(ctx context.Context, req session.ChangePasswordRequest) error
	RequestPasswordReset(ctx context.Context, email string, c session.Client) error
	ConfirmPasswordReset(ctx context.Context, rawToken, next string, c session.Client) error
	UpdateMFASettings(ctx context.Context, settings *store.MFASettings, c session.Client) error
	Sessions(ctx context.Context, userID uuid.UUID) ([]store.Session, error)
	TrustedDevices(ctx context.Context, userID uuid.UUID) ([]store.TrustedDevice, error)
	RevokeDevice(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error)
}

// HealthChecker pings one backing service.
type HealthChecker func(ctx context.Context) error

// Handler holds dependencies for every HTTP handler and middleware.
type Handler struct {
	Sessions  Sessions
	Providers oauth.Registry

	// Postgres is required; Redis may report store.ErrCacheDisabled.
	Postgres HealthChecker
	Redis    HealthChecker

	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Routes mounts every endpoint on a new chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.CheckHealth)

	r.Post("/login/email", h.LoginByEmail)
	r.Post("/login/mfa", h.CompleteMFA)
	r.Post("/login/mfa/resend", h.ResendMFA)
	r.Get("/oauth/{provider}", h.OAuthRedirect)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)
	r.Post("/token/refresh", h.Refresh)
	r.Post("/password/reset", h.PasswordReset)
	r.Post("/password/confirm", h.PasswordConfirm)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/password/change", h.PasswordChange)
		r.Put("/mfa/settings", h.UpdateMFASettings)
		r.Get("/sessions", h.ListSessions)
		r.Get("/devices", h.ListDevices)
		r.Delete("/devices/{deviceID}", h.RevokeDevice)
	})
	return r
}

// decode reads a JSON body into v, writing 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	UserID      uuid.UUID `json:"user_id"`
	SessionID   uuid.UUID `json:"session_id"`
	Role        string    `json:"role,omitempty"`
}

type mfaResponse struct {
	MFARequired bool      `json:"mfa_required"`
	ChallengeID uuid.UUID `json:"challenge_id"`
	MaskedEmail string    `json:"masked_email"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reason      string    `json:"reason"`
	EmailSent   bool      `json:"email_sent"`
}

// writeAuthenticated sets the refresh cookie and returns the access token.
// The refresh token never appears in a response body.
func (h *Handler) writeAuthenticated(w http.ResponseWriter, a *session.Authenticated) {
	SetRefreshCookie(w, a.RefreshToken, a.RefreshExpiresAt, h.now())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: a.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   a.ExpiresIn,
		UserID:      a.UserID,
		SessionID:   a.SessionID,
		Role:        a.Role,
	})
}

func writePending(w http.ResponseWriter, r *http.Request, p *session.MFAPending) {
	if !p.EmailSent {
		logWarn(r, "mfa code email was not sent", "challenge_id", p.ChallengeID)
	}
	writeJSON(w, http.StatusAccepted, mfaResponse{
		MFARequired: true,
		ChallengeID: p.ChallengeID,
		MaskedEmail: p.MaskedEmail,
		ExpiresAt:   p.ExpiresAt,
		Reason:      p.Reason,
		EmailSent:   p.EmailSent,
	})
}

func (h *Handler) writeLoginResult(w http.ResponseWriter, r *http.Request, res *session.LoginResult) {
	if res.MFA != nil {
		writePending(w, r, res.MFA)
		return
	}
	logInfo(r, "user logged in", "user_id", res.Session.UserID)
	h.writeAuthenticated(w, res.Session)
}

// LoginByEmail handles POST /login/email.
// Returns 200 with tokens, 202 when a second factor is needed.
func (h *Handler) LoginByEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		TrustDevice bool   `json:"trust_device"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Email == "" || in.Password == "" {
		Unauthorized(w, r, "invalid email or password")
		return
	}

	res, err := h.Sessions.Login(r.Context(), session.LoginRequest{
		Email:    in.Email,
		Password: in.Password,
		Client:   clientFrom(r),
		Trust:    in.TrustDevice,
	})
	if err != nil {
		Failure(w, r, err)
		return
	}
	h.writeLoginResult(w, r, res)
}

// CompleteMFA handles POST /login/mfa.
func (h *Handler) CompleteMFA(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChallengeID uuid.UUID `json:"challenge_id"`
		Code        string    `json:"code"`
		TrustDevice bool      `json:"trust_device"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.ChallengeID.IsNil() || in.Code == "" {
		BadRequest(w, r, "challenge_id and code required")
		return
	}

	auth, err := h.Sessions.CompleteMFA(r.Context(), session.CompleteRequest{
		ChallengeID: in.ChallengeID,
		Code:        in.Code,
		Client:      clientFrom(r),
		Trust:       in.TrustDevice,
	})
	if err != nil {
		Failure(w, r, err)
		return
	}
	logInfo(r, "user logged in with mfa", "user_id", auth.UserID)
	h.writeAuthenticated(w, auth)
}

// ResendMFA handles POST /login/mfa/resend.
func (h *Handler) ResendMFA(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChallengeID uuid.UUID `json:"challenge_id"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.ChallengeID.IsNil() {
		BadRequest(w, r, "challenge_id required")
		return
	}
	p, err := h.Sessions.ResendMFA(r.Context(), in.ChallengeID, clientFrom(r))
	if err != nil {
		Failure(w, r, err)
		return
	}
	writePending(w, r, p)
}

// Refresh handles POST /token/refresh. The token comes from the refresh cookie,
// or a JSON body for non-browser clients.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		raw = c.Value
	}
	if raw == "" && r.ContentLength != 0 {
		var in struct {
			RefreshToken string `json:"refresh_token"`
		}
		if !decode(w, r, &in) {
			return
		}
		raw = in.RefreshToken
	}
	if raw == "" {
		Unauthorized(w, r, "please sign in again")
		return
	}

	auth, err := h.Sessions.Refresh(r.Context(), raw, clientFrom(r))
	if err != nil {
		ClearRefreshCookie(w)
		Failure(w, r, err)
		return
	}
	h.writeAuthenticated(w, auth)
}

// Logout handles POST /logout -- ends the calling session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	if err := h.Sessions.EndSession(r.Context(), p.UserID, p.SessionID, clientFrom(r)); err != nil {
		Failure(w, r, err)
		return
	}
	ClearRefreshCookie(w)
	logInfo(r, "user logged out")
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- ends every session, including this one.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	n, err := h.Sessions.EndAllSessions(r.Context(), p.UserID, nil, "logout_all")
	if err != nil {
		Failure(w, r, err)
		return
	}
	ClearRefreshCookie(w)
	logInfo(r, "user logged out of all devices", "sessions_revoked", n)
	OK(w, "logged out of all devices")
}

// PasswordChange handles POST /password/change. Other sessions are ended; this one stays.
func (h *Handler) PasswordChange(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.CurrentPassword == "" || in.NewPassword == "" {
		BadRequest(w, r, "current_password and new_password required")
		return
	}

	err := h.Sessions.ChangePassword(r.Context(), session.ChangePasswordRequest{
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Current:   in.CurrentPassword,
		Next:      in.NewPassword,
		Client:    clientFrom(r),
	})
	if err != nil {
		Failure(w, r, err)
		return
	}
	logInfo(r, "password changed")
	OK(w, "password updated")
}

// PasswordReset handles POST /password/reset. Always 200 unless rate limited, so the
// response does not reveal whether the email has an account.
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Email == "" {
		BadRequest(w, r, "email required")
		return
	}
	if err := h.Sessions.RequestPasswordReset(r.Context(), in.Email, clientFrom(r)); err != nil {
		Failure(w, r, err)
		return
	}
	OK(w, "if that email has an account, a reset link is on its way")
}

// PasswordConfirm handles POST /password/confirm.
func (h *Handler) PasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Token == "" || in.NewPassword == "" {
		BadRequest(w, r, "token and new_password required")
		return
	}
	if err := h.Sessions.ConfirmPasswordReset(r.Context(), in.Token, in.NewPassword, clientFrom(r)); err != nil {
		Failure(w, r, err)
		return
	}
	ClearRefreshCookie(w)
	OK(w, "password updated")
}

// UpdateMFASettings handles PUT /mfa/settings. Requires recent activity on the session.
func (h *Handler) UpdateMFASettings(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	if h.Sessions.NeedsReauthentication(p.Session, true) {
		Forbidden(w, "reauthentication required")
		return
	}
	var in struct {
		EmailOTPEnabled bool   `json:"email_otp_enabled"`
		ForceAlways     bool   `json:"force_always"`
		PreferredMethod string `json:"preferred_method"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.PreferredMethod != "" && in.PreferredMethod != "email_otp" {
		BadRequest(w, r, "unsupported mfa method")
		return
	}

	err := h.Sessions.UpdateMFASettings(r.Context(), &store.MFASettings{
		UserID:          p.UserID,
		EmailOTPEnabled: in.EmailOTPEnabled,
		ForceAlways:     in.ForceAlways,
		PreferredMethod: in.PreferredMethod,
	}, clientFrom(r))
	if err != nil {
		Failure(w, r, err)
		return
	}
	OK(w, "mfa settings updated")
}

type sessionView struct {
	ID           uuid.UUID `json:"id"`
	DeviceID     string    `json:"device_id,omitempty"`
	DeviceLabel  string    `json:"device_label,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Country      string    `json:"country,omitempty"`
	Trusted      bool      `json:"trusted"`
	Current      bool      `json:"current"`
	LastActivity time.Time `json:"last_activity_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	sessions, err := h.Sessions.Sessions(r.Context(), p.UserID)
	if err != nil {
		Failure(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:           s.ID,
			DeviceID:     s.DeviceID,
			DeviceLabel:  s.DeviceLabel,
			IPAddress:    deref(s.IPAddress),
			Country:      deref(s.Country),
			Trusted:      s.Trusted,
			Current:      s.ID == p.SessionID,
			LastActivity: s.LastActivityAt,
			CreatedAt:    s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type deviceView struct {
	DeviceID   string     `json:"device_id"`
	Label      string     `json:"label"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ListDevices handles GET /devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	devices, err := h.Sessions.TrustedDevices(r.Context(), p.UserID)
	if err != nil {
		Failure(w, r, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{
			DeviceID:   d.DeviceID,
			Label:      d.Label,
			ExpiresAt:  d.ExpiresAt,
			LastUsedAt: d.LastUsedAt,
			CreatedAt:  d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeDevice handles DELETE /devices/{deviceID}.
func (h *Handler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return
	}
	revoked, err := h.Sessions.RevokeDevice(r.Context(), p.UserID, chi.URLParam(r, "deviceID"))
	if err != nil {
		Failure(w, r, err)
		return
	}
	if !revoked {
		NotFound(w)
		return
	}
	OK(w, "device trust revoked")
}
