// oauth.go -- Federated sign-in redirect and callback handlers.
// Provider-specific logic lives in internal/oauth; providers are registered in main.go.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/agencydash/warden/internal/oauth"
	"github.com/agencydash/warden/internal/session"
	"github.com/go-chi/chi/v5"
)

const oauthStateCookieName = "__Host-oauth-state"

// oauthState is the payload stored in __Host-oauth-state during the round-trip.
type oauthState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Trust    bool   `json:"trust,omitempty"`
}

// OAuthRedirect handles GET /oauth/{provider}. Generates PKCE and state, stores them in a
// short-lived HttpOnly cookie, and redirects to the provider's consent page.
// ?trust_device=1 is carried through to the callback.
func (h *Handler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	var stateBytes, verifierBytes [32]byte
	if _, err := rand.Read(stateBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if _, err := rand.Read(verifierBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}

	st := oauthState{
		State:    base64.RawURLEncoding.EncodeToString(stateBytes[:]),
		Verifier: base64.RawURLEncoding.EncodeToString(verifierBytes[:]),
		Trust:    r.URL.Query().Get("trust_device") == "1",
	}
	challenge := sha256.Sum256([]byte(st.Verifier))

	setOAuthStateCookie(w, st)
	http.Redirect(w, r, provider.AuthCodeURL(st.State, base64.RawURLEncoding.EncodeToString(challenge[:])), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. Verifies state, exchanges the code
// for verified claims, then signs in the account owning that email. The second-factor
// decision is the same as for password login.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	// Read and immediately clear the state cookie to prevent replay.
	c, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		logWarn(r, "oauth callback: missing state cookie")
		BadRequest(w, r, "missing oauth state")
		return
	}
	clearOAuthStateCookie(w)

	st, err := decodeOAuthState(c.Value)
	if err != nil {
		logWarn(r, "oauth callback: bad state cookie", "error", err)
		BadRequest(w, r, "invalid oauth state")
		return
	}
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(r.URL.Query().Get("state"))) != 1 {
		logWarn(r, "oauth callback: state mismatch")
		Unauthorized(w, r, "invalid oauth state")
		return
	}

	claims, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"), st.Verifier)
	if err != nil {
		logWarn(r, "oauth callback: exchange failed", "error", err, "provider", provider.Name())
		Unauthorized(w, r, "oauth authentication failed")
		return
	}
	if !claims.EmailVerified || claims.Email == "" {
		Unauthorized(w, r, "oauth account email is not verified")
		return
	}

	res, err := h.Sessions.LoginFederated(r.Context(), session.FederatedRequest{
		Provider: provider.Name(),
		Email:    claims.Email,
		Client:   clientFrom(r),
		Trust:    st.Trust,
	})
	if err != nil {
		Failure(w, r, err)
		return
	}
	h.writeLoginResult(w, r, res)
}

// oauthProvider reads the {provider} URL param and looks it up in Providers.
// Writes 404 and returns (nil, false) when the provider is not configured.
func (h *Handler) oauthProvider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	p, ok := h.Providers[chi.URLParam(r, "provider")]
	if !ok {
		NotFound(w)
		return nil, false
	}
	return p, true
}

func decodeOAuthState(v string) (oauthState, error) {
	var st oauthState
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// setOAuthStateCookie stores state and the PKCE verifier in a short-lived HttpOnly cookie.
// SameSite=Lax so the cookie survives the top-level redirect back from the provider.
func setOAuthStateCookie(w http.ResponseWriter, st oauthState) {
	payload, _ := json.Marshal(st)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600, // 10 minutes
	})
}

// clearOAuthStateCookie expires the state cookie immediately.
func clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
