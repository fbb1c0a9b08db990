// middleware.go

// Bearer token authentication middleware.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/agencydash/warden/internal/session"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated caller.
// Returns nil and false if RequireAuth hasn't run.
func PrincipalFromContext(ctx context.Context) (*session.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*session.Principal)
	return p, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireAuth verifies the access token and checks its session is still live on
// every request, so a revocation takes effect immediately. Injects the principal
// into context on success; returns 401 on failure.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			logWarn(r, "require auth failed", "reason", "missing_bearer_token")
			Unauthorized(w, r, "unauthorized")
			return
		}

		p, err := h.Sessions.Authenticate(r.Context(), raw)
		if err != nil {
			if session.CodeOf(err) == session.CodeInternal {
				InternalServerError(w, r, err)
				return
			}
			logWarn(r, "require auth failed", "reason", session.CodeOf(err))
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
