// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Error bodies carry a fixed public message,
// never the cause.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agencydash/warden/internal/session"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// InternalServerError logs the error and returns a generic 500 JSON response.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Message: message})
}

// Unauthorized returns a 401 JSON response with a generic message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Message: message})
}

// Forbidden returns a 403 JSON response.
func Forbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, errorBody{Message: message})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Message: "not found"})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, errorBody{Message: message})
}

type errorBody struct {
	Message   string   `json:"message"`
	Code      string   `json:"code,omitempty"`
	Remaining *int     `json:"remaining_attempts,omitempty"`
	Until     string   `json:"locked_until,omitempty"`
	Problems  []string `json:"problems,omitempty"`
}

// statusFor maps an orchestrator failure code to an HTTP status.
var statusFor = map[session.Code]int{
	session.CodeRateLimited:        http.StatusTooManyRequests,
	session.CodeInvalidCredentials: http.StatusUnauthorized,
	session.CodeAccountLocked:      http.StatusLocked,
	session.CodeMFAInvalid:         http.StatusUnauthorized,
	session.CodeMFAExpired:         http.StatusUnauthorized,
	session.CodeMFAExceeded:        http.StatusUnauthorized,
	session.CodeSessionRevoked:     http.StatusUnauthorized,
	session.CodeSessionExpired:     http.StatusUnauthorized,
	session.CodeRefreshExpired:     http.StatusUnauthorized,
	session.CodeInvalidToken:       http.StatusUnauthorized,
	session.CodeWeakPassword:       http.StatusBadRequest,
}

// sessionCodeForClient collapses the "sign in again" reasons to one code so
// clients cannot tell them apart.
func sessionCodeForClient(c session.Code) session.Code {
	switch c {
	case session.CodeSessionRevoked, session.CodeSessionExpired, session.CodeRefreshExpired:
		return session.CodeInvalidToken
	}
	return c
}

// Failure writes an orchestrator error. Untagged and internal errors become a 500.
func Failure(w http.ResponseWriter, r *http.Request, err error) {
	var serr *session.Error
	if !errors.As(err, &serr) || serr.Code == session.CodeInternal {
		InternalServerError(w, r, err)
		return
	}
	status, ok := statusFor[serr.Code]
	if !ok {
		InternalServerError(w, r, err)
		return
	}

	body := errorBody{Message: serr.PublicMessage(), Code: string(sessionCodeForClient(serr.Code))}
	switch serr.Code {
	case session.CodeRateLimited, session.CodeAccountLocked:
		if serr.RetryAfter > 0 {
			secs := int((serr.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		if serr.Until != nil {
			body.Until = serr.Until.UTC().Format(time.RFC3339)
		}
	case session.CodeMFAInvalid:
		remaining := serr.Remaining
		body.Remaining = &remaining
	case session.CodeWeakPassword:
		for _, p := range serr.Problems {
			body.Problems = append(body.Problems, p.Message())
		}
	}
	logInfo(r, "request failed", "code", serr.Code)
	writeJSON(w, status, body)
}
