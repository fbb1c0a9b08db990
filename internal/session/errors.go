// errors.go
//
// The failure taxonomy every orchestrator operation reports through.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/agencydash/warden/internal/password"
)

// Code tags a failure.
type Code string

const (
	CodeRateLimited        Code = "rate_limited"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeAccountLocked      Code = "account_locked"
	CodeMFAInvalid         Code = "mfa_invalid"
	CodeMFAExpired         Code = "mfa_expired"
	CodeMFAExceeded        Code = "mfa_exceeded"
	CodeSessionRevoked     Code = "session_revoked"
	CodeSessionExpired     Code = "session_expired"
	CodeRefreshExpired     Code = "refresh_expired"
	CodeInvalidToken       Code = "invalid_token"
	CodeWeakPassword       Code = "weak_password"
	CodeInternal           Code = "internal"
)

// Error is a tagged failure. Only the fields relevant to Code are set.
type Error struct {
	Code       Code
	RetryAfter time.Duration        // rate_limited, account_locked
	Until      *time.Time           // account_locked
	Remaining  int                  // mfa_invalid
	Reason     string               // session_revoked: the revocation reason
	Problems   []password.ErrorCode // weak_password
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// PublicMessage is the text safe to show a client. Unknown user and wrong password
// read the same, as do the reasons a refresh can fail.
func (e *Error) PublicMessage() string {
	switch e.Code {
	case CodeInvalidCredentials:
		return "invalid email or password"
	case CodeSessionRevoked, CodeSessionExpired, CodeRefreshExpired, CodeInvalidToken:
		return "please sign in again"
	case CodeRateLimited:
		return "too many attempts, try again later"
	case CodeAccountLocked:
		return "account temporarily locked"
	case CodeMFAInvalid:
		return "invalid verification code"
	case CodeMFAExpired:
		return "verification code expired, sign in again"
	case CodeMFAExceeded:
		return "too many incorrect codes, sign in again"
	case CodeWeakPassword:
		return "password does not meet requirements"
	default:
		return "internal server error"
	}
}

// CodeOf returns the tag of err, or CodeInternal for anything untagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func fail(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func internal(cause error) *Error {
	return &Error{Code: CodeInternal, Cause: cause}
}
