// otp.go
//
// Email OTP challenges. Only the SHA-256 of a code is stored.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// cleanupAge is how long past expiry a challenge row is kept.
const cleanupAge = time.Hour

const codeDigits = 6

var (
	ErrChallengeNotFound = errors.New("challenge_not_found")
	ErrAlreadyVerified   = errors.New("already_verified")
	ErrExpired           = errors.New("expired")
	ErrMaxAttempts       = errors.New("max_attempts_exceeded")
	ErrInvalidCode       = errors.New("invalid_code")
)

// InvalidCodeError is a wrong code with attempts left to report. Matches ErrInvalidCode.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid_code: %d attempts remaining", e.Remaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}

// GenerateCode returns six decimal digits, each drawn uniformly from crypto/rand.
func GenerateCode() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < codeDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generating otp digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func hashCode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

// Meta is the request context recorded on challenges and audit events.
type Meta struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// ChallengeRequest asks for a new email OTP challenge.
type ChallengeRequest struct {
	UserID    uuid.UUID
	SessionID *uuid.UUID
	Email     string
	Reason    string
	Meta      Meta
}

// Challenge is what the caller may show the user about a pending challenge.
type Challenge struct {
	ID          uuid.UUID
	ExpiresAt   time.Time
	EmailSent   bool
	MaskedEmail string
	Reason      string
}

// Verified identifies who passed a challenge.
type Verified struct {
	ChallengeID uuid.UUID
	UserID      uuid.UUID
	SessionID   *uuid.UUID
	Reason      string
}

// CreateEmailOTPChallenge issues a code, expires the user's earlier challenges
// and emails the code. An unconfigured or failing mail transport leaves the
// challenge in place with EmailSent false.
func (e *Engine) CreateEmailOTPChallenge(ctx context.Context, req ChallengeRequest) (*Challenge, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating challenge id: %w", err)
	}
	now := e.now()
	c := &store.MFAChallenge{
		ID:            id,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Method:        MethodEmailOTP,
		CodeHash:      hashCode(code),
		ExpiresAt:     now.Add(e.OTPExpiry),
		MaxAttempts:   e.MaxAttempts,
		TriggerReason: req.Reason,
		IPAddress:     optional(req.Meta.IP),
		UserAgent:     optional(req.Meta.UserAgent),
		CreatedAt:     now,
	}
	if err := e.Store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}

	sent, failure := e.sendCode(ctx, req.Email, code)
	e.Audit.Record(ctx, audit.Event{
		Type:          audit.MFAChallengeSent,
		UserID:        &req.UserID,
		SessionID:     req.SessionID,
		DeviceID:      req.Meta.DeviceID,
		IP:            req.Meta.IP,
		UserAgent:     req.Meta.UserAgent,
		Success:       sent,
		FailureReason: failure,
		Details:       audit.Details{"challenge_id": id.String(), "method": MethodEmailOTP, "trigger": req.Reason},
	})

	return &Challenge{
		ID:          id,
		ExpiresAt:   c.ExpiresAt,
		EmailSent:   sent,
		MaskedEmail: MaskEmail(req.Email),
		Reason:      req.Reason,
	}, nil
}

// sendCode mails the code under SendTimeout. Returns whether it went out and a failure tag.
func (e *Engine) sendCode(ctx context.Context, to, code string) (bool, string) {
	if e.Mailer == nil || !e.Mailer.IsConfigured() {
		slog.Warn("otp email not sent: mail transport not configured")
		return false, "email_not_configured"
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.SendTimeout)
	defer cancel()
	if _, err := e.Mailer.Send(sendCtx, mail.OTPMessage(to, code, e.OTPExpiry)); err != nil {
		slog.Error("otp email send failed", "error", err)
		return false, "email_send_failed"
	}
	return true, ""
}

// VerifyOTP checks code against the challenge. The attempt is counted before
// comparing, so the final allowed attempt can still succeed.
func (e *Engine) VerifyOTP(ctx context.Context, challengeID uuid.UUID, code string, meta Meta) (*Verified, error) {
	c, err := e.Store.GetChallenge(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		e.auditVerify(ctx, nil, challengeID, meta, false, ErrChallengeNotFound.Error(), nil)
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	if err := e.usable(c); err != nil {
		e.auditVerify(ctx, c, challengeID, meta, false, err.Error(), nil)
		return nil, err
	}

	attempts, err := e.Store.IncrementChallengeAttempts(ctx, c.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Lost a race with another verification.
		e.auditVerify(ctx, c, challengeID, meta, false, ErrMaxAttempts.Error(), nil)
		return nil, ErrMaxAttempts
	}
	if err != nil {
		return nil, fmt.Errorf("counting attempt: %w", err)
	}

	if subtle.ConstantTimeCompare(hashCode(strings.TrimSpace(code)), c.CodeHash) != 1 {
		remaining := max(c.MaxAttempts-attempts, 0)
		e.auditVerify(ctx, c, challengeID, meta, false, ErrInvalidCode.Error(), audit.Details{"attempts": attempts, "remaining": remaining})
		return nil, &InvalidCodeError{Remaining: remaining}
	}

	ok, err := e.Store.MarkChallengeVerified(ctx, c.ID, e.now())
	if err != nil {
		return nil, fmt.Errorf("marking challenge verified: %w", err)
	}
	if !ok {
		e.auditVerify(ctx, c, challengeID, meta, false, ErrAlreadyVerified.Error(), nil)
		return nil, ErrAlreadyVerified
	}
	e.auditVerify(ctx, c, challengeID, meta, true, "", audit.Details{"attempts": attempts})
	return &Verified{ChallengeID: c.ID, UserID: c.UserID, SessionID: c.SessionID, Reason: c.TriggerReason}, nil
}

// usable maps a non-live challenge to the reason it cannot be answered.
func (e *Engine) usable(c *store.MFAChallenge) error {
	switch {
	case c.VerifiedAt != nil:
		return ErrAlreadyVerified
	case !e.now().Before(c.ExpiresAt):
		return ErrExpired
	case c.Attempts >= c.MaxAttempts:
		return ErrMaxAttempts
	}
	return nil
}

func (e *Engine) auditVerify(ctx context.Context, c *store.MFAChallenge, id uuid.UUID, meta Meta, ok bool, reason string, details audit.Details) {
	ev := audit.Event{
		Type:          audit.MFAVerifyFailed,
		DeviceID:      meta.DeviceID,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		Success:       ok,
		FailureReason: reason,
		Details:       audit.Details{"challenge_id": id.String()},
	}
	if ok {
		ev.Type = audit.MFAVerifySuccess
	}
	if c != nil {
		ev.UserID = &c.UserID
		ev.SessionID = c.SessionID
	}
	for k, v := range details {
		ev.Details[k] = v
	}
	e.Audit.Record(ctx, ev)
}

// Resend issues a fresh code for a live challenge, resetting attempts but not the expiry.
func (e *Engine) Resend(ctx context.Context, challengeID uuid.UUID, email string, meta Meta) (*Challenge, error) {
	c, err := e.Store.GetChallenge(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	if err := e.usable(c); err != nil {
		return nil, err
	}

	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	ok, err := e.Store.ResetChallengeCode(ctx, c.ID, hashCode(code), e.now())
	if err != nil {
		return nil, fmt.Errorf("resetting challenge code: %w", err)
	}
	if !ok {
		return nil, ErrExpired
	}

	sent, failure := e.sendCode(ctx, email, code)
	e.Audit.Record(ctx, audit.Event{
		Type:          audit.MFAChallengeResent,
		UserID:        &c.UserID,
		SessionID:     c.SessionID,
		DeviceID:      meta.DeviceID,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		Success:       sent,
		FailureReason: failure,
		Details:       audit.Details{"challenge_id": c.ID.String()},
	})

	return &Challenge{
		ID:          c.ID,
		ExpiresAt:   c.ExpiresAt,
		EmailSent:   sent,
		MaskedEmail: MaskEmail(email),
		Reason:      c.TriggerReason,
	}, nil
}

// Challenge loads a challenge by id.
func (e *Engine) Challenge(ctx context.Context, challengeID uuid.UUID) (*store.MFAChallenge, error) {
	c, err := e.Store.GetChallenge(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	return c, nil
}

// Cleanup deletes challenges that expired more than an hour ago.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	n, err := e.Store.CleanupChallenges(ctx, e.now().Add(-cleanupAge))
	if err != nil {
		return 0, fmt.Errorf("cleaning challenges: %w", err)
	}
	return n, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
