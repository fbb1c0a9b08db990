package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/password"
	"github.com/agencydash/warden/internal/ratelimit"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/token"
	"github.com/gofrs/uuid/v5"
)

const defaultResetTTL = time.Hour

func hints(u *store.User) password.Hints {
	h := password.Hints{Email: u.Email}
	if u.FirstName != nil {
		h.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		h.LastName = *u.LastName
	}
	return h
}

// checkPolicy returns a weak_password failure listing every broken rule.
func (o *Orchestrator) checkPolicy(u *store.User, next string) error {
	res := o.Policy.Validate(next, hints(u))
	if res.Valid {
		return nil
	}
	return &Error{Code: CodeWeakPassword, Problems: res.Errors}
}

// ChangePasswordRequest is a signed-in user replacing their password.
type ChangePasswordRequest struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Current   string
	Next      string
	Client    Client
}

// ChangePassword verifies the current password, stores the new one and ends
// every other session. Attempts share the login_user limit and lockout.
func (o *Orchestrator) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	user, err := o.Users.GetUserByID(ctx, req.UserID)
	if err != nil {
		return internal(err)
	}
	if user.PasswordHash == nil {
		return fail(CodeInvalidCredentials, nil)
	}

	// A wrong current password counts as a failed login.
	email := strings.ToLower(user.Email)
	decision, err := o.Limiter.Check(ctx, ratelimit.ScopeLoginUser, email)
	if err != nil {
		return internal(err)
	}
	now := o.now()
	if !decision.Allowed {
		until := now.Add(decision.RetryAfter)
		return &Error{Code: CodeAccountLocked, Until: &until, RetryAfter: decision.RetryAfter}
	}
	if user.IsLocked(now) {
		return &Error{Code: CodeAccountLocked, Until: user.LockedUntil, RetryAfter: user.LockedUntil.Sub(now)}
	}
	if err := o.Limiter.Record(ctx, ratelimit.ScopeLoginUser, email); err != nil {
		return internal(err)
	}

	ok, _, err := o.Hasher.Verify(req.Current, *user.PasswordHash)
	if err != nil {
		return internal(err)
	}
	if !ok {
		if _, err := o.Limiter.RecordFailedLogin(ctx, user.ID); err != nil {
			slog.Error("recording failed password change", "user_id", user.ID, "error", err)
		}
		o.Audit.Record(ctx, audit.Event{
			Type:          audit.PasswordChanged,
			UserID:        &user.ID,
			SessionID:     &req.SessionID,
			IP:            req.Client.IP,
			UserAgent:     req.Client.UserAgent,
			FailureReason: string(CodeInvalidCredentials),
		})
		return fail(CodeInvalidCredentials, nil)
	}
	if err := o.checkPolicy(user, req.Next); err != nil {
		return err
	}

	hash, err := o.Hasher.Hash(req.Next)
	if err != nil {
		return internal(err)
	}
	if err := o.Users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return internal(err)
	}
	if err := o.Limiter.Clear(ctx, ratelimit.ScopeLoginUser, email); err != nil {
		slog.Warn("clearing login_user limit", "error", err)
	}
	return o.OnPasswordChange(ctx, user.ID, &req.SessionID, req.Client)
}

// RequestPasswordReset emails a single-use reset link. Unknown addresses and mail
// failures return nil so the response never reveals whether an account exists.
func (o *Orchestrator) RequestPasswordReset(ctx context.Context, email string, c Client) error {
	decision, err := o.Limiter.Check(ctx, ratelimit.ScopePasswordResetIP, c.IP)
	if err != nil {
		return internal(err)
	}
	if !decision.Allowed {
		return &Error{Code: CodeRateLimited, RetryAfter: decision.RetryAfter}
	}
	if err := o.Limiter.Record(ctx, ratelimit.ScopePasswordResetIP, c.IP); err != nil {
		return internal(err)
	}

	user, err := o.Users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return internal(err)
	}

	raw, hash, err := token.GenerateRefreshToken()
	if err != nil {
		return internal(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return internal(fmt.Errorf("generating reset id: %w", err))
	}
	ttl := o.ResetTTL
	if ttl <= 0 {
		ttl = defaultResetTTL
	}
	now := o.now()
	if err := o.Users.CreatePasswordResetToken(ctx, &store.PasswordResetToken{
		ID:        id,
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}); err != nil {
		return internal(err)
	}

	sent := o.sendReset(ctx, user.Email, raw, ttl)
	o.Audit.Record(ctx, audit.Event{
		Type:      audit.PasswordResetRequest,
		UserID:    &user.ID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Success:   sent,
	})
	return nil
}

func (o *Orchestrator) sendReset(ctx context.Context, to, raw string, ttl time.Duration) bool {
	if o.Mailer == nil || !o.Mailer.IsConfigured() {
		slog.Warn("password reset email not sent: mail transport not configured")
		return false
	}
	timeout := 30 * time.Second
	if o.MFA != nil && o.MFA.SendTimeout > 0 {
		timeout = o.MFA.SendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := o.Mailer.Send(sendCtx, mail.PasswordResetMessage(to, o.ResetURLBase, raw, ttl)); err != nil {
		slog.Error("password reset email send failed", "error", err)
		return false
	}
	return true
}

// ConfirmPasswordReset sets a new password with a reset token and ends every
// session of the account.
func (o *Orchestrator) ConfirmPasswordReset(ctx context.Context, rawToken, next string, c Client) error {
	hash := token.HashRefreshToken(rawToken)
	now := o.now()

	t, err := o.Users.GetPasswordResetToken(ctx, hash, now)
	if errors.Is(err, store.ErrNotFound) {
		return fail(CodeInvalidToken, nil)
	}
	if err != nil {
		return internal(err)
	}
	user, err := o.Users.GetUserByID(ctx, t.UserID)
	if err != nil {
		return internal(err)
	}
	if err := o.checkPolicy(user, next); err != nil {
		return err
	}

	// Consume is the single-use gate.
	userID, err := o.Users.ConsumePasswordResetToken(ctx, hash, now)
	if errors.Is(err, store.ErrNotFound) {
		return fail(CodeInvalidToken, nil)
	}
	if err != nil {
		return internal(err)
	}

	encoded, err := o.Hasher.Hash(next)
	if err != nil {
		return internal(err)
	}
	if err := o.Users.UpdatePasswordHash(ctx, userID, encoded); err != nil {
		return internal(err)
	}
	// Proving mailbox ownership lifts any lockout.
	if user.LockedUntil != nil || user.FailedLoginCount > 0 {
		if err := o.Limiter.UnlockUser(ctx, userID, "password_reset"); err != nil {
			return internal(err)
		}
	}
	if err := o.Limiter.Clear(ctx, ratelimit.ScopeLoginUser, strings.ToLower(user.Email)); err != nil {
		slog.Warn("clearing login_user limit", "error", err)
	}
	return o.afterPasswordUpdate(ctx, userID, nil, token.ReasonPasswordReset, audit.PasswordResetDone, c)
}
