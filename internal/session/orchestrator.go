// Package session composes the security components into the operations a
// client sees: login, MFA completion, refresh, logout and password changes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/mfa"
	"github.com/agencydash/warden/internal/password"
	"github.com/agencydash/warden/internal/ratelimit"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/token"
	"github.com/gofrs/uuid/v5"
)

// dummyHash is verified against when the user does not exist, so that an unknown
// email costs the same as a wrong password.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHRzb21lc2FsdA$7gd5Aa2vWkxU5JcTgrYkCiYWtUAwhbUOUl1dVXn9qEw"

// UserStore defines the user persistence the orchestrator needs.
// Satisfied by *store.PostgresStore.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkPasswordChanged(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	CreatePasswordResetToken(ctx context.Context, t *store.PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, tokenHash []byte, now time.Time) (*store.PasswordResetToken, error)
	ConsumePasswordResetToken(ctx context.Context, tokenHash []byte, now time.Time) (uuid.UUID, error)
}

// Orchestrator is the session component. Every field is required except Now.
type Orchestrator struct {
	Users   UserStore
	Hasher  *password.Hasher
	Policy  password.Policy
	Limiter *ratelimit.Limiter
	Tokens  *token.Manager
	Devices *device.Trust
	MFA     *mfa.Engine
	Mailer  mail.Mailer
	Audit   audit.Recorder

	// RevokeOnMFAChange ends every session when MFA settings change.
	RevokeOnMFAChange bool

	// ReauthWindow is how recent activity must be for sensitive operations.
	ReauthWindow time.Duration

	ResetTTL     time.Duration
	ResetURLBase string

	// SessionRetention is how long dead sessions are kept before Janitor deletes them.
	SessionRetention time.Duration

	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Client is what the transport knows about the caller.
type Client struct {
	DeviceID    string
	Fingerprint string
	DeviceLabel string
	IP          string
	UserAgent   string
	Country     string
	City        string
}

func (c Client) tokenMeta() token.Meta {
	return token.Meta{IP: c.IP, UserAgent: c.UserAgent, Country: c.Country, City: c.City}
}

func (c Client) mfaMeta() mfa.Meta {
	return mfa.Meta{IP: c.IP, UserAgent: c.UserAgent, DeviceID: c.DeviceID}
}

func (c Client) label() string {
	if c.DeviceLabel != "" {
		return c.DeviceLabel
	}
	return device.ParseUserAgent(c.UserAgent).Label
}

// Authenticated is a live session handed back to the client.
type Authenticated struct {
	UserID           uuid.UUID
	SessionID        uuid.UUID
	Role             string
	AccessToken      string
	AccessExpiresAt  time.Time
	ExpiresIn        int
	RefreshToken     string
	RefreshExpiresAt time.Time
	Trusted          bool
}

// MFAPending is the interim outcome when a second factor is required. No session exists yet.
type MFAPending struct {
	ChallengeID uuid.UUID
	MaskedEmail string
	ExpiresAt   time.Time
	Reason      string
	EmailSent   bool
}

// LoginResult holds exactly one of Session or MFA.
type LoginResult struct {
	Session *Authenticated
	MFA     *MFAPending
}

// LoginRequest is a password login.
type LoginRequest struct {
	Email    string
	Password string
	Client   Client
	Trust    bool
}

// Login authenticates by password: rate limits, user lookup, lock check, password,
// MFA decision, then session.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	c := req.Client

	if err := o.checkLoginLimits(ctx, email, c); err != nil {
		return nil, err
	}

	user, err := o.Users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		o.Hasher.Verify(req.Password, dummyHash)
		o.auditLoginFailed(ctx, nil, c, string(CodeInvalidCredentials))
		return nil, fail(CodeInvalidCredentials, nil)
	}
	if err != nil {
		return nil, o.internalFailure(ctx, audit.LoginFailed, nil, c, err)
	}

	now := o.now()
	if user.IsLocked(now) {
		o.auditBlocked(ctx, &user.ID, c, string(CodeAccountLocked))
		return nil, &Error{Code: CodeAccountLocked, Until: user.LockedUntil, RetryAfter: user.LockedUntil.Sub(now)}
	}

	if !o.verifyPassword(ctx, user, req.Password) {
		if _, err := o.Limiter.RecordFailedLogin(ctx, user.ID); err != nil {
			slog.Error("recording failed login", "user_id", user.ID, "error", err)
		}
		o.auditLoginFailed(ctx, &user.ID, c, string(CodeInvalidCredentials))
		return nil, fail(CodeInvalidCredentials, nil)
	}

	decision, err := o.MFA.Required(ctx, mfa.Attempt{
		UserID:      user.ID,
		DeviceID:    c.DeviceID,
		Fingerprint: c.Fingerprint,
		IP:          c.IP,
		Country:     c.Country,
	})
	if err != nil {
		return nil, o.internalFailure(ctx, audit.LoginFailed, &user.ID, c, err)
	}
	if decision.Required {
		return o.challenge(ctx, user, decision.Reason, c)
	}

	auth, err := o.finish(ctx, user, c, "password", false, req.Trust)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: auth}, nil
}

// checkLoginLimits checks then records both login scopes.
func (o *Orchestrator) checkLoginLimits(ctx context.Context, email string, c Client) error {
	ipDecision, err := o.Limiter.Check(ctx, ratelimit.ScopeLoginIP, c.IP)
	if err != nil {
		return internal(err)
	}
	if !ipDecision.Allowed {
		o.auditBlocked(ctx, nil, c, string(CodeRateLimited))
		return &Error{Code: CodeRateLimited, RetryAfter: ipDecision.RetryAfter}
	}

	userDecision, err := o.Limiter.Check(ctx, ratelimit.ScopeLoginUser, email)
	if err != nil {
		return internal(err)
	}
	if !userDecision.Allowed {
		until := o.now().Add(userDecision.RetryAfter)
		o.auditBlocked(ctx, nil, c, string(CodeAccountLocked))
		return &Error{Code: CodeAccountLocked, Until: &until, RetryAfter: userDecision.RetryAfter}
	}

	if err := o.Limiter.Record(ctx, ratelimit.ScopeLoginIP, c.IP); err != nil {
		return internal(err)
	}
	if err := o.Limiter.Record(ctx, ratelimit.ScopeLoginUser, email); err != nil {
		return internal(err)
	}
	return nil
}

// verifyPassword checks the password and upgrades a stale hash. The verify result
// stands even if the upgrade fails.
func (o *Orchestrator) verifyPassword(ctx context.Context, user *store.User, pw string) bool {
	if user.PasswordHash == nil {
		o.Hasher.Verify(pw, dummyHash)
		return false
	}
	ok, needsRehash, err := o.Hasher.Verify(pw, *user.PasswordHash)
	if err != nil {
		slog.Error("password verify failed", "user_id", user.ID, "error", err)
		return false
	}
	if ok && needsRehash {
		o.rehash(ctx, user, pw)
	}
	return ok
}

func (o *Orchestrator) rehash(ctx context.Context, user *store.User, pw string) {
	from := password.Identify(*user.PasswordHash)
	hash, err := o.Hasher.Hash(pw)
	if err == nil {
		err = o.Users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		slog.Warn("password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	o.Audit.Record(ctx, audit.Event{
		Type:    audit.PasswordRehashed,
		UserID:  &user.ID,
		Success: true,
		Details: audit.Details{"from_scheme": from.String()},
	})
}

// challenge opens an email OTP challenge and reports the interim outcome.
func (o *Orchestrator) challenge(ctx context.Context, user *store.User, reason string, c Client) (*LoginResult, error) {
	ch, err := o.MFA.CreateEmailOTPChallenge(ctx, mfa.ChallengeRequest{
		UserID: user.ID,
		Email:  user.Email,
		Reason: reason,
		Meta:   c.mfaMeta(),
	})
	if err != nil {
		return nil, o.internalFailure(ctx, audit.MFAChallengeSent, &user.ID, c, err)
	}
	return &LoginResult{MFA: &MFAPending{
		ChallengeID: ch.ID,
		MaskedEmail: ch.MaskedEmail,
		ExpiresAt:   ch.ExpiresAt,
		Reason:      ch.Reason,
		EmailSent:   ch.EmailSent,
	}}, nil
}

// finish opens the session once every factor has passed. Device trust is only
// granted after a verified second factor.
func (o *Orchestrator) finish(ctx context.Context, user *store.User, c Client, method string, mfaVerified, trust bool) (*Authenticated, error) {
	trust = trust && mfaVerified && c.DeviceID != ""
	issued, err := o.Tokens.CreateSession(ctx, token.NewSession{
		User:        user,
		DeviceID:    c.DeviceID,
		Fingerprint: c.Fingerprint,
		DeviceLabel: c.label(),
		Meta:        c.tokenMeta(),
		Trust:       trust,
	})
	if err != nil {
		return nil, o.internalFailure(ctx, audit.SessionCreated, &user.ID, c, err)
	}
	sid := issued.Session.ID

	if trust {
		if _, err := o.Devices.TrustDevice(ctx, user.ID, device.Info{
			DeviceID:    c.DeviceID,
			Fingerprint: c.Fingerprint,
			Label:       c.label(),
		}, c.IP, c.UserAgent); err != nil {
			slog.Error("trusting device", "user_id", user.ID, "error", err)
		}
	}

	if err := o.Limiter.Clear(ctx, ratelimit.ScopeLoginIP, c.IP); err != nil {
		slog.Warn("clearing ip rate limit", "error", err)
	}
	if err := o.Limiter.Clear(ctx, ratelimit.ScopeLoginUser, strings.ToLower(user.Email)); err != nil {
		slog.Warn("clearing user rate limit", "error", err)
	}
	if err := o.Users.RecordSuccessfulLogin(ctx, user.ID, o.now()); err != nil {
		slog.Warn("recording successful login", "user_id", user.ID, "error", err)
	}

	o.Audit.Record(ctx, audit.Event{
		Type:      audit.LoginSuccess,
		UserID:    &user.ID,
		SessionID: &sid,
		DeviceID:  c.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Country:   c.Country,
		Success:   true,
		Details:   audit.Details{"method": method, "mfa": mfaVerified},
	})
	o.Audit.Record(ctx, audit.Event{
		Type:      audit.SessionCreated,
		UserID:    &user.ID,
		SessionID: &sid,
		DeviceID:  c.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Country:   c.Country,
		Success:   true,
		Details:   audit.Details{"family_id": issued.Session.FamilyID.String(), "trusted": trust},
	})

	return authenticated(user, issued), nil
}

func authenticated(user *store.User, issued *token.Issued) *Authenticated {
	return &Authenticated{
		UserID:           user.ID,
		SessionID:        issued.Session.ID,
		Role:             user.Role,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		ExpiresIn:        issued.ExpiresIn,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.Session.RefreshExpiresAt,
		Trusted:          issued.Session.Trusted,
	}
}

// CompleteRequest answers an MFA challenge.
type CompleteRequest struct {
	ChallengeID uuid.UUID
	Code        string
	Client      Client
	Trust       bool
}

// CompleteMFA verifies the code and opens the session the login was waiting on.
func (o *Orchestrator) CompleteMFA(ctx context.Context, req CompleteRequest) (*Authenticated, error) {
	c := req.Client
	ch, err := o.MFA.Challenge(ctx, req.ChallengeID)
	if errors.Is(err, mfa.ErrChallengeNotFound) {
		return nil, fail(CodeMFAExpired, err)
	}
	if err != nil {
		return nil, internal(err)
	}
	limitKey := ch.UserID.String()

	decision, err := o.Limiter.Check(ctx, ratelimit.ScopeMFAUser, limitKey)
	if err != nil {
		return nil, internal(err)
	}
	if !decision.Allowed {
		o.Audit.Record(ctx, audit.Event{
			Type:          audit.MFAVerifyFailed,
			UserID:        &ch.UserID,
			DeviceID:      c.DeviceID,
			IP:            c.IP,
			UserAgent:     c.UserAgent,
			FailureReason: string(CodeRateLimited),
		})
		return nil, &Error{Code: CodeRateLimited, RetryAfter: decision.RetryAfter}
	}

	verified, err := o.MFA.VerifyOTP(ctx, req.ChallengeID, req.Code, c.mfaMeta())
	if err != nil {
		return nil, o.mfaFailure(ctx, limitKey, err)
	}
	if err := o.Limiter.Clear(ctx, ratelimit.ScopeMFAUser, limitKey); err != nil {
		slog.Warn("clearing mfa rate limit", "error", err)
	}

	user, err := o.Users.GetUserByID(ctx, verified.UserID)
	if err != nil {
		return nil, internal(err)
	}
	return o.finish(ctx, user, c, "password", true, req.Trust)
}

// mfaFailure maps an engine error to the taxonomy, counting wrong codes against mfa_user.
func (o *Orchestrator) mfaFailure(ctx context.Context, limitKey string, err error) error {
	var invalid *mfa.InvalidCodeError
	switch {
	case errors.As(err, &invalid):
		if rerr := o.Limiter.Record(ctx, ratelimit.ScopeMFAUser, limitKey); rerr != nil {
			slog.Warn("recording mfa attempt", "error", rerr)
		}
		return &Error{Code: CodeMFAInvalid, Remaining: invalid.Remaining, Cause: err}
	case errors.Is(err, mfa.ErrMaxAttempts):
		return fail(CodeMFAExceeded, err)
	case errors.Is(err, mfa.ErrExpired), errors.Is(err, mfa.ErrAlreadyVerified), errors.Is(err, mfa.ErrChallengeNotFound):
		return fail(CodeMFAExpired, err)
	default:
		return internal(err)
	}
}

// ResendMFA sends a fresh code for a live challenge.
func (o *Orchestrator) ResendMFA(ctx context.Context, challengeID uuid.UUID, c Client) (*MFAPending, error) {
	ch, err := o.MFA.Challenge(ctx, challengeID)
	if errors.Is(err, mfa.ErrChallengeNotFound) {
		return nil, fail(CodeMFAExpired, err)
	}
	if err != nil {
		return nil, internal(err)
	}

	limitKey := ch.UserID.String()
	decision, err := o.Limiter.Check(ctx, ratelimit.ScopeMFAUser, limitKey)
	if err != nil {
		return nil, internal(err)
	}
	if !decision.Allowed {
		return nil, &Error{Code: CodeRateLimited, RetryAfter: decision.RetryAfter}
	}
	if err := o.Limiter.Record(ctx, ratelimit.ScopeMFAUser, limitKey); err != nil {
		return nil, internal(err)
	}

	user, err := o.Users.GetUserByID(ctx, ch.UserID)
	if err != nil {
		return nil, internal(err)
	}
	again, err := o.MFA.Resend(ctx, challengeID, user.Email, c.mfaMeta())
	if err != nil {
		return nil, o.mfaFailure(ctx, limitKey, err)
	}
	return &MFAPending{
		ChallengeID: again.ID,
		MaskedEmail: again.MaskedEmail,
		ExpiresAt:   again.ExpiresAt,
		Reason:      again.Reason,
		EmailSent:   again.EmailSent,
	}, nil
}

// FederatedRequest is a login whose identity an external provider already verified.
type FederatedRequest struct {
	Provider string
	Email    string
	Client   Client
	Trust    bool
}

// LoginFederated opens a session for a provider-verified email. Provider logins
// skip the password and only need MFA when the user forces it.
func (o *Orchestrator) LoginFederated(ctx context.Context, req FederatedRequest) (*LoginResult, error) {
	c := req.Client
	ipDecision, err := o.Limiter.Check(ctx, ratelimit.ScopeLoginIP, c.IP)
	if err != nil {
		return nil, internal(err)
	}
	if !ipDecision.Allowed {
		o.auditBlocked(ctx, nil, c, string(CodeRateLimited))
		return nil, &Error{Code: CodeRateLimited, RetryAfter: ipDecision.RetryAfter}
	}

	user, err := o.Users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) {
		if rerr := o.Limiter.Record(ctx, ratelimit.ScopeLoginIP, c.IP); rerr != nil {
			slog.Warn("recording federated attempt", "error", rerr)
		}
		o.auditLoginFailed(ctx, nil, c, "unknown_federated_identity")
		return nil, fail(CodeInvalidCredentials, nil)
	}
	if err != nil {
		return nil, internal(err)
	}

	now := o.now()
	if user.IsLocked(now) {
		o.auditBlocked(ctx, &user.ID, c, string(CodeAccountLocked))
		return nil, &Error{Code: CodeAccountLocked, Until: user.LockedUntil, RetryAfter: user.LockedUntil.Sub(now)}
	}

	decision, err := o.MFA.Required(ctx, mfa.Attempt{UserID: user.ID, Provider: req.Provider, DeviceID: c.DeviceID, IP: c.IP, Country: c.Country})
	if err != nil {
		return nil, internal(err)
	}
	if decision.Required {
		return o.challenge(ctx, user, decision.Reason, c)
	}
	auth, err := o.finish(ctx, user, c, req.Provider, false, req.Trust)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: auth}, nil
}

// --- audit helpers ---

func (o *Orchestrator) auditLoginFailed(ctx context.Context, userID *uuid.UUID, c Client, reason string) {
	o.Audit.Record(ctx, audit.Event{
		Type:          audit.LoginFailed,
		UserID:        userID,
		DeviceID:      c.DeviceID,
		IP:            c.IP,
		UserAgent:     c.UserAgent,
		Country:       c.Country,
		FailureReason: reason,
	})
}

func (o *Orchestrator) auditBlocked(ctx context.Context, userID *uuid.UUID, c Client, reason string) {
	o.Audit.Record(ctx, audit.Event{
		Type:          audit.LoginBlocked,
		UserID:        userID,
		DeviceID:      c.DeviceID,
		IP:            c.IP,
		UserAgent:     c.UserAgent,
		Country:       c.Country,
		FailureReason: reason,
	})
}

// internalFailure audits a persistence or configuration failure and wraps it.
func (o *Orchestrator) internalFailure(ctx context.Context, t audit.EventType, userID *uuid.UUID, c Client, err error) error {
	slog.Error("session operation failed", "event_type", t, "error", err)
	o.Audit.Record(ctx, audit.Event{
		Type:          t,
		UserID:        userID,
		DeviceID:      c.DeviceID,
		IP:            c.IP,
		UserAgent:     c.UserAgent,
		FailureReason: string(CodeInternal),
		Details:       audit.Details{"cause": err.Error()},
	})
	return internal(err)
}
