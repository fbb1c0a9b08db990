package main

import (
	"context"
	"log/slog"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/config"
	"github.com/agencydash/warden/internal/device"
	"github.com/agencydash/warden/internal/mail"
	"github.com/agencydash/warden/internal/mfa"
	"github.com/agencydash/warden/internal/oauth"
	"github.com/agencydash/warden/internal/password"
	"github.com/agencydash/warden/internal/ratelimit"
	"github.com/agencydash/warden/internal/session"
	"github.com/agencydash/warden/internal/token"
)

// backend is every persistence interface the components need.
// Satisfied by *store.PostgresStore and, in tests, *testutil.MemStore.
type backend interface {
	session.UserStore
	ratelimit.Store
	ratelimit.UserStore
	token.Store
	token.UserLookup
	device.Store
	mfa.Store
	audit.Store
}

// components is the wired set of services behind the HTTP layer and the CLI.
type components struct {
	audit   *audit.Log
	limiter *ratelimit.Limiter
	orch    *session.Orchestrator
}

// newComponents builds every component from cfg over db, sending mail through ml.
func newComponents(cfg *config.Config, db backend, ml mail.Mailer) *components {
	rec := audit.New(db)

	limiter := ratelimit.New(db, db, rec, []byte(cfg.IPHashSecret))
	limiter.Policies = map[ratelimit.Scope]ratelimit.Policy{
		ratelimit.ScopeLoginIP:         policy(cfg.RateLoginIP),
		ratelimit.ScopeLoginUser:       policy(cfg.RateLoginUser),
		ratelimit.ScopeMFAUser:         policy(cfg.RateMFAUser),
		ratelimit.ScopePasswordResetIP: policy(cfg.RatePasswordResetIP),
	}
	limiter.MaxLoginFailures = cfg.MaxLoginFailures
	limiter.AccountLockout = cfg.AccountLockout

	tokens := token.NewManager(db, db, token.NewIssuer([]byte(cfg.JWTSecret), cfg.AccessTokenTTL), rec)
	tokens.RefreshTTL = cfg.RefreshTokenTTL
	tokens.AbsoluteTTL = cfg.SessionAbsoluteTTL
	tokens.TrustTTL = cfg.DeviceTrustTTL

	trust := device.New(db, rec)
	trust.TTL = cfg.DeviceTrustTTL

	engine := mfa.New(db, trust, ml, rec)
	engine.OTPExpiry = cfg.MFAOTPExpiry
	engine.MaxAttempts = cfg.MFAMaxAttempts
	engine.InactivityDays = cfg.MFAInactivityDays
	engine.SendTimeout = cfg.EmailSendTimeout

	pol := password.DefaultPolicy()
	pol.MinLength = cfg.PasswordMinLength

	orch := &session.Orchestrator{
		Users: db,
		Hasher: password.NewHasher(password.Params{
			MemoryKiB:   cfg.Argon2MemoryKiB,
			Time:        cfg.Argon2Time,
			Parallelism: cfg.Argon2Parallelism,
		}),
		Policy:            pol,
		Limiter:           limiter,
		Tokens:            tokens,
		Devices:           trust,
		MFA:               engine,
		Mailer:            ml,
		Audit:             rec,
		RevokeOnMFAChange: cfg.RevokeSessionsOnMFAChange,
		ResetTTL:          cfg.PasswordResetTTL,
		ResetURLBase:      cfg.ResetURLBase,
	}
	return &components{audit: rec, limiter: limiter, orch: orch}
}

func policy(p config.RatePolicy) ratelimit.Policy {
	return ratelimit.Policy{MaxAttempts: p.Max, Window: p.Window, Lockout: p.Lockout}
}

// newProviders registers the federated providers whose client ID is configured.
// Discovery makes an outbound request; a provider that fails it is skipped, not fatal.
func newProviders(ctx context.Context, cfg *config.Config) oauth.Registry {
	reg := oauth.Registry{}
	if cfg.GoogleClientID != "" {
		p, err := oauth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			slog.Error("google provider disabled", "error", err)
		} else {
			reg.Register(p)
		}
	}
	if cfg.MicrosoftClientID != "" {
		p, err := oauth.NewMicrosoftProvider(ctx, cfg.MicrosoftTenant, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURL)
		if err != nil {
			slog.Error("microsoft provider disabled", "error", err)
		} else {
			reg.Register(p)
		}
	}
	return reg
}

// smtpMailer returns the SMTP transport, or NopMailer when SMTP_HOST is unset.
func smtpMailer(cfg *config.Config) mail.Mailer {
	if cfg.SMTPHost == "" {
		return &mail.NopMailer{}
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		FromAddress: cfg.SMTPFromAddress,
	})
}
