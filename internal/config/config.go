// config.go

// Process configuration: environment variables, optionally a config file.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minSecretLen is the shortest accepted JWT_SECRET / IP_HASH_SECRET.
const minSecretLen = 32

// maxEmailSendTimeout caps EMAIL_SEND_TIMEOUT; outbound mail never blocks longer.
const maxEmailSendTimeout = 120 * time.Second

// RatePolicy is one rate limiter scope: Max attempts per Window, then Lockout.
type RatePolicy struct {
	Max     int
	Window  time.Duration
	Lockout time.Duration
}

// Config holds all configuration for warden.
// Built once at startup and passed into constructors; components never read the environment.
type Config struct {
	DatabaseURL string
	RedisURL    string // optional; empty disables the mail queue
	Port        string
	LogLevel    slog.Level

	// Secrets. Both required, at least 32 bytes.
	JWTSecret    string
	IPHashSecret string

	// Token lifetimes. Defaults: 900s access, 30d refresh, 90d absolute.
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	SessionAbsoluteTTL time.Duration

	// Argon2id cost. Defaults: 64 MiB, 3 passes, 4 lanes.
	Argon2MemoryKiB   uint32
	Argon2Time        uint32
	Argon2Parallelism uint8

	PasswordMinLength int

	// Rate limiter scopes.
	RateLoginIP         RatePolicy
	RateLoginUser       RatePolicy
	RateMFAUser         RatePolicy
	RatePasswordResetIP RatePolicy

	MaxLoginFailures int
	AccountLockout   time.Duration

	// MFA
	MFAOTPExpiry              time.Duration
	MFAMaxAttempts            int
	MFAInactivityDays         int
	RevokeSessionsOnMFAChange bool

	DeviceTrustTTL time.Duration

	// SMTP configuration for outbound email. All optional -- empty Host disables sending.
	SMTPHost         string
	SMTPPort         string // defaults to 587
	SMTPUsername     string
	SMTPPassword     string
	SMTPFromAddress  string
	EmailSendTimeout time.Duration

	// Password reset links point here; token appended as ?token=.
	ResetURLBase     string
	PasswordResetTTL time.Duration

	// Federated login. A provider is enabled when its client ID is set.
	GoogleClientID        string
	GoogleClientSecret    string
	GoogleRedirectURL     string
	MicrosoftTenant       string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
}

// LoadConfig reads the environment (and CONFIG_FILE, if set) and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, JWT_SECRET, IP_HASH_SECRET) are missing.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	// Optional file; env vars still win over file values.
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading CONFIG_FILE %s: %w", file, err)
		}
	}

	cfg := &Config{}

	cfg.DatabaseURL = v.GetString("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.JWTSecret = v.GetString("JWT_SECRET")
	if len(cfg.JWTSecret) < minSecretLen {
		return nil, fmt.Errorf("JWT_SECRET is required and must be at least %d bytes", minSecretLen)
	}
	cfg.IPHashSecret = v.GetString("IP_HASH_SECRET")
	if len(cfg.IPHashSecret) < minSecretLen {
		return nil, fmt.Errorf("IP_HASH_SECRET is required and must be at least %d bytes", minSecretLen)
	}

	cfg.RedisURL = v.GetString("REDIS_URL")

	// Attempt to get port num, default to 7865
	cfg.Port = v.GetString("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	// Parse log level, default to info
	switch strings.ToLower(v.GetString("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.AccessTokenTTL = time.Duration(envInt(v, "ACCESS_TOKEN_TTL_SECONDS", 900)) * time.Second
	cfg.RefreshTokenTTL = days(envInt(v, "REFRESH_TOKEN_TTL_DAYS", 30))
	cfg.SessionAbsoluteTTL = days(envInt(v, "SESSION_ABSOLUTE_TTL_DAYS", 90))
	if cfg.RefreshTokenTTL > cfg.SessionAbsoluteTTL {
		return nil, fmt.Errorf("REFRESH_TOKEN_TTL_DAYS must not exceed SESSION_ABSOLUTE_TTL_DAYS")
	}

	cfg.Argon2MemoryKiB = uint32(envInt(v, "ARGON2_MEMORY_KIB", 64*1024))
	cfg.Argon2Time = uint32(envInt(v, "ARGON2_TIME", 3))
	cfg.Argon2Parallelism = uint8(min(envInt(v, "ARGON2_PARALLELISM", 4), 255))
	cfg.PasswordMinLength = envInt(v, "PASSWORD_MIN_LENGTH", 12)

	// Rate limits. Any missing or invalid field falls back to its default so a
	// misconfigured env doesn't silently disable rate limiting.
	cfg.RateLoginIP = envPolicy(v, "RATE_LOGIN_IP", 10, 15, 15)
	cfg.RateLoginUser = envPolicy(v, "RATE_LOGIN_USER", 5, 15, 30)
	cfg.RateMFAUser = envPolicy(v, "RATE_MFA_USER", 5, 10, 30)
	cfg.RatePasswordResetIP = envPolicy(v, "RATE_PASSWORD_RESET_IP", 5, 60, 60)

	cfg.MaxLoginFailures = envInt(v, "MAX_LOGIN_FAILURES", 5)
	cfg.AccountLockout = minutes(envInt(v, "ACCOUNT_LOCKOUT_MINUTES", 30))

	cfg.MFAOTPExpiry = minutes(envInt(v, "MFA_OTP_EXPIRY_MINUTES", 10))
	cfg.MFAMaxAttempts = envInt(v, "MFA_MAX_ATTEMPTS", 5)
	cfg.MFAInactivityDays = envInt(v, "MFA_INACTIVITY_DAYS", 30)
	// Default true -- only explicit "false" disables.
	cfg.RevokeSessionsOnMFAChange = envBool(v, "REVOKE_SESSIONS_ON_MFA_CHANGE", true)

	cfg.DeviceTrustTTL = days(envInt(v, "DEVICE_TRUST_DAYS", 30))

	// SMTP -- all optional; empty Host means no email sending (NopMailer).
	cfg.SMTPHost = v.GetString("SMTP_HOST")
	cfg.SMTPPort = v.GetString("SMTP_PORT")
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	cfg.SMTPUsername = v.GetString("SMTP_USERNAME")
	cfg.SMTPPassword = v.GetString("SMTP_PASSWORD")
	cfg.SMTPFromAddress = v.GetString("SMTP_FROM")
	cfg.EmailSendTimeout = envDuration(v, "EMAIL_SEND_TIMEOUT", 30*time.Second)
	if cfg.EmailSendTimeout > maxEmailSendTimeout {
		slog.Warn("EMAIL_SEND_TIMEOUT too long, capping", "value", cfg.EmailSendTimeout, "cap", maxEmailSendTimeout)
		cfg.EmailSendTimeout = maxEmailSendTimeout
	}

	cfg.ResetURLBase = v.GetString("RESET_URL_BASE")
	cfg.PasswordResetTTL = envDuration(v, "PASSWORD_RESET_TTL", time.Hour)

	// Reset tokens must not travel over plain HTTP.
	if cfg.SMTPHost != "" && !strings.HasPrefix(cfg.ResetURLBase, "https://") {
		return nil, fmt.Errorf("RESET_URL_BASE must be set and start with https://")
	}

	cfg.GoogleClientID = v.GetString("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = v.GetString("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = v.GetString("GOOGLE_REDIRECT_URL")
	cfg.MicrosoftTenant = v.GetString("MICROSOFT_TENANT")
	if cfg.MicrosoftTenant == "" {
		cfg.MicrosoftTenant = "common"
	}
	cfg.MicrosoftClientID = v.GetString("MICROSOFT_CLIENT_ID")
	cfg.MicrosoftClientSecret = v.GetString("MICROSOFT_CLIENT_SECRET")
	cfg.MicrosoftRedirectURL = v.GetString("MICROSOFT_REDIRECT_URL")

	return cfg, nil
}

func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// envPolicy reads <prefix>_MAX, <prefix>_WINDOW_MINUTES and <prefix>_LOCKOUT_MINUTES.
func envPolicy(v *viper.Viper, prefix string, max, windowMin, lockoutMin int) RatePolicy {
	return RatePolicy{
		Max:     envInt(v, prefix+"_MAX", max),
		Window:  minutes(envInt(v, prefix+"_WINDOW_MINUTES", windowMin)),
		Lockout: minutes(envInt(v, prefix+"_LOCKOUT_MINUTES", lockoutMin)),
	}
}

// envInt reads a key as a positive int, returning def if missing or unparseable.
func envInt(v *viper.Viper, key string, def int) int {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", s, "default", def)
		return def
	}
	return n
}

// envDuration reads a key as time.Duration, returning def if missing or unparseable.
func envDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", s, "default", def)
		return def
	}
	return d
}

// envBool reads a key as a bool, returning def if missing or unparseable.
func envBool(v *viper.Viper, key string, def bool) bool {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("invalid config value, using default", "key", key, "value", s, "default", def)
		return def
	}
	return b
}
