package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/token"
	"github.com/gofrs/uuid/v5"
)

// defaultReauthWindow is how recent session activity must be for a sensitive action.
const defaultReauthWindow = 5 * time.Minute

// Refresh rotates a refresh token. Every failure is audited with its code; the
// caller only sees the tag.
func (o *Orchestrator) Refresh(ctx context.Context, rawRefresh string, c Client) (*Authenticated, error) {
	issued, err := o.Tokens.Refresh(ctx, rawRefresh, c.tokenMeta())
	if err != nil {
		serr := refreshFailure(err)
		if serr.Code == CodeInternal {
			slog.Error("refreshing session", "error", err)
		}
		o.Audit.Record(ctx, audit.Event{
			Type:          audit.SessionRefreshFailed,
			DeviceID:      c.DeviceID,
			IP:            c.IP,
			UserAgent:     c.UserAgent,
			Country:       c.Country,
			FailureReason: string(serr.Code),
			Details:       refreshDetails(err, serr),
		})
		return nil, serr
	}

	s := issued.Session
	o.Audit.Record(ctx, audit.Event{
		Type:      audit.SessionRefreshed,
		UserID:    &s.UserID,
		SessionID: &s.ID,
		DeviceID:  s.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Country:   c.Country,
		Success:   true,
	})

	claims, err := o.Tokens.Issuer.Verify(issued.AccessToken)
	role := ""
	if err == nil {
		role = claims.Role
	}
	return &Authenticated{
		UserID:           s.UserID,
		SessionID:        s.ID,
		Role:             role,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		ExpiresIn:        issued.ExpiresIn,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: s.RefreshExpiresAt,
		Trusted:          s.Trusted,
	}, nil
}

// refreshFailure maps a token manager error to the taxonomy.
func refreshFailure(err error) *Error {
	var revoked *token.RevokedError
	switch {
	case errors.As(err, &revoked):
		return &Error{Code: CodeSessionRevoked, Reason: revoked.Reason, Cause: err}
	case errors.Is(err, token.ErrSessionExpired):
		return fail(CodeSessionExpired, err)
	case errors.Is(err, token.ErrRefreshExpired):
		return fail(CodeRefreshExpired, err)
	case errors.Is(err, token.ErrInvalidToken):
		return fail(CodeInvalidToken, err)
	default:
		return internal(err)
	}
}

func refreshDetails(err error, serr *Error) audit.Details {
	d := audit.Details{}
	if errors.Is(err, token.ErrTokenReuse) {
		d["reuse_detected"] = true
	}
	if serr.Reason != "" {
		d["revoked_reason"] = serr.Reason
	}
	if serr.Code == CodeInternal {
		d["cause"] = err.Error()
	}
	return d
}

// EndSession logs one session out.
func (o *Orchestrator) EndSession(ctx context.Context, userID, sessionID uuid.UUID, c Client) error {
	if err := o.Tokens.RevokeSession(ctx, sessionID, token.ReasonLogout); err != nil {
		return internal(err)
	}
	o.Audit.Record(ctx, audit.Event{
		Type:      audit.SessionRevoked,
		UserID:    &userID,
		SessionID: &sessionID,
		DeviceID:  c.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Success:   true,
		Details:   audit.Details{"reason": token.ReasonLogout},
	})
	return nil
}

// EndAllSessions revokes every live session of the user, optionally sparing one.
func (o *Orchestrator) EndAllSessions(ctx context.Context, userID uuid.UUID, except *uuid.UUID, reason string) (int64, error) {
	n, err := o.Tokens.RevokeAllUserSessions(ctx, userID, except, reason)
	if err != nil {
		return 0, internal(err)
	}
	details := audit.Details{"reason": reason, "sessions_revoked": n}
	if except != nil {
		details["kept_session"] = except.String()
	}
	o.Audit.Record(ctx, audit.Event{
		Type:    audit.SessionsRevokedAll,
		UserID:  &userID,
		Success: true,
		Details: details,
	})
	return n, nil
}

// ValidateSession reports whether the session can still authenticate requests.
func (o *Orchestrator) ValidateSession(ctx context.Context, sessionID uuid.UUID) (*store.Session, error) {
	s, err := o.Tokens.Validate(ctx, sessionID)
	if err != nil {
		return nil, refreshFailure(err)
	}
	return s, nil
}

// Principal is the caller behind a verified access token and live session.
type Principal struct {
	UserID        uuid.UUID
	SessionID     uuid.UUID
	Role          string
	EffectiveRole string
	Session       *store.Session
}

// Authenticate verifies an access token and checks its session is still live.
// Revocation is visible on the next request. Only login and refresh move
// last_activity.
func (o *Orchestrator) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := o.Tokens.Issuer.Verify(accessToken)
	if err != nil {
		return nil, fail(CodeInvalidToken, err)
	}
	sid, err := claims.SessionUUID()
	if err != nil {
		return nil, fail(CodeInvalidToken, err)
	}
	uid, err := claims.UserID()
	if err != nil {
		return nil, fail(CodeInvalidToken, err)
	}

	s, err := o.ValidateSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if s.UserID != uid {
		return nil, fail(CodeInvalidToken, nil)
	}
	return &Principal{
		UserID:        uid,
		SessionID:     sid,
		Role:          claims.Role,
		EffectiveRole: claims.EffectiveRole,
		Session:       s,
	}, nil
}

// NeedsReauthentication reports whether a sensitive action on s must ask for
// credentials again: last_activity, set at login and refresh, must fall within
// the window. Non-sensitive actions never do.
func (o *Orchestrator) NeedsReauthentication(s *store.Session, sensitive bool) bool {
	if !sensitive {
		return false
	}
	window := o.ReauthWindow
	if window <= 0 {
		window = defaultReauthWindow
	}
	return o.now().Sub(s.LastActivityAt) > window
}

// OnPasswordChange ends every other session and stamps password_changed_at.
func (o *Orchestrator) OnPasswordChange(ctx context.Context, userID uuid.UUID, current *uuid.UUID, c Client) error {
	return o.afterPasswordUpdate(ctx, userID, current, token.ReasonPasswordChange, audit.PasswordChanged, c)
}

func (o *Orchestrator) afterPasswordUpdate(ctx context.Context, userID uuid.UUID, current *uuid.UUID, reason string, t audit.EventType, c Client) error {
	if _, err := o.EndAllSessions(ctx, userID, current, reason); err != nil {
		return err
	}
	if err := o.Users.MarkPasswordChanged(ctx, userID, o.now()); err != nil {
		return internal(err)
	}
	o.Audit.Record(ctx, audit.Event{
		Type:      t,
		UserID:    &userID,
		SessionID: current,
		DeviceID:  c.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Success:   true,
	})
	return nil
}

// OnMFAChange audits a change to the user's MFA settings and, when configured,
// ends every session.
func (o *Orchestrator) OnMFAChange(ctx context.Context, userID uuid.UUID, c Client) error {
	o.Audit.Record(ctx, audit.Event{
		Type:      audit.MFASettingsChanged,
		UserID:    &userID,
		DeviceID:  c.DeviceID,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		Success:   true,
		Details:   audit.Details{"sessions_revoked": o.RevokeOnMFAChange},
	})
	if !o.RevokeOnMFAChange {
		return nil
	}
	_, err := o.EndAllSessions(ctx, userID, nil, token.ReasonMFAChange)
	return err
}

// UpdateMFASettings stores new settings and applies OnMFAChange.
func (o *Orchestrator) UpdateMFASettings(ctx context.Context, settings *store.MFASettings, c Client) error {
	if err := o.MFA.SaveSettings(ctx, settings); err != nil {
		return internal(err)
	}
	return o.OnMFAChange(ctx, settings.UserID, c)
}

// Sessions lists the user's live sessions.
func (o *Orchestrator) Sessions(ctx context.Context, userID uuid.UUID) ([]store.Session, error) {
	sessions, err := o.Tokens.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, internal(err)
	}
	return sessions, nil
}

// TrustedDevices lists the user's trusted devices.
func (o *Orchestrator) TrustedDevices(ctx context.Context, userID uuid.UUID) ([]store.TrustedDevice, error) {
	devices, err := o.Devices.ListTrustedDevices(ctx, userID)
	if err != nil {
		return nil, internal(err)
	}
	return devices, nil
}

// RevokeDevice withdraws trust from one device. Reports whether it was trusted.
func (o *Orchestrator) RevokeDevice(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	ok, err := o.Devices.RevokeDeviceTrust(ctx, userID, deviceID)
	if err != nil {
		return false, internal(err)
	}
	return ok, nil
}
