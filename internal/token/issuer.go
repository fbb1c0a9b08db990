// issuer.go
//
// HS256 access tokens. Verification is stateless; revocation freshness comes
// from the session check the HTTP layer performs on every request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// TypeAccess is the only token type Verify accepts.
const TypeAccess = "access"

// ErrInvalidAccessToken covers bad signature, wrong algorithm, expiry and wrong type.
var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessClaims is the wire claim set: sub, sid, role, eff, type, iat, exp.
type AccessClaims struct {
	SessionID     string `json:"sid"`
	Role          string `json:"role"`
	EffectiveRole string `json:"eff"`
	Type          string `json:"type"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (uuid.UUID, error) {
	return uuid.FromString(c.Subject)
}

// SessionUUID parses the sid claim.
func (c *AccessClaims) SessionUUID() (uuid.UUID, error) {
	return uuid.FromString(c.SessionID)
}

// Issuer mints and verifies access tokens with one process secret.
type Issuer struct {
	TTL time.Duration
	Now func() time.Time

	secret []byte
}

// NewIssuer returns an Issuer. ttl <= 0 means 15 minutes.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{TTL: ttl, secret: secret}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Mint signs an access token for the session and returns it with its expiry.
func (i *Issuer) Mint(userID, sessionID uuid.UUID, role, effectiveRole string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.TTL)
	claims := AccessClaims{
		SessionID:     sessionID.String(),
		Role:          role,
		EffectiveRole: effectiveRole,
		Type:          TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, expiry and type, and returns the claims.
func (i *Issuer) Verify(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessToken, err)
	}
	if claims.Type != TypeAccess {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidAccessToken, claims.Type)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidAccessToken)
	}
	if _, err := claims.SessionUUID(); err != nil {
		return nil, fmt.Errorf("%w: bad session id", ErrInvalidAccessToken)
	}
	return claims, nil
}
