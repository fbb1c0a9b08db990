// refresh.go

// Opaque refresh token generation. Only the SHA-256 of the encoded token is stored.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateRefreshToken returns a 256-bit random token, base64url without padding
// (43 chars), and the hash that goes in storage.
func GenerateRefreshToken() (string, []byte, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(b[:])
	return raw, HashRefreshToken(raw), nil
}

// HashRefreshToken is the lookup key for a presented refresh token.
func HashRefreshToken(raw string) []byte {
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}
