// hash.go

// Argon2id password hashing with legacy bcrypt verification.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Scheme identifies the algorithm that produced an encoded hash.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeArgon2id
	SchemeBcrypt
)

func (s Scheme) String() string {
	switch s {
	case SchemeArgon2id:
		return "argon2id"
	case SchemeBcrypt:
		return "bcrypt"
	default:
		return "unknown"
	}
}

// ErrUnsupportedHash is returned for hashes no registered verifier understands.
var ErrUnsupportedHash = errors.New("unsupported password hash")

// maxPasswordBytes bounds the input to the KDF.
const maxPasswordBytes = 1024

const (
	argonSaltLen = 16
	argonKeyLen  = uint32(32)
)

// Params is the Argon2id cost configuration.
type Params struct {
	MemoryKiB   uint32
	Time        uint32
	Parallelism uint8
}

// DefaultParams is 64 MiB, 3 passes, 4 lanes.
var DefaultParams = Params{MemoryKiB: 64 * 1024, Time: 3, Parallelism: 4}

// Identify returns the scheme of an encoded hash from its prefix.
func Identify(encoded string) Scheme {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return SchemeArgon2id
	case strings.HasPrefix(encoded, "$2"):
		return SchemeBcrypt
	default:
		return SchemeUnknown
	}
}

// Hasher hashes new passwords with Argon2id and verifies every supported scheme.
type Hasher struct {
	Params Params
}

// NewHasher returns a Hasher using p; zero fields take DefaultParams values.
func NewHasher(p Params) *Hasher {
	if p.MemoryKiB == 0 {
		p.MemoryKiB = DefaultParams.MemoryKiB
	}
	if p.Time == 0 {
		p.Time = DefaultParams.Time
	}
	if p.Parallelism == 0 {
		p.Parallelism = DefaultParams.Parallelism
	}
	return &Hasher{Params: p}
}

// Hash returns PHC-formatted Argon2id hash of plaintext password.
// Format: $argon2id$v=19$m=65536,t=3,p=4$<base64 salt>$<base64 hash>
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("password exceeds %d bytes", maxPasswordBytes)
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.Params.Time, h.Params.MemoryKiB, h.Params.Parallelism, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Params.MemoryKiB, h.Params.Time, h.Params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against an encoded hash of any supported scheme.
// needsRehash is only meaningful when ok is true: the caller should store a fresh Hash.
func (h *Hasher) Verify(password, encoded string) (ok, needsRehash bool, err error) {
	if len(password) > maxPasswordBytes {
		return false, false, nil
	}
	switch Identify(encoded) {
	case SchemeArgon2id:
		ok, err = verifyArgon2id(password, encoded)
	case SchemeBcrypt:
		ok, err = verifyBcrypt(password, encoded)
	default:
		return false, false, ErrUnsupportedHash
	}
	if err != nil || !ok {
		return false, false, err
	}
	return true, h.NeedsRehash(encoded), nil
}

// NeedsRehash reports whether encoded uses a legacy scheme or weaker Argon2 parameters
// than the Hasher is configured with.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if Identify(encoded) != SchemeArgon2id {
		return true
	}
	p, _, _, err := decodeArgon2id(encoded)
	if err != nil {
		return true
	}
	return h.Params.MemoryKiB > p.MemoryKiB || h.Params.Time > p.Time || h.Params.Parallelism > p.Parallelism
}

// verifyArgon2id extracts params from the stored hash so old passwords verify after param changes.
// Uses constant-time comparison to prevent timing attacks.
func verifyArgon2id(password, encoded string) (bool, error) {
	p, salt, expected, err := decodeArgon2id(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func decodeArgon2id(encoded string) (Params, []byte, []byte, error) {
	var p Params
	// Format: $argon2id$v=19$m=65536,t=3,p=4$<base64 salt>$<base64 hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("invalid argon2id hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding hash: %w", err)
	}
	return p, salt, key, nil
}

func verifyBcrypt(password, encoded string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verifying bcrypt hash: %w", err)
	}
}
