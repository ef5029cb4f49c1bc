// Package token generates the opaque single-use tokens used for email
// verification and password reset. These tokens are independent of the JWT
// signing keys: possession of a signing secret must not allow forging a
// verification link.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const rawSize = 32

// New returns a fresh opaque token and its storage hash. The raw value is
// base64url without padding and is the only form ever sent to a user; the
// hash is the only form ever persisted.
func New() (raw string, hash string, err error) {
	buf := make([]byte, rawSize)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, Hash(raw), nil
}

// Hash maps a presented raw token onto its storage form (hex-encoded
// SHA-256). Lookups hash the input and compare digests, never raw values.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
