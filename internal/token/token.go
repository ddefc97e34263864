// Package token issues and verifies the opaque bearer credentials used
// by runner registration and task leases. The server only ever stores
// SHA-256 digests; raw tokens appear exactly once, in the response that
// issues them.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// New generates a fresh unguessable token (32 random bytes, hex).
func New() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest returns the hex SHA-256 digest of a raw token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether raw matches the stored digest, in constant
// time. An empty digest never verifies (terminal tasks clear theirs).
func Verify(raw, digest string) bool {
	if raw == "" || digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Digest(raw)), []byte(digest)) == 1
}
