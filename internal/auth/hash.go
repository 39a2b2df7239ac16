package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewSecret generates a high-entropy opaque credential value.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the hex-encoded SHA-256 digest of an opaque secret.
// Used for tokens, refresh values, client secrets and verification codes:
// high-entropy values where a fast irreversible digest is sufficient.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecureCompareHash compares a stored digest against the digest of a
// presented secret in constant time.
func SecureCompareHash(expectedHash, secret string) bool {
	actual := HashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
