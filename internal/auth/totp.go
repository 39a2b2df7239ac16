package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	// totpSkew tolerates one interval of clock drift in either direction.
	totpSkew = 1
)

// GenerateTOTP computes the time-based one-time code (RFC 6238, HMAC-SHA1,
// 30 second period, 6 digits) for a base32-encoded secret at time t.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return "", err
	}
	counter := uint64(t.Unix()) / uint64(totpPeriod.Seconds())
	return hotp(key, counter), nil
}

// ValidateTOTP checks a submitted code against the secret with a tolerance
// of one period in either direction.
func ValidateTOTP(secret, code string, t time.Time) error {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return ErrInvalidCredentials
	}
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return ErrInvalidCredentials
	}
	counter := int64(uint64(t.Unix()) / uint64(totpPeriod.Seconds()))
	for offset := int64(-totpSkew); offset <= totpSkew; offset++ {
		c := counter + offset
		if c < 0 {
			continue
		}
		expected := hotp(key, uint64(c))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return nil
		}
	}
	return ErrInvalidCredentials
}

func decodeTOTPSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("decode totp secret: empty key")
	}
	return key, nil
}

func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, value%1_000_000)
}
