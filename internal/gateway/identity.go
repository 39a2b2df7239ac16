package gateway

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate.dev/internal/auth"
)

// IdentityHeader carries the signed identity envelope to downstream
// services, which trust it without re-authenticating.
const IdentityHeader = "X-Gateway-Identity"

// identityClaims is the envelope payload: resolved ids and roles only,
// never raw credentials or hashes.
type identityClaims struct {
	ClientID    string            `json:"client_id"`
	ClientRoles []auth.ClientRole `json:"client_roles,omitempty"`
	UserRoles   []auth.Role       `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// IdentitySigner signs per-request identity envelopes with HS256.
type IdentitySigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SignerOption configures IdentitySigner behavior.
type SignerOption func(*IdentitySigner)

// WithSignerClock overrides the time source (useful for tests).
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *IdentitySigner) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewIdentitySigner constructs a signer. The envelope lives only as long as
// one forwarded request needs, so the TTL stays in seconds, not minutes.
func NewIdentitySigner(secret, issuer string, ttl time.Duration, opts ...SignerOption) (*IdentitySigner, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("gateway: identity secret is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	s := &IdentitySigner{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign produces the envelope for one request.
func (s *IdentitySigner) Sign(info auth.RequestInfo) (string, error) {
	now := s.now().UTC()
	claims := identityClaims{
		ClientID:    info.ClientID,
		ClientRoles: info.ClientRoles,
		UserRoles:   info.UserRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   info.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates an envelope, returning the embedded identity.
// Used by tests and by downstream services sharing the secret.
func (s *IdentitySigner) Verify(raw string) (auth.RequestInfo, error) {
	parsed, err := jwt.ParseWithClaims(raw, &identityClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, auth.ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return auth.RequestInfo{}, auth.ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid {
		return auth.RequestInfo{}, auth.ErrInvalidToken
	}
	return auth.RequestInfo{
		ClientID:    claims.ClientID,
		ClientRoles: claims.ClientRoles,
		UserID:      claims.Subject,
		UserRoles:   claims.UserRoles,
	}, nil
}
