// Package session implements the token lifecycle: minting, validation,
// rotation and revocation of session/refresh credential pairs.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/ids"
)

const (
	defaultTokenTTL   = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// Credentials carries the raw token values returned to the caller exactly
// once. Only hashes are persisted; a lost value means re-authentication.
type Credentials struct {
	Token            string    `json:"token"`
	Refresh          string    `json:"refresh"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Manager mints, validates, rotates and revokes session credential pairs.
type Manager struct {
	store      auth.Store
	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithTokenTTL configures access token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.tokenTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager with optional configuration.
func NewManager(store auth.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		tokenTTL:   defaultTokenTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a fresh credential pair for the principal. Either userID or
// clientID may be empty, not both.
func (m *Manager) Issue(ctx context.Context, userID, clientID string) (Credentials, *auth.Session, error) {
	if userID == "" && clientID == "" {
		return Credentials{}, nil, auth.ErrInvalidInput
	}
	tokenSecret, err := auth.NewSecret()
	if err != nil {
		return Credentials{}, nil, err
	}
	refreshSecret, err := auth.NewSecret()
	if err != nil {
		return Credentials{}, nil, err
	}

	now := m.now().UTC()
	sess := &auth.Session{
		ID:               ids.New(),
		UserID:           userID,
		ClientID:         clientID,
		TokenHash:        auth.HashSecret(tokenSecret),
		RefreshHash:      auth.HashSecret(refreshSecret),
		IssuedAt:         now,
		TokenExpiresAt:   now.Add(m.tokenTTL),
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}
	if err := m.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return Credentials{}, nil, err
	}
	creds := Credentials{
		Token:            sess.ID + "." + tokenSecret,
		Refresh:          sess.ID + "." + refreshSecret,
		TokenExpiresAt:   sess.TokenExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
	}
	return creds, sess, nil
}

// Validate checks a presented access token and returns its active session.
// Expired, revoked and unknown tokens all surface auth.ErrInvalidToken.
func (m *Manager) Validate(ctx context.Context, token string) (*auth.Session, error) {
	sess, secret, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if m.now().After(sess.TokenExpiresAt) {
		return nil, auth.ErrInvalidToken
	}
	if !auth.SecureCompareHash(sess.TokenHash, secret) {
		return nil, auth.ErrInvalidToken
	}
	return sess, nil
}

// Refresh validates a refresh value and rotates the pair: the old session is
// revoked and a new pair is minted in a single conditional transition, so at
// no point are both pairs valid and a consumed refresh value is rejected
// permanently.
func (m *Manager) Refresh(ctx context.Context, refresh string) (Credentials, *auth.Session, error) {
	sess, secret, err := m.lookup(ctx, refresh)
	if err != nil {
		return Credentials{}, nil, err
	}
	if m.now().After(sess.RefreshExpiresAt) {
		return Credentials{}, nil, auth.ErrInvalidToken
	}
	if !auth.SecureCompareHash(sess.RefreshHash, secret) {
		// A well-formed id with the wrong secret suggests token theft;
		// kill the session outright.
		_, _ = m.store.Sessions(ctx).Revoke(ctx, sess.ID)
		return Credentials{}, nil, auth.ErrInvalidToken
	}

	won, err := m.store.Sessions(ctx).Revoke(ctx, sess.ID)
	if err != nil {
		return Credentials{}, nil, err
	}
	if !won {
		// A concurrent refresh already rotated this pair.
		return Credentials{}, nil, auth.ErrInvalidToken
	}
	return m.Issue(ctx, sess.UserID, sess.ClientID)
}

// Revoke invalidates the session a credential belongs to. It accepts either
// the token or the refresh value, kills both halves of the pair, and is
// idempotent: revoking an already-revoked session succeeds.
func (m *Manager) Revoke(ctx context.Context, credential string) error {
	id, secret, err := splitCredential(credential)
	if err != nil {
		return auth.ErrInvalidToken
	}
	sess, err := m.store.Sessions(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrInvalidToken
		}
		return err
	}
	if !auth.SecureCompareHash(sess.TokenHash, secret) && !auth.SecureCompareHash(sess.RefreshHash, secret) {
		return auth.ErrInvalidToken
	}
	_, err = m.store.Sessions(ctx).Revoke(ctx, sess.ID)
	return err
}

// RevokeAllForUser kills every session belonging to the user.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) error {
	return m.store.Sessions(ctx).RevokeByUser(ctx, userID)
}

// ListForUser returns the user's sessions, newest first in SQL-backed stores.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*auth.Session, error) {
	return m.store.Sessions(ctx).ListByUser(ctx, userID)
}

// List returns all sessions.
func (m *Manager) List(ctx context.Context) ([]*auth.Session, error) {
	return m.store.Sessions(ctx).List(ctx)
}

func (m *Manager) lookup(ctx context.Context, credential string) (*auth.Session, string, error) {
	id, secret, err := splitCredential(credential)
	if err != nil {
		return nil, "", auth.ErrInvalidToken
	}
	sess, err := m.store.Sessions(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, "", auth.ErrInvalidToken
		}
		return nil, "", err
	}
	if sess.Revoked {
		return nil, "", auth.ErrInvalidToken
	}
	return sess, secret, nil
}

func splitCredential(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid credential format")
	}
	return parts[0], parts[1], nil
}
