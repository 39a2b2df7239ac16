// Package login drives the multi-step authentication negotiation. Progress
// lives in an in-memory arena of short-lived records keyed by opaque state
// tokens; nothing about the negotiation is durable or exposed to callers
// beyond the token itself.
package login

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/session"
)

// Step names the protocol steps.
type Step string

const (
	StepEmail    Step = "email"
	StepPassword Step = "password"
	StepCode     Step = "code"
	StepTOTP     Step = "totp"
)

var (
	// ErrInvalidState covers unknown, expired, consumed and foreign state
	// tokens alike; callers must restart the negotiation.
	ErrInvalidState = errors.New("login: invalid or expired state")
)

const (
	defaultStateTTL     = 5 * time.Minute
	defaultCodeTTL      = 10 * time.Minute
	defaultAttemptLimit = 5
	sweepInterval       = time.Minute
	codeDigits          = 6
)

// Payload carries the step-specific fields of one submission.
type Payload struct {
	Email    string
	Password string
	Code     string
}

// Result is the outcome of an accepted submission: either the next required
// step with a fresh state token, or the issued session credentials.
type Result struct {
	NextStep    Step
	State       string
	Credentials *session.Credentials
}

// Issued reports whether the negotiation completed with a session.
func (r Result) Issued() bool { return r.Credentials != nil }

// CodeSender delivers a one-time code out-of-band (mail, SMS).
type CodeSender func(ctx context.Context, user *auth.User, code string) error

type state struct {
	token     string
	expected  Step
	userID    string
	email     string
	clientID  string
	attempts  int
	expiresAt time.Time
}

// Flow is the login state machine. One Flow serves all concurrent
// negotiations; records are independent and keyed by opaque token.
type Flow struct {
	store    auth.Store
	sessions *session.Manager
	send     CodeSender

	stateTTL     time.Duration
	codeTTL      time.Duration
	attemptLimit int
	now          func() time.Time

	mu     sync.Mutex
	states map[string]*state
	stopCh chan struct{}
}

// Option configures Flow behavior.
type Option func(*Flow)

// WithStateTTL bounds how long a negotiation may idle between steps.
func WithStateTTL(ttl time.Duration) Option {
	return func(f *Flow) {
		if ttl > 0 {
			f.stateTTL = ttl
		}
	}
}

// WithCodeTTL bounds verification code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(f *Flow) {
		if ttl > 0 {
			f.codeTTL = ttl
		}
	}
}

// WithAttemptLimit caps failed password attempts per negotiation.
func WithAttemptLimit(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.attemptLimit = n
		}
	}
}

// WithCodeSender installs the out-of-band code delivery hook.
func WithCodeSender(send CodeSender) Option {
	return func(f *Flow) {
		if send != nil {
			f.send = send
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(f *Flow) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFlow constructs the state machine and starts its expiry sweeper.
func NewFlow(store auth.Store, sessions *session.Manager, opts ...Option) *Flow {
	f := &Flow{
		store:        store,
		sessions:     sessions,
		send:         func(context.Context, *auth.User, string) error { return nil },
		stateTTL:     defaultStateTTL,
		codeTTL:      defaultCodeTTL,
		attemptLimit: defaultAttemptLimit,
		now:          time.Now,
		states:       make(map[string]*state),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.sweep()
	return f
}

// Stop terminates the background sweeper.
func (f *Flow) Stop() {
	close(f.stopCh)
}

// Submit advances one negotiation. The first submission carries no state
// token and must be the email or password step; every later submission must
// present the token issued by the prior accepted step.
func (f *Flow) Submit(ctx context.Context, step Step, stateToken, clientID string, payload Payload) (Result, error) {
	switch step {
	case StepEmail, StepPassword, StepCode, StepTOTP:
	default:
		return Result{}, fmt.Errorf("%w: unknown step %q", auth.ErrInvalidInput, step)
	}

	if stateToken == "" {
		switch step {
		case StepEmail:
			return f.submitEmail(ctx, clientID, payload)
		case StepPassword:
			return f.submitFirstPassword(ctx, clientID, payload)
		default:
			return Result{}, ErrInvalidState
		}
	}

	st, ok := f.lookup(stateToken)
	if !ok || st.expected != step {
		return Result{}, ErrInvalidState
	}

	switch step {
	case StepPassword:
		return f.submitPassword(ctx, st, payload)
	case StepCode:
		return f.submitCode(ctx, st, payload)
	case StepTOTP:
		return f.submitTOTP(ctx, st, payload)
	default:
		return Result{}, ErrInvalidState
	}
}

func (f *Flow) submitEmail(ctx context.Context, clientID string, payload Payload) (Result, error) {
	email := strings.TrimSpace(strings.ToLower(payload.Email))
	if email == "" {
		return Result{}, fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}

	user, err := f.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return Result{}, err
	}

	// Unknown addresses get the same shaped response as known ones so the
	// endpoint cannot be used to enumerate accounts. The decoy negotiation
	// proceeds to a password step that can never succeed.
	next := StepPassword
	st := &state{email: email, clientID: clientID}
	if user != nil {
		if user.Status != auth.UserStatusActive {
			user = nil
		}
	}
	if user != nil {
		st.userID = user.ID
		if user.PasswordHash == "" {
			next = StepCode
			if err := f.mintCode(ctx, user); err != nil {
				return Result{}, err
			}
		}
	}
	token := f.put(st, next)
	return Result{NextStep: next, State: token}, nil
}

func (f *Flow) submitFirstPassword(ctx context.Context, clientID string, payload Payload) (Result, error) {
	email := strings.TrimSpace(strings.ToLower(payload.Email))
	if email == "" || payload.Password == "" {
		return Result{}, fmt.Errorf("%w: email and password are required", auth.ErrInvalidInput)
	}
	user, err := f.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Result{}, auth.ErrInvalidCredentials
		}
		return Result{}, err
	}
	if user.Status != auth.UserStatusActive {
		return Result{}, auth.ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(user.PasswordHash, payload.Password); err != nil {
		return Result{}, auth.ErrInvalidCredentials
	}
	return f.afterPassword(ctx, user, &state{userID: user.ID, email: email, clientID: clientID}, "")
}

func (f *Flow) submitPassword(ctx context.Context, st *state, payload Payload) (Result, error) {
	if payload.Password == "" {
		return Result{}, fmt.Errorf("%w: password is required", auth.ErrInvalidInput)
	}

	var user *auth.User
	if st.userID != "" {
		var err error
		user, err = f.store.Users(ctx).Find(ctx, st.userID)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			return Result{}, err
		}
	}
	// Decoy negotiations (unknown email) carry no user and fail here with
	// the same error as a wrong password.
	if user == nil || auth.VerifyPassword(user.PasswordHash, payload.Password) != nil {
		if exhausted := f.recordFailure(st.token); exhausted {
			return Result{}, ErrInvalidState
		}
		return Result{}, auth.ErrInvalidCredentials
	}
	return f.afterPassword(ctx, user, st, st.token)
}

func (f *Flow) afterPassword(ctx context.Context, user *auth.User, st *state, oldToken string) (Result, error) {
	switch {
	case user.TwoFactorEmail:
		if err := f.mintCode(ctx, user); err != nil {
			return Result{}, err
		}
		token, err := f.advance(st, oldToken, StepCode)
		if err != nil {
			return Result{}, err
		}
		return Result{NextStep: StepCode, State: token}, nil
	case user.TOTPSecret != "":
		token, err := f.advance(st, oldToken, StepTOTP)
		if err != nil {
			return Result{}, err
		}
		return Result{NextStep: StepTOTP, State: token}, nil
	default:
		return f.issue(ctx, st, oldToken)
	}
}

func (f *Flow) submitCode(ctx context.Context, st *state, payload Payload) (Result, error) {
	code := strings.TrimSpace(payload.Code)
	if code == "" {
		return Result{}, fmt.Errorf("%w: code is required", auth.ErrInvalidInput)
	}
	err := f.store.VerificationCodes(ctx).Consume(ctx, st.userID, auth.VerificationPurposeLogin, auth.HashSecret(code), f.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCodeConsumed), errors.Is(err, auth.ErrNotFound):
			// Guesses draw from the same budget as wrong passwords.
			if f.recordFailure(st.token) {
				return Result{}, ErrInvalidState
			}
			if errors.Is(err, auth.ErrCodeConsumed) {
				return Result{}, auth.ErrCodeConsumed
			}
			return Result{}, auth.ErrInvalidCredentials
		default:
			return Result{}, err
		}
	}

	user, err := f.store.Users(ctx).Find(ctx, st.userID)
	if err != nil {
		return Result{}, err
	}
	if user.TOTPSecret != "" {
		token, err := f.advance(st, st.token, StepTOTP)
		if err != nil {
			return Result{}, err
		}
		return Result{NextStep: StepTOTP, State: token}, nil
	}
	return f.issue(ctx, st, st.token)
}

func (f *Flow) submitTOTP(ctx context.Context, st *state, payload Payload) (Result, error) {
	code := strings.TrimSpace(payload.Code)
	if code == "" {
		return Result{}, fmt.Errorf("%w: code is required", auth.ErrInvalidInput)
	}
	user, err := f.store.Users(ctx).Find(ctx, st.userID)
	if err != nil {
		return Result{}, err
	}
	if err := auth.ValidateTOTP(user.TOTPSecret, code, f.now()); err != nil {
		if f.recordFailure(st.token) {
			return Result{}, ErrInvalidState
		}
		return Result{}, auth.ErrInvalidCredentials
	}
	return f.issue(ctx, st, st.token)
}

func (f *Flow) issue(ctx context.Context, st *state, oldToken string) (Result, error) {
	if oldToken != "" {
		if !f.remove(oldToken) {
			return Result{}, ErrInvalidState
		}
	}
	creds, _, err := f.sessions.Issue(ctx, st.userID, st.clientID)
	if err != nil {
		return Result{}, err
	}
	return Result{Credentials: &creds}, nil
}

func (f *Flow) mintCode(ctx context.Context, user *auth.User) error {
	code, err := randomDigits(codeDigits)
	if err != nil {
		return err
	}
	now := f.now().UTC()
	rec := &auth.VerificationCode{
		UserID:    user.ID,
		Purpose:   auth.VerificationPurposeLogin,
		CodeHash:  auth.HashSecret(code),
		ExpiresAt: now.Add(f.codeTTL),
		CreatedAt: now,
	}
	if err := f.store.VerificationCodes(ctx).Create(ctx, rec); err != nil {
		return err
	}
	return f.send(ctx, user, code)
}

// put registers a fresh negotiation record and returns its opaque token.
func (f *Flow) put(st *state, expected Step) string {
	token := uuid.NewString()
	st.token = token
	st.expected = expected
	st.expiresAt = f.now().Add(f.stateTTL)
	f.mu.Lock()
	f.states[token] = st
	f.mu.Unlock()
	return token
}

// lookup returns a copy of the live record for token, if any.
func (f *Flow) lookup(token string) (*state, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[token]
	if !ok || f.now().After(st.expiresAt) {
		delete(f.states, token)
		return nil, false
	}
	cp := *st
	return &cp, true
}

// advance atomically replaces the old record with one expecting the next
// step. The old token dies; a concurrent submission holding it restarts.
func (f *Flow) advance(st *state, oldToken string, next Step) (string, error) {
	if oldToken != "" {
		if !f.remove(oldToken) {
			return "", ErrInvalidState
		}
	}
	st.attempts = 0
	return f.put(st, next), nil
}

func (f *Flow) remove(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[token]; !ok {
		return false
	}
	delete(f.states, token)
	return true
}

// recordFailure counts a failed attempt against the live record and reports
// whether the negotiation is exhausted (record dropped, restart required).
func (f *Flow) recordFailure(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[token]
	if !ok {
		return true
	}
	st.attempts++
	if st.attempts >= f.attemptLimit {
		delete(f.states, token)
		return true
	}
	return false
}

func (f *Flow) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := f.now()
			f.mu.Lock()
			for token, st := range f.states {
				if now.After(st.expiresAt) {
					delete(f.states, token)
				}
			}
			f.mu.Unlock()
		case <-f.stopCh:
			return
		}
	}
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", d.Int64())
	}
	return b.String(), nil
}
