package login

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/session"
)

const totpTestSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type capturedCode struct {
	mu   sync.Mutex
	code string
}

func (c *capturedCode) sender() CodeSender {
	return func(_ context.Context, _ *auth.User, code string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.code = code
		return nil
	}
}

func (c *capturedCode) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func newTestFlow(t *testing.T, opts ...Option) (*Flow, *auth.MemStore) {
	t.Helper()
	store := auth.NewMemStore()
	sessions := session.NewManager(store)
	f := NewFlow(store, sessions, opts...)
	t.Cleanup(f.Stop)
	return f, store
}

func createUser(t *testing.T, store *auth.MemStore, u *auth.User) *auth.User {
	t.Helper()
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	if err := store.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func TestPasswordOnlyLogin(t *testing.T) {
	f, store := newTestFlow(t)
	createUser(t, store, &auth.User{Email: "a@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	if res.NextStep != StepPassword || res.State == "" {
		t.Fatalf("expected password step with state, got %+v", res)
	}

	res, err = f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if !res.Issued() {
		t.Fatalf("expected issued credentials, got next=%s", res.NextStep)
	}
	if res.Credentials.Token == "" || res.Credentials.Refresh == "" {
		t.Fatalf("credentials incomplete: %+v", res.Credentials)
	}
}

func TestSingleShotPasswordLogin(t *testing.T) {
	f, store := newTestFlow(t)
	createUser(t, store, &auth.User{Email: "a@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("single-shot login: %v", err)
	}
	if !res.Issued() {
		t.Fatalf("expected credentials")
	}

	_, err = f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "wrong"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong password must fail, got %v", err)
	}
}

func TestEmailCodeSecondFactor(t *testing.T) {
	var captured capturedCode
	f, store := newTestFlow(t, WithCodeSender(captured.sender()))
	createUser(t, store, &auth.User{
		Email:          "a@example.com",
		PasswordHash:   hashPassword(t, "hunter22"),
		TwoFactorEmail: true,
	})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	res, err = f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if res.NextStep != StepCode {
		t.Fatalf("expected code step, got %s", res.NextStep)
	}
	code := captured.get()
	if len(code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", code)
	}

	res, err = f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: code})
	if err != nil {
		t.Fatalf("code step: %v", err)
	}
	if !res.Issued() {
		t.Fatalf("expected credentials after code")
	}
}

func TestCodeRedemptionSingleWinner(t *testing.T) {
	var captured capturedCode
	f, store := newTestFlow(t, WithCodeSender(captured.sender()))
	createUser(t, store, &auth.User{
		Email:          "a@example.com",
		PasswordHash:   hashPassword(t, "hunter22"),
		TwoFactorEmail: true,
	})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	res, err = f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	code := captured.get()
	state := res.State

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.Submit(ctx, StepCode, state, "c1", Payload{Code: code})
			mu.Lock()
			defer mu.Unlock()
			if err == nil && out.Issued() {
				wins++
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one session, got %d", wins)
	}
}

func TestTOTPFinalStep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, store := newTestFlow(t, WithClock(func() time.Time { return now }))
	createUser(t, store, &auth.User{
		Email:        "a@example.com",
		PasswordHash: hashPassword(t, "hunter22"),
		TOTPSecret:   totpTestSecret,
	})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if res.NextStep != StepTOTP {
		t.Fatalf("expected totp step, got %s", res.NextStep)
	}

	_, err = f.Submit(ctx, StepTOTP, res.State, "c1", Payload{Code: "000000"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong totp must fail, got %v", err)
	}

	code, err := auth.GenerateTOTP(totpTestSecret, now)
	if err != nil {
		t.Fatalf("generate totp: %v", err)
	}
	out, err := f.Submit(ctx, StepTOTP, res.State, "c1", Payload{Code: code})
	if err != nil {
		t.Fatalf("totp step: %v", err)
	}
	if !out.Issued() {
		t.Fatalf("expected credentials after totp")
	}
}

func TestUnknownEmailGetsDecoyNegotiation(t *testing.T) {
	f, store := newTestFlow(t)
	createUser(t, store, &auth.User{Email: "real@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	known, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "real@example.com"})
	if err != nil {
		t.Fatalf("known email: %v", err)
	}
	unknown, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "ghost@example.com"})
	if err != nil {
		t.Fatalf("unknown email: %v", err)
	}
	// Identical shape: same next step, a state token in both cases.
	if known.NextStep != unknown.NextStep {
		t.Fatalf("responses diverge: %s vs %s", known.NextStep, unknown.NextStep)
	}
	if unknown.State == "" {
		t.Fatalf("decoy negotiation must carry a state token")
	}

	// The decoy can never complete; the error matches a wrong password.
	_, err = f.Submit(ctx, StepPassword, unknown.State, "c1", Payload{Password: "anything"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("decoy password must fail like a wrong password, got %v", err)
	}
}

func TestDisabledUserCannotLogin(t *testing.T) {
	f, store := newTestFlow(t)
	createUser(t, store, &auth.User{
		Email:        "a@example.com",
		PasswordHash: hashPassword(t, "hunter22"),
		Status:       auth.UserStatusDisabled,
	})
	ctx := context.Background()

	_, err := f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "hunter22"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("disabled user must fail, got %v", err)
	}
}

func TestAttemptLimitExhaustsNegotiation(t *testing.T) {
	f, store := newTestFlow(t, WithAttemptLimit(2))
	createUser(t, store, &auth.User{Email: "a@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	if _, err := f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "wrong"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("first failure: got %v", err)
	}
	// Second failure hits the limit and drops the record.
	if _, err := f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "wrong"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("exhausted negotiation must invalidate state, got %v", err)
	}
	// Even the right password is too late now.
	if _, err := f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "hunter22"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dead state must stay dead, got %v", err)
	}
}

func TestStateExpiry(t *testing.T) {
	now := time.Now()
	clock := now
	f, store := newTestFlow(t, WithStateTTL(time.Minute), WithClock(func() time.Time { return clock }))
	createUser(t, store, &auth.User{Email: "a@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	clock = now.Add(2 * time.Minute)
	if _, err := f.Submit(ctx, StepPassword, res.State, "c1", Payload{Password: "hunter22"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expired state must be rejected, got %v", err)
	}
}

func TestStepMismatchRejected(t *testing.T) {
	f, store := newTestFlow(t)
	createUser(t, store, &auth.User{Email: "a@example.com", PasswordHash: hashPassword(t, "hunter22")})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	// The negotiation expects a password, not a code.
	if _, err := f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: "123456"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("step mismatch must invalidate, got %v", err)
	}

	if _, err := f.Submit(ctx, Step("fingerprint"), "", "c1", Payload{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("unknown step must be invalid input, got %v", err)
	}
	if _, err := f.Submit(ctx, StepCode, "", "c1", Payload{Code: "123456"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stateless code step must be rejected, got %v", err)
	}
}

func TestPasswordlessUserGoesStraightToCode(t *testing.T) {
	var captured capturedCode
	f, store := newTestFlow(t, WithCodeSender(captured.sender()))
	createUser(t, store, &auth.User{Email: "a@example.com"})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepEmail, "", "c1", Payload{Email: "a@example.com"})
	if err != nil {
		t.Fatalf("email step: %v", err)
	}
	if res.NextStep != StepCode {
		t.Fatalf("passwordless user should be sent a code, got %s", res.NextStep)
	}
	out, err := f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: captured.get()})
	if err != nil {
		t.Fatalf("code step: %v", err)
	}
	if !out.Issued() {
		t.Fatalf("expected credentials")
	}
}

func TestCodeGuessesDrawFromAttemptBudget(t *testing.T) {
	var captured capturedCode
	f, store := newTestFlow(t, WithAttemptLimit(2), WithCodeSender(captured.sender()))
	createUser(t, store, &auth.User{
		Email:          "a@example.com",
		PasswordHash:   hashPassword(t, "hunter22"),
		TwoFactorEmail: true,
	})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if res.NextStep != StepCode {
		t.Fatalf("expected code step, got %s", res.NextStep)
	}
	wrong := "000000"
	if wrong == captured.get() {
		wrong = "000001"
	}

	if _, err := f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: wrong}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("first guess: got %v", err)
	}
	// Second guess hits the limit and drops the record.
	if _, err := f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: wrong}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("exhausted negotiation must invalidate state, got %v", err)
	}
	// Even the real code is too late now.
	if _, err := f.Submit(ctx, StepCode, res.State, "c1", Payload{Code: captured.get()}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dead state must stay dead, got %v", err)
	}
}

func TestTOTPGuessesDrawFromAttemptBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, store := newTestFlow(t, WithAttemptLimit(2), WithClock(func() time.Time { return now }))
	createUser(t, store, &auth.User{
		Email:        "a@example.com",
		PasswordHash: hashPassword(t, "hunter22"),
		TOTPSecret:   totpTestSecret,
	})
	ctx := context.Background()

	res, err := f.Submit(ctx, StepPassword, "", "c1", Payload{Email: "a@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if res.NextStep != StepTOTP {
		t.Fatalf("expected totp step, got %s", res.NextStep)
	}

	if _, err := f.Submit(ctx, StepTOTP, res.State, "c1", Payload{Code: "000000"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("first guess: got %v", err)
	}
	if _, err := f.Submit(ctx, StepTOTP, res.State, "c1", Payload{Code: "000000"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("exhausted negotiation must invalidate state, got %v", err)
	}

	code, err := auth.GenerateTOTP(totpTestSecret, now)
	if err != nil {
		t.Fatalf("generate totp: %v", err)
	}
	if _, err := f.Submit(ctx, StepTOTP, res.State, "c1", Payload{Code: code}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dead state must stay dead, got %v", err)
	}
}
