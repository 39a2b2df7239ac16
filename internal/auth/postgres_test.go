package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGSessionRevokeConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	ctx := context.Background()

	mock.ExpectExec("update sessions set revoked=true where id=.* and revoked=false").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.Sessions(ctx).Revoke(ctx, "s1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !won {
		t.Fatalf("first revoke must win")
	}

	// Already revoked: the conditional update matches zero rows.
	mock.ExpectExec("update sessions set revoked=true where id=.* and revoked=false").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = store.Sessions(ctx).Revoke(ctx, "s1")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if won {
		t.Fatalf("second revoke must lose")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGConsumeDistinguishesConsumedFromUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	ctx := context.Background()
	now := time.Now().UTC()
	hash := HashSecret("123456")

	// Winner: conditional update flips one row.
	mock.ExpectExec("update verification_codes set consumed_at=").
		WithArgs(now, "u1", VerificationPurposeLogin, hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.VerificationCodes(ctx).Consume(ctx, "u1", VerificationPurposeLogin, hash, now); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Loser: zero rows, follow-up select finds the consumed record.
	mock.ExpectExec("update verification_codes set consumed_at=").
		WithArgs(now, "u1", VerificationPurposeLogin, hash).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from verification_codes").
		WithArgs("u1", VerificationPurposeLogin, hash).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	err = store.VerificationCodes(ctx).Consume(ctx, "u1", VerificationPurposeLogin, hash, now)
	if !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed, got %v", err)
	}

	// Unknown digest: zero rows, follow-up select finds nothing.
	other := HashSecret("999999")
	mock.ExpectExec("update verification_codes set consumed_at=").
		WithArgs(now, "u1", VerificationPurposeLogin, other).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from verification_codes").
		WithArgs("u1", VerificationPurposeLogin, other).
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	err = store.VerificationCodes(ctx).Consume(ctx, "u1", VerificationPurposeLogin, other, now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindUserScansRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "roles", "status", "two_factor_email", "totp_secret", "created_at", "updated_at",
	}).AddRow("u1", "a@example.com", "hash", []byte(`["admin","read"]`), UserStatusActive, false, "", now, now)
	mock.ExpectQuery("select id, email, password_hash, roles, status, two_factor_email, totp_secret").
		WithArgs("u1").
		WillReturnRows(rows)

	user, err := store.Users(ctx).Find(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(user.Roles) != 2 || user.Roles[0] != RoleAdmin {
		t.Fatalf("roles not decoded: %v", user.Roles)
	}

	mock.ExpectQuery("select id, email, password_hash, roles, status, two_factor_email, totp_secret").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Users(ctx).Find(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSessionCreateStoresEmptyHalvesAsNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Client-only sessions have no user half; the column must take NULL, not
	// a value the schema would reject.
	mock.ExpectExec("insert into sessions").
		WithArgs("s1", nil, "c1", "th", "rh", now, now.Add(time.Minute), now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = store.Sessions(ctx).Create(ctx, &Session{
		ID:               "s1",
		ClientID:         "c1",
		TokenHash:        "th",
		RefreshHash:      "rh",
		IssuedAt:         now,
		TokenExpiresAt:   now.Add(time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create client-only session: %v", err)
	}

	mock.ExpectExec("insert into sessions").
		WithArgs("s2", "u1", nil, "th", "rh", now, now.Add(time.Minute), now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = store.Sessions(ctx).Create(ctx, &Session{
		ID:               "s2",
		UserID:           "u1",
		TokenHash:        "th",
		RefreshHash:      "rh",
		IssuedAt:         now,
		TokenExpiresAt:   now.Add(time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create user-only session: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
