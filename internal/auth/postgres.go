package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"authgate.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Organizations(context.Context) OrganizationStore { return &orgStore{db: s.db} }
func (s *PGStore) Clients(context.Context) ClientStore             { return &clientStore{db: s.db} }
func (s *PGStore) Users(context.Context) UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Memberships(context.Context) MembershipStore     { return &membershipStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore           { return &sessionStore{db: s.db} }
func (s *PGStore) VerificationCodes(context.Context) VerificationCodeStore {
	return &codeStore{db: s.db}
}
func (s *PGStore) Audit(context.Context) AuditStore { return &auditStore{db: s.db} }

// Organization store -------------------------------------------------------
type orgStore struct{ db *sql.DB }

func (s *orgStore) Create(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into organizations(id, name) values($1,$2)`,
		org.ID, org.Name,
	)
	return err
}

func (s *orgStore) Find(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, created_at, updated_at from organizations where id=$1`, id)
	var org Organization
	if err := row.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (s *orgStore) List(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, created_at, updated_at from organizations order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, &org)
	}
	return res, rows.Err()
}

func (s *orgStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from organizations where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Client store --------------------------------------------------------------
type clientStore struct{ db *sql.DB }

func (s *clientStore) Create(ctx context.Context, c *Client) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	roles, _ := json.Marshal(c.Roles)
	_, err := s.db.ExecContext(ctx,
		`insert into clients(id, organization_id, name, secret_hash, roles, rate_limit)
		 values($1,$2,$3,$4,$5,$6)`,
		c.ID, c.OrganizationID, c.Name, c.SecretHash, roles, c.RateLimit,
	)
	return err
}

func (s *clientStore) Find(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, organization_id, name, secret_hash, roles, rate_limit, created_at, updated_at
		 from clients where id=$1`, id)
	return scanClient(row)
}

func (s *clientStore) ListByOrg(ctx context.Context, orgID string) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, organization_id, name, secret_hash, roles, rate_limit, created_at, updated_at
		 from clients where organization_id=$1 order by created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *clientStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from clients where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c     Client
		roles []byte
	)
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.SecretHash, &roles, &c.RateLimit, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(roles, &c.Roles)
	return &c, nil
}

// User store ----------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	roles, _ := json.Marshal(u.Roles)
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, roles, status, two_factor_email, totp_secret)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.PasswordHash, roles, u.Status, u.TwoFactorEmail, u.TOTPSecret,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, roles, status, two_factor_email, totp_secret, created_at, updated_at
		 from users where id=$1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, roles, status, two_factor_email, totp_secret, created_at, updated_at
		 from users where email=$1`, email)
	return scanUser(row)
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$1, updated_at=now() where id=$2`, passwordHash, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u     User
		roles []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &u.Status, &u.TwoFactorEmail, &u.TOTPSecret, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(roles, &u.Roles)
	return &u, nil
}

// Membership store ----------------------------------------------------------
type membershipStore struct{ db *sql.DB }

func (s *membershipStore) Upsert(ctx context.Context, m *OrgMembership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into org_memberships(user_id, organization_id, role)
		 values($1,$2,$3)
		 on conflict (user_id, organization_id) do update set role=excluded.role`,
		m.UserID, m.OrganizationID, string(m.Role),
	)
	return err
}

func (s *membershipStore) Find(ctx context.Context, userID, orgID string) (*OrgMembership, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, organization_id, role, created_at from org_memberships
		 where user_id=$1 and organization_id=$2`, userID, orgID)
	var m OrgMembership
	if err := row.Scan(&m.UserID, &m.OrganizationID, &m.Role, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *membershipStore) ListByUser(ctx context.Context, userID string) ([]OrgMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, organization_id, role, created_at from org_memberships where user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrgMembership
	for rows.Next() {
		var m OrgMembership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *membershipStore) Delete(ctx context.Context, userID, orgID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from org_memberships where user_id=$1 and organization_id=$2`, userID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Session store -------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, client_id, token_hash, refresh_hash, issued_at, token_expires_at, refresh_expires_at, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false)`,
		sess.ID, nullString(sess.UserID), nullString(sess.ClientID),
		sess.TokenHash, sess.RefreshHash, sess.IssuedAt, sess.TokenExpiresAt, sess.RefreshExpiresAt,
	)
	return err
}

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, coalesce(user_id,''), coalesce(client_id,''), token_hash, refresh_hash,
		        issued_at, token_expires_at, refresh_expires_at, revoked
		 from sessions where id=$1`, id)
	return scanSession(row)
}

func (s *sessionStore) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true where id=$1 and revoked=false`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sessionStore) RevokeByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true where user_id=$1 and revoked=false`, userID)
	return err
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, coalesce(user_id,''), coalesce(client_id,''), token_hash, refresh_hash,
		        issued_at, token_expires_at, refresh_expires_at, revoked
		 from sessions where user_id=$1 order by issued_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *sessionStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, coalesce(user_id,''), coalesce(client_id,''), token_hash, refresh_hash,
		        issued_at, token_expires_at, refresh_expires_at, revoked
		 from sessions order by issued_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ClientID, &sess.TokenHash, &sess.RefreshHash,
		&sess.IssuedAt, &sess.TokenExpiresAt, &sess.RefreshExpiresAt, &sess.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var res []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Verification code store ----------------------------------------------------
type codeStore struct{ db *sql.DB }

func (s *codeStore) Create(ctx context.Context, code *VerificationCode) error {
	if code.ID == "" {
		code.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into verification_codes(id, user_id, purpose, code_hash, expires_at)
		 values($1,$2,$3,$4,$5)`,
		code.ID, code.UserID, code.Purpose, code.CodeHash, code.ExpiresAt,
	)
	return err
}

func (s *codeStore) Consume(ctx context.Context, userID, purpose, codeHash string, now time.Time) error {
	// Single conditional update: only the first concurrent redemption flips
	// consumed_at, the rest match zero rows.
	res, err := s.db.ExecContext(ctx,
		`update verification_codes set consumed_at=$1
		 where user_id=$2 and purpose=$3 and code_hash=$4 and consumed_at is null and expires_at > $1`,
		now, userID, purpose, codeHash,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish an already-redeemed code from one that never existed.
	row := s.db.QueryRowContext(ctx,
		`select 1 from verification_codes
		 where user_id=$1 and purpose=$2 and code_hash=$3 and consumed_at is not null`,
		userID, purpose, codeHash)
	var one int
	if scanErr := row.Scan(&one); scanErr == nil {
		return ErrCodeConsumed
	}
	return ErrNotFound
}

// Audit store ----------------------------------------------------------------
type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(entry.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, actor_id, action, target_type, target_id, metadata, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.OccurredAt, entry.ActorID, entry.Action,
		entry.TargetType, entry.TargetID, meta, entry.RequestID,
	)
	return err
}
