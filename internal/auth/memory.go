package auth

import (
	"context"
	"sync"
	"time"

	"authgate.dev/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store used in dev mode and tests. Conditional
// transitions (session revoke, code consume) happen under the store lock, so
// it honors the same single-winner guarantees as the SQL implementation.
type MemStore struct {
	mu          sync.RWMutex
	orgs        map[string]*Organization
	clients     map[string]*Client
	users       map[string]*User
	memberships map[string]map[string]*OrgMembership // userID -> orgID
	sessions    map[string]*Session
	codes       map[string]*VerificationCode
	audit       []*AuditEntry
}

func NewMemStore() *MemStore {
	return &MemStore{
		orgs:        make(map[string]*Organization),
		clients:     make(map[string]*Client),
		users:       make(map[string]*User),
		memberships: make(map[string]map[string]*OrgMembership),
		sessions:    make(map[string]*Session),
		codes:       make(map[string]*VerificationCode),
	}
}

func (s *MemStore) Organizations(context.Context) OrganizationStore         { return (*memOrgs)(s) }
func (s *MemStore) Clients(context.Context) ClientStore                     { return (*memClients)(s) }
func (s *MemStore) Users(context.Context) UserStore                         { return (*memUsers)(s) }
func (s *MemStore) Memberships(context.Context) MembershipStore             { return (*memMemberships)(s) }
func (s *MemStore) Sessions(context.Context) SessionStore                   { return (*memSessions)(s) }
func (s *MemStore) VerificationCodes(context.Context) VerificationCodeStore { return (*memCodes)(s) }
func (s *MemStore) Audit(context.Context) AuditStore                        { return (*memAudit)(s) }

type memOrgs MemStore

func (s *memOrgs) Create(_ context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = ids.New()
	}
	if _, ok := s.orgs[org.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *memOrgs) Find(_ context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *memOrgs) List(context.Context) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		cp := *org
		res = append(res, &cp)
	}
	return res, nil
}

func (s *memOrgs) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return ErrNotFound
	}
	delete(s.orgs, id)
	return nil
}

type memClients MemStore

func (s *memClients) Create(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	if _, ok := s.clients[c.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *memClients) Find(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memClients) ListByOrg(_ context.Context, orgID string) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Client
	for _, c := range s.clients {
		if c.OrganizationID == orgID {
			cp := *c
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *memClients) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return ErrNotFound
	}
	delete(s.clients, id)
	return nil
}

type memUsers MemStore

func (s *memUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUsers) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

type memMemberships MemStore

func (s *memMemberships) Upsert(_ context.Context, m *OrgMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byOrg, ok := s.memberships[m.UserID]
	if !ok {
		byOrg = make(map[string]*OrgMembership)
		s.memberships[m.UserID] = byOrg
	}
	if existing, ok := byOrg[m.OrganizationID]; ok {
		existing.Role = m.Role
		return nil
	}
	m.CreatedAt = time.Now().UTC()
	cp := *m
	byOrg[m.OrganizationID] = &cp
	return nil
}

func (s *memMemberships) Find(_ context.Context, userID, orgID string) (*OrgMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.memberships[userID][orgID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *memMemberships) ListByUser(_ context.Context, userID string) ([]OrgMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []OrgMembership
	for _, m := range s.memberships[userID] {
		res = append(res, *m)
	}
	return res, nil
}

func (s *memMemberships) Delete(_ context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[userID][orgID]; !ok {
		return ErrNotFound
	}
	delete(s.memberships[userID], orgID)
	return nil
}

type memSessions MemStore

func (s *memSessions) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) Find(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Revoked {
		return false, nil
	}
	sess.Revoked = true
	return true, nil
}

func (s *memSessions) RevokeByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			sess.Revoked = true
		}
	}
	return nil
}

func (s *memSessions) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *memSessions) List(context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		res = append(res, &cp)
	}
	return res, nil
}

type memCodes MemStore

func (s *memCodes) Create(_ context.Context, code *VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code.ID == "" {
		code.ID = ids.New()
	}
	code.CreatedAt = time.Now().UTC()
	cp := *code
	s.codes[code.ID] = &cp
	return nil
}

func (s *memCodes) Consume(_ context.Context, userID, purpose, codeHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumed := false
	for _, code := range s.codes {
		if code.UserID != userID || code.Purpose != purpose || code.CodeHash != codeHash {
			continue
		}
		if code.ConsumedAt != nil {
			consumed = true
			continue
		}
		if !code.ExpiresAt.After(now) {
			continue
		}
		ts := now
		code.ConsumedAt = &ts
		return nil
	}
	if consumed {
		return ErrCodeConsumed
	}
	return ErrNotFound
}

// AuditEntries returns a copy of the recorded audit log, oldest first.
// Test helper; the Store interface itself is append-only.
func (s *MemStore) AuditEntries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*AuditEntry, 0, len(s.audit))
	for _, entry := range s.audit {
		cp := *entry
		res = append(res, &cp)
	}
	return res
}

type memAudit MemStore

func (s *memAudit) Append(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}
