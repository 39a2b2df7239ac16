package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the gateway.
type Store interface {
	Organizations(ctx context.Context) OrganizationStore
	Clients(ctx context.Context) ClientStore
	Users(ctx context.Context) UserStore
	Memberships(ctx context.Context) MembershipStore
	Sessions(ctx context.Context) SessionStore
	VerificationCodes(ctx context.Context) VerificationCodeStore
	Audit(ctx context.Context) AuditStore
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	Delete(ctx context.Context, id string) error
}

// ClientStore manages machine clients.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, id string) (*Client, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Client, error)
	Delete(ctx context.Context, id string) error
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	Delete(ctx context.Context, id string) error
}

// MembershipStore manages (user, organization, role) relations.
type MembershipStore interface {
	// Upsert creates the membership or replaces its role; the relation is
	// unique per (user, organization).
	Upsert(ctx context.Context, m *OrgMembership) error
	Find(ctx context.Context, userID, orgID string) (*OrgMembership, error)
	ListByUser(ctx context.Context, userID string) ([]OrgMembership, error)
	Delete(ctx context.Context, userID, orgID string) error
}

// SessionStore manages session lifecycle. Sessions are flagged revoked,
// never deleted.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Revoke marks the session revoked iff it is not already; it reports
	// whether this call performed the transition. The conditional update is
	// the linearization point for refresh rotation, so concurrent rotations
	// of the same session yield exactly one winner.
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeByUser(ctx context.Context, userID string) error
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	List(ctx context.Context) ([]*Session, error)
}

// VerificationCodeStore manages single-use login codes.
type VerificationCodeStore interface {
	Create(ctx context.Context, code *VerificationCode) error
	// Consume atomically redeems an unconsumed, unexpired code matching the
	// digest. Exactly one of any set of concurrent calls succeeds; the rest
	// see ErrCodeConsumed (already redeemed) or ErrNotFound (no match).
	Consume(ctx context.Context, userID, purpose, codeHash string, now time.Time) error
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
