package auth

import "time"

// Organization groups users and clients under one tenant.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client is a machine principal registered for one integration.
// The raw secret is shown once at creation time; only its hash is stored.
type Client struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	SecretHash     string       `json:"-"`
	Roles          []ClientRole `json:"roles"`
	RateLimit      int          `json:"rate_limit"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// User is a human principal.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Roles        []Role `json:"roles"`
	Status       string `json:"status"`
	// TwoFactorEmail requires a delivered one-time code after the password step.
	TwoFactorEmail bool `json:"two_factor_email"`
	// TOTPSecret, when set, requires a time-based code as the final login step.
	TOTPSecret string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrgMembership grants a user a scoped role within one organization.
// Unique per (user, organization).
type OrgMembership struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is an issued token/refresh credential pair. Raw values are never
// persisted; TokenHash and RefreshHash hold irreversible digests. Sessions
// are revoked, never deleted, so the audit trail survives logout.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	TokenHash        string    `json:"-"`
	RefreshHash      string    `json:"-"`
	IssuedAt         time.Time `json:"issued_at"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Revoked          bool      `json:"revoked"`
}

// VerificationCode is a single-use artifact delivered out-of-band during the
// code login step. Consumption is a conditional update at the storage layer
// so concurrent redemptions yield exactly one winner.
type VerificationCode struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Purpose    string     `json:"purpose"`
	CodeHash   string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEntry records a credential event in the append-only log.
type AuditEntry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// VerificationPurposeLogin marks codes minted for the login code step.
const VerificationPurposeLogin = "login"
