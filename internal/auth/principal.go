package auth

// RequestInfo is the identity envelope attached to a dispatched request.
// It carries resolved roles and ids only, never secrets or hashes.
type RequestInfo struct {
	ClientID    string       `json:"client_id"`
	ClientRoles []ClientRole `json:"client_roles"`
	UserID      string       `json:"user_id,omitempty"`
	UserRoles   []Role       `json:"user_roles,omitempty"`
}

// Principal is the resolved identity behind a request. It is a closed set:
// either a machine client alone, or a client acting for an authenticated
// user. Authorize switches over the two variants exhaustively.
type Principal interface {
	Info() RequestInfo
	isPrincipal()
}

// ClientOnly is a machine client with no user attached.
type ClientOnly struct {
	Client *Client
}

func (p ClientOnly) isPrincipal() {}

func (p ClientOnly) Info() RequestInfo {
	return RequestInfo{ClientID: p.Client.ID, ClientRoles: p.Client.Roles}
}

// ClientAndUser is a client request carrying an authenticated user session.
type ClientAndUser struct {
	Client      *Client
	User        *User
	Memberships []OrgMembership
}

func (p ClientAndUser) isPrincipal() {}

func (p ClientAndUser) Info() RequestInfo {
	info := RequestInfo{UserID: p.User.ID, UserRoles: p.User.Roles}
	if p.Client != nil {
		info.ClientID = p.Client.ID
		info.ClientRoles = p.Client.Roles
	}
	return info
}

// MembershipRole returns the user's role inside the given organization.
func (p ClientAndUser) MembershipRole(orgID string) (Role, bool) {
	for _, m := range p.Memberships {
		if m.OrganizationID == orgID {
			return m.Role, true
		}
	}
	return "", false
}
