package auth

import "strings"

// Role is a user permission level. Levels form a total order:
// read < manage < admin.
type Role string

const (
	RoleRead   Role = "read"
	RoleManage Role = "manage"
	RoleAdmin  Role = "admin"
)

var roleLevels = map[Role]int{
	RoleRead:   1,
	RoleManage: 2,
	RoleAdmin:  3,
}

// Level returns the ordinal rank of the role, or 0 for unknown roles.
// Unknown roles never satisfy any requirement.
func (r Role) Level() int {
	return roleLevels[Role(strings.ToLower(string(r)))]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.Level() > 0 }

// ClientRole is a fixed role assigned to a machine client at creation.
type ClientRole string

const (
	ClientRoleExternal ClientRole = "external"
	ClientRoleInternal ClientRole = "internal"
	ClientRoleTrusted  ClientRole = "trusted"
)

var clientRoleLevels = map[ClientRole]int{
	ClientRoleExternal: 1,
	ClientRoleInternal: 2,
	ClientRoleTrusted:  3,
}

// Level maps the client role onto the shared permission order, so client
// and user principals are compared against the same required levels.
func (r ClientRole) Level() int {
	return clientRoleLevels[ClientRole(strings.ToLower(string(r)))]
}

// Valid reports whether r is a known client role.
func (r ClientRole) Valid() bool { return r.Level() > 0 }

func maxRoleLevel(roles []Role) int {
	level := 0
	for _, r := range roles {
		if l := r.Level(); l > level {
			level = l
		}
	}
	return level
}

func maxClientRoleLevel(roles []ClientRole) int {
	level := 0
	for _, r := range roles {
		if l := r.Level(); l > level {
			level = l
		}
	}
	return level
}
