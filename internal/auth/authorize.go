package auth

// ScopeGlobal authorizes against a principal's global roles instead of an
// organization membership.
const ScopeGlobal = ""

// Authorize succeeds iff the principal's resolved role for the given scope
// is at least the required level. Clients are judged purely against their
// fixed client roles. Users are judged against their membership role when an
// organization scope is given, or their global roles otherwise. No matching
// role means ErrForbidden, never a silent fall-through to the lowest level.
func Authorize(p Principal, orgID string, required Role) error {
	need := required.Level()
	if need == 0 {
		return ErrInvalidInput
	}
	switch principal := p.(type) {
	case ClientOnly:
		if maxClientRoleLevel(principal.Client.Roles) >= need {
			return nil
		}
		return ErrForbidden
	case ClientAndUser:
		if orgID != ScopeGlobal {
			role, ok := principal.MembershipRole(orgID)
			if !ok {
				return ErrForbidden
			}
			if role.Level() >= need {
				return nil
			}
			return ErrForbidden
		}
		if maxRoleLevel(principal.User.Roles) >= need {
			return nil
		}
		return ErrForbidden
	default:
		return ErrForbidden
	}
}
