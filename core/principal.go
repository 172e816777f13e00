package core

// Principal is the resolved caller identity a request runs as. The role
// decides which permission rules apply; claims feed row policies.
type Principal struct {
	Role          string
	Claims        map[string]interface{}
	Authenticated bool
}

// ResolvePrincipal maps the authentication outcome and the requested role
// onto the principal. Unauthenticated callers are always anonymous;
// authenticated callers default to the authenticated role unless they
// explicitly assume another one.
func ResolvePrincipal(authenticated bool, requestedRole string, claims map[string]interface{}) Principal {
	if !authenticated {
		return Principal{Role: RoleAnonymous}
	}
	role := requestedRole
	if role == "" {
		role = RoleAuthenticated
	}
	if claims == nil {
		claims = map[string]interface{}{}
	}
	return Principal{Role: role, Claims: claims, Authenticated: true}
}
