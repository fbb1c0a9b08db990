// roles.go
package token

// RoleResolver maps a stored user role to the effective role carried in access tokens.
type RoleResolver interface {
	EffectiveRole(role string) string
}

// MapRoles resolves through a lookup table; unmapped roles resolve to themselves.
type MapRoles map[string]string

func (m MapRoles) EffectiveRole(role string) string {
	if eff, ok := m[role]; ok {
		return eff
	}
	return role
}

// DefaultRoles folds the agency-side administrative roles into "admin".
var DefaultRoles = MapRoles{
	"owner":        "admin",
	"agency_admin": "admin",
	"admin":        "admin",
	"staff":        "staff",
	"client":       "client",
}
