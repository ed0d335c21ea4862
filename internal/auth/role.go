package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of principal roles. Role comparisons go through the
// predicate methods below; handlers never compare raw strings.
type Role string

const (
	// RoleGlobalAdmin may act on any station.
	RoleGlobalAdmin Role = "global-admin"
	// RoleStationAdmin administers exactly one station.
	RoleStationAdmin Role = "station-admin"
	// RoleStationUser reads and writes within one station.
	RoleStationUser Role = "station-user"
	// RoleReadonly reads everything, writes nothing.
	RoleReadonly Role = "readonly"
	// RoleStationInternal is the ephemeral read role minted by magic links.
	RoleStationInternal Role = "station-internal"
)

// legacy role spellings kept from earlier provisioning runs.
var roleAliases = map[string]Role{
	"admin":       RoleGlobalAdmin,
	"sites-admin": RoleGlobalAdmin,
}

// ParseRole normalizes a stored or presented role string. Unknown roles are
// rejected; the role set is closed.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if alias, ok := roleAliases[s]; ok {
		return alias, nil
	}
	switch Role(s) {
	case RoleGlobalAdmin, RoleStationAdmin, RoleStationUser, RoleReadonly, RoleStationInternal:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) Valid() bool {
	switch r {
	case RoleGlobalAdmin, RoleStationAdmin, RoleStationUser, RoleReadonly, RoleStationInternal:
		return true
	}
	return false
}

func (r Role) IsGlobalAdmin() bool { return r == RoleGlobalAdmin }

// IsScoped reports whether the role is confined to a single station.
func (r Role) IsScoped() bool {
	switch r {
	case RoleStationAdmin, RoleStationUser, RoleStationInternal:
		return true
	}
	return false
}

func (r Role) CanWrite() bool {
	switch r {
	case RoleGlobalAdmin, RoleStationAdmin, RoleStationUser:
		return true
	}
	return false
}

func (r Role) CanDelete() bool {
	switch r {
	case RoleGlobalAdmin, RoleStationAdmin:
		return true
	}
	return false
}

// CanAdmin reports whether the role may perform administrative operations
// (user provisioning, magic link management) within its scope.
func (r Role) CanAdmin() bool {
	switch r {
	case RoleGlobalAdmin, RoleStationAdmin:
		return true
	}
	return false
}

// Capabilities returns the fixed capability set embedded into session
// assertions.
func (r Role) Capabilities() []string {
	switch r {
	case RoleGlobalAdmin:
		return []string{"read", "write", "delete", "admin"}
	case RoleStationAdmin:
		return []string{"read", "write", "delete", "admin"}
	case RoleStationUser:
		return []string{"read", "write"}
	case RoleReadonly, RoleStationInternal:
		return []string{"read"}
	}
	return nil
}
