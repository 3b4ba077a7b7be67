package auth

import "strings"

// Role enumerates the access levels the identity provider may assign.
type Role string

const (
	// RoleUser is the default role for any authenticated account.
	RoleUser Role = "user"
	// RoleModerator may write to locked threads and edit any reply.
	RoleModerator Role = "moderator"
	// RoleAdmin may additionally manage categories.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a raw role claim, falling back to RoleUser.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleModerator):
		return RoleModerator
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Identity is the verified caller identity supplied by the external identity
// provider. The engine consumes it; it never issues or mutates identities.
type Identity struct {
	UserID         string
	Role           Role
	ReputationSeed int64
}

// IsModerator reports whether the identity holds moderator privileges.
// Admins moderate implicitly.
func (i Identity) IsModerator() bool {
	return i.Role == RoleModerator || i.Role == RoleAdmin
}

// IsAdmin reports whether the identity holds admin privileges.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
