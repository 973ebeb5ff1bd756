package model

// Role is a user's standing inside one room.
type Role int

const (
	RoleNone   Role = iota // Not related to the room
	RoleBanned             // Excluded; cannot join until unbanned
	RoleMember             // Can join and talk
	RoleAdmin              // Can moderate members
	RoleOwner              // Full control over the room
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleBanned:
		return "banned"
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r >= RoleNone && r <= RoleOwner
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	switch s {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	case "member":
		return RoleMember
	case "banned":
		return RoleBanned
	default:
		return RoleNone
	}
}
