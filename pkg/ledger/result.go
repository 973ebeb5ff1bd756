package ledger

import "github.com/NicolasHaas/roomgate/pkg/model"

// Kind is the outcome of a ledger operation.
type Kind int

const (
	Applied           Kind = iota // The mutation was committed (or was already in effect)
	RoomNotFound                  // No room with that id
	Unauthorized                  // The actor lacks the rights for the operation
	InvalidCredential             // Wrong or missing room password
	Banned                        // The target is banned from the room
	SelfTarget                    // Ban/mute operations cannot target the actor
	OwnerTarget                   // The owner cannot be promoted or demoted
	NameTaken                     // Another room already uses the name
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case RoomNotFound:
		return "room_not_found"
	case Unauthorized:
		return "unauthorized"
	case InvalidCredential:
		return "invalid_credential"
	case Banned:
		return "banned"
	case SelfTarget:
		return "self_target"
	case OwnerTarget:
		return "owner_target"
	case NameTaken:
		return "name_taken"
	default:
		return "unknown"
	}
}

// Err maps k to the matching model error, or nil for Applied.
func (k Kind) Err() error {
	switch k {
	case Applied:
		return nil
	case RoomNotFound:
		return model.ErrRoomNotFound
	case InvalidCredential:
		return model.ErrInvalidCredential
	case NameTaken:
		return model.ErrAlreadyExists
	default:
		return model.ErrUnauthorized
	}
}

// Result is what a ledger operation returns when the store worked.
// Room is the view after the operation; nil when the room was not found
// or was deleted.
type Result struct {
	Kind Kind
	Room *model.RoomView
}

// OK reports whether the operation was applied.
func (r Result) OK() bool {
	return r.Kind == Applied
}
