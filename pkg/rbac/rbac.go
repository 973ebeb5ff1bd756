// Package rbac answers who may act on whom inside a room.
//
// Every check is a pure function of a RoomView snapshot; callers that need
// the answer to stay true must hold the room's ledger transaction.
package rbac

import (
	"fmt"

	"github.com/NicolasHaas/roomgate/pkg/model"
)

// IsOwner reports whether uid owns the room. Rooms without an owner have none.
func IsOwner(v *model.RoomView, uid int64) bool {
	return v != nil && v.HasOwner() && v.OwnerID == uid
}

func IsAdmin(v *model.RoomView, uid int64) bool {
	return v != nil && v.Admins.Has(uid)
}

func IsMember(v *model.RoomView, uid int64) bool {
	return v != nil && v.Members.Has(uid)
}

func IsBanned(v *model.RoomView, uid int64) bool {
	return v != nil && v.Banned.Has(uid)
}

func IsMuted(v *model.RoomView, uid int64) bool {
	return v != nil && v.Muted.Has(uid)
}

// HasHigherRights reports whether actor outranks target: the owner outranks
// everyone else, an admin outranks non-admins, and nobody outranks the owner.
// It is false whenever actor == target.
func HasHigherRights(v *model.RoomView, actor, target int64) bool {
	if IsOwner(v, target) {
		return false
	}
	return IsOwner(v, actor) || (IsAdmin(v, actor) && !IsAdmin(v, target))
}

// RoleOf classifies uid's standing in the room.
func RoleOf(v *model.RoomView, uid int64) model.Role {
	switch {
	case IsOwner(v, uid):
		return model.RoleOwner
	case IsBanned(v, uid):
		return model.RoleBanned
	case IsAdmin(v, uid):
		return model.RoleAdmin
	case IsMember(v, uid):
		return model.RoleMember
	default:
		return model.RoleNone
	}
}

// Action is a moderation operation subject to an authority check.
type Action int

const (
	ActionKick Action = iota
	ActionBan
	ActionUnban
	ActionMute
	ActionUnmute
	ActionPromote
	ActionDemote
	ActionDeleteRoom
	ActionRename
)

type rule int

const (
	ruleHigherRights rule = iota
	ruleOwner
)

// actionRules maps each action to the check that gates it.
var actionRules = map[Action]rule{
	ActionKick:       ruleHigherRights,
	ActionBan:        ruleHigherRights,
	ActionUnban:      ruleHigherRights,
	ActionMute:       ruleHigherRights,
	ActionUnmute:     ruleHigherRights,
	ActionPromote:    ruleOwner,
	ActionDemote:     ruleOwner,
	ActionDeleteRoom: ruleOwner,
	ActionRename:     ruleOwner,
}

// Can checks whether actor may perform action on target. Owner-only actions
// ignore target.
func Can(v *model.RoomView, action Action, actor, target int64) bool {
	r, ok := actionRules[action]
	if !ok {
		return false
	}
	switch r {
	case ruleOwner:
		return IsOwner(v, actor)
	default:
		return HasHigherRights(v, actor, target)
	}
}

// Require returns an error wrapping model.ErrUnauthorized if the action is not allowed.
func Require(v *model.RoomView, action Action, actor, target int64) error {
	if Can(v, action, actor, target) {
		return nil
	}
	if actionRules[action] == ruleOwner {
		return fmt.Errorf("permission denied: %s requires room owner: %w", action, model.ErrUnauthorized)
	}
	return fmt.Errorf("permission denied: %s requires higher rights: %w", action, model.ErrUnauthorized)
}

// ParseAction converts a wire name to an Action.
func ParseAction(s string) (Action, bool) {
	for a := range actionRules {
		if a.String() == s {
			return a, true
		}
	}
	return 0, false
}

func (a Action) String() string {
	switch a {
	case ActionKick:
		return "kick"
	case ActionBan:
		return "ban"
	case ActionUnban:
		return "unban"
	case ActionMute:
		return "mute"
	case ActionUnmute:
		return "unmute"
	case ActionPromote:
		return "promote"
	case ActionDemote:
		return "demote"
	case ActionDeleteRoom:
		return "delete"
	case ActionRename:
		return "rename"
	default:
		return "unknown"
	}
}
