package model

import (
	"fmt"
	"sort"
)

// IDSet is a set of user IDs. A nil IDSet behaves as an empty set for reads.
type IDSet map[int64]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

func (s IDSet) Remove(id int64) {
	delete(s, id)
}

func (s IDSet) Len() int {
	return len(s)
}

// Sorted returns the IDs in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of s.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Relation names one of the four membership sets of a room.
type Relation int

const (
	RelationMember Relation = iota
	RelationAdmin
	RelationBanned
	RelationMuted
)

// Relations lists every relation kind.
var Relations = []Relation{RelationMember, RelationAdmin, RelationBanned, RelationMuted}

func (r Relation) String() string {
	switch r {
	case RelationMember:
		return "member"
	case RelationAdmin:
		return "admin"
	case RelationBanned:
		return "ban"
	case RelationMuted:
		return "mute"
	default:
		return "unknown"
	}
}

// ParseRelation converts the stored name of a relation back to a Relation.
func ParseRelation(s string) (Relation, error) {
	for _, r := range Relations {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown relation %q", s)
}

// RoomView is a room together with its four membership sets.
// The sets are never nil when built with NewRoomView.
type RoomView struct {
	Room
	Members IDSet `json:"members"`
	Admins  IDSet `json:"admins"`
	Banned  IDSet `json:"banned"`
	Muted   IDSet `json:"muted"`
}

// NewRoomView returns a view of room with empty membership sets.
func NewRoomView(room Room) *RoomView {
	return &RoomView{
		Room:    room,
		Members: IDSet{},
		Admins:  IDSet{},
		Banned:  IDSet{},
		Muted:   IDSet{},
	}
}

// Set returns the membership set for rel.
func (v *RoomView) Set(rel Relation) IDSet {
	switch rel {
	case RelationMember:
		return v.Members
	case RelationAdmin:
		return v.Admins
	case RelationBanned:
		return v.Banned
	case RelationMuted:
		return v.Muted
	default:
		return nil
	}
}

// Clone returns a deep copy of v.
func (v *RoomView) Clone() *RoomView {
	return &RoomView{
		Room:    v.Room,
		Members: v.Members.Clone(),
		Admins:  v.Admins.Clone(),
		Banned:  v.Banned.Clone(),
		Muted:   v.Muted.Clone(),
	}
}

// CheckInvariants reports the first violation of the role hierarchy:
// the owner is never admin, banned or muted, and a banned user is
// neither member nor admin.
func (v *RoomView) CheckInvariants() error {
	if v.HasOwner() {
		switch {
		case v.Admins.Has(v.OwnerID):
			return fmt.Errorf("room %d: owner %d is listed as admin", v.ID, v.OwnerID)
		case v.Banned.Has(v.OwnerID):
			return fmt.Errorf("room %d: owner %d is banned", v.ID, v.OwnerID)
		case v.Muted.Has(v.OwnerID):
			return fmt.Errorf("room %d: owner %d is muted", v.ID, v.OwnerID)
		}
	}
	for _, id := range v.Banned.Sorted() {
		if v.Members.Has(id) {
			return fmt.Errorf("room %d: banned user %d is a member", v.ID, id)
		}
		if v.Admins.Has(id) {
			return fmt.Errorf("room %d: banned user %d is an admin", v.ID, id)
		}
	}
	return nil
}
