package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	GeneralRoomID   int64 = 1
	GeneralRoomName       = "general"

	MaxRoomNameLength = 80
)

var ErrRoomNameEmpty = errors.New("room name must not be empty")
var ErrRoomNameTooLong = fmt.Errorf("room name must not exceed %d characters", MaxRoomNameLength)
var ErrRoomNameInvalid = errors.New("room name must not contain control characters")

// Room is a named conversation space. Membership lives in RoomView.
type Room struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	OwnerID      int64     `json:"owner_id,omitempty"` // 0 = no owner
	PasswordHash string    `json:"-"`                  // empty = open room
	Private      bool      `json:"private"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasOwner reports whether the room is owned by a user.
func (r *Room) HasOwner() bool {
	return r.OwnerID != 0
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// Validate checks the room's name.
func (r *Room) Validate() error {
	return ValidateRoomName(r.Name)
}

// ValidateRoomName checks that name is non-blank, short enough and printable.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrRoomNameEmpty
	} else if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrRoomNameInvalid
		}
	}
	return nil
}

// PrivateRoomName returns the name of the private room shared by two users.
// The result does not depend on argument order.
func PrivateRoomName(a, b string) string {
	return PrivateRoomNames(a, b)[0]
}

// PrivateRoomNames returns both orderings of the private room name, canonical first.
// Rooms created before names were canonical may use either.
func PrivateRoomNames(a, b string) []string {
	if b < a {
		a, b = b, a
	}
	if a == b {
		return []string{privateRoomName(a, b)}
	}
	return []string{privateRoomName(a, b), privateRoomName(b, a)}
}

func privateRoomName(first, second string) string {
	return first + " & " + second + " Room"
}
