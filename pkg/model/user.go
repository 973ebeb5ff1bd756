package model

import (
	"errors"
	"fmt"
	"time"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")

// User is a registered user as seen by the room core. Only the socket
// fields are ever written here; the profile subsystem owns the rest.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	ChatSocket string    `json:"chat_socket,omitempty"` // empty = offline on chat
	GameSocket string    `json:"game_socket,omitempty"` // empty = offline on game
	CreatedAt  time.Time `json:"created_at"`
}

// Socket returns the connection identifier bound for ch.
func (u *User) Socket(ch Channel) string {
	switch ch {
	case ChannelChat:
		return u.ChatSocket
	case ChannelGame:
		return u.GameSocket
	default:
		return ""
	}
}

// SetSocket records the connection identifier bound for ch.
func (u *User) SetSocket(ch Channel, socket string) {
	switch ch {
	case ChannelChat:
		u.ChatSocket = socket
	case ChannelGame:
		u.GameSocket = socket
	}
}

// Online reports whether the user has a live connection on ch.
func (u *User) Online(ch Channel) bool {
	return u.Socket(ch) != ""
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}
