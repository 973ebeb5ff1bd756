// Package model defines the core domain types for roomgate.
package model

import "time"

// Channel identifies one of the real-time transports a user can be connected on.
type Channel int

const (
	ChannelChat Channel = iota
	ChannelGame
)

// Channels lists every channel kind in a stable order.
var Channels = []Channel{ChannelChat, ChannelGame}

func (c Channel) String() string {
	switch c {
	case ChannelChat:
		return "chat"
	case ChannelGame:
		return "game"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a known channel kind.
func (c Channel) Valid() bool {
	return c == ChannelChat || c == ChannelGame
}

// ParseChannel converts a string to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "chat":
		return ChannelChat, nil
	case "game":
		return ChannelGame, nil
	default:
		return 0, ErrInvalidChannel
	}
}

// RoomSpec describes a room to look up or create.
type RoomSpec struct {
	ID       int64  // 0 = allocate
	Name     string // unique room name
	Password string // plaintext, hashed before it reaches the store
	OwnerID  int64  // 0 = no owner
	Private  bool
}

// Message is a relayed message persisted for a room.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Channel   Channel   `json:"channel"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
