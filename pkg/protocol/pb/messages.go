// Package pb holds the JSON payloads carried in protocol envelopes.
package pb

import "encoding/json"

type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type RoomRef struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
}

// ----- Requests -----

// JoinRoomRequest joins a room by id or name. With asks for the private
// room shared with another user instead; Room is then ignored.
type JoinRoomRequest struct {
	User UserRef  `json:"user"`
	Room RoomRef  `json:"room"`
	With *UserRef `json:"with,omitempty"`
}

// ClientMessage is a cliMessage payload. Message is a JSON string on the chat
// channel and any JSON value on the game channel.
type ClientMessage struct {
	Message json.RawMessage `json:"message"`
	Room    RoomRef         `json:"room"`
	User    UserRef         `json:"user"`
}

type LeaveRoomRequest struct {
	Room RoomRef `json:"room"`
}

// ModerateRequest carries one of ban, unban, mute, unmute, kick, promote,
// demote, rename or delete. Name is only read by rename.
type ModerateRequest struct {
	Action string  `json:"action"`
	Room   RoomRef `json:"room"`
	Target int64   `json:"target,omitempty"`
	Name   string  `json:"name,omitempty"`
}

// ----- Events -----

type ServerMessage struct {
	User    UserRef         `json:"user"`
	Message json.RawMessage `json:"message"`
	Room    RoomRef         `json:"room"`
}

type EvictedEvent struct {
	Room   RoomRef `json:"room"`
	Reason string  `json:"reason"`
}

// ----- Replies -----

type AckResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ----- HTTP listings -----

type RoomInfo struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	OwnerID int64  `json:"owner_id,omitempty"`
	Private bool   `json:"private"`
	Locked  bool   `json:"locked"`
}
