// Package protocol defines the websocket event envelope shared by the chat and
// game channels.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
)

// MaxFrame is the largest envelope accepted from a client (64KB).
const MaxFrame = 65536

// Client -> server events.
const (
	EventJoinRoom  = "join_room"
	EventMessage   = "cliMessage"
	EventLeaveRoom = "leave_room"
	EventModerate  = "moderate"
	EventPing      = "ping"
)

// Server -> client events.
const (
	EventBroadcast = "servMessage"
	EventEvicted   = "room_evicted"
	EventAck       = "ack"
	EventError     = "error"
	EventPong      = "pong"
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrMissingEvent  = errors.New("protocol: missing event")
)

// Envelope is one websocket frame. Ack, when non-zero, is echoed in the reply
// so clients can match acknowledgements to requests.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event with payload as its data.
func Encode(event string, ack uint64, payload any) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return frame, nil
}

// MustEncode is Encode for payloads that always marshal.
func MustEncode(event string, ack uint64, payload any) []byte {
	frame, err := Encode(event, ack, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a client frame.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return env, nil
}

// Bind decodes the envelope data into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", e.Event, err)
	}
	return nil
}

// Ack builds the acknowledgement frame for a request.
func Ack(ack uint64, ok bool, reason string) []byte {
	return MustEncode(EventAck, ack, &pb.AckResponse{OK: ok, Error: reason})
}

// Error builds an error frame.
func Error(ack uint64, code, message string) []byte {
	return MustEncode(EventError, ack, &pb.ErrorResponse{Code: code, Message: message})
}
