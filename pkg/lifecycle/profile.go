package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/NicolasHaas/roomgate/pkg/model"
)

// ChatMessageMaxLength is the longest chat message accepted, in runes.
const ChatMessageMaxLength = 2000

var (
	ErrEmptyMessage   = errors.New("lifecycle: empty message")
	ErrMessageTooLong = errors.New("lifecycle: message too long")
)

// Codec turns a client message into the text persisted for it and the JSON
// value relayed to the room.
type Codec func(raw json.RawMessage) (stored string, relayed json.RawMessage, err error)

// Profile is what differs between the chat and game channels.
type Profile struct {
	Channel model.Channel
	// DefaultRoomID is the room every new connection enters, or 0 for none.
	DefaultRoomID int64
	Codec         Codec
}

// ChatProfile relays plain text and puts every connection in the general room.
func ChatProfile() Profile {
	return Profile{
		Channel:       model.ChannelChat,
		DefaultRoomID: model.GeneralRoomID,
		Codec:         chatCodec,
	}
}

// GameProfile relays any JSON value untouched.
func GameProfile() Profile {
	return Profile{
		Channel: model.ChannelGame,
		Codec:   gameCodec,
	}
}

func chatCodec(raw json.RawMessage) (string, json.RawMessage, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", nil, fmt.Errorf("lifecycle: chat message must be a string: %w", err)
	}
	text = sanitize(text)
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return "", nil, ErrEmptyMessage
	case n > ChatMessageMaxLength:
		return "", nil, fmt.Errorf("%w: %d runes", ErrMessageTooLong, n)
	}
	relayed, err := json.Marshal(text)
	if err != nil {
		return "", nil, err
	}
	return text, relayed, nil
}

// sanitize drops control characters other than newline and tab, and trims.
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func gameCodec(raw json.RawMessage) (string, json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil, ErrEmptyMessage
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", nil, fmt.Errorf("lifecycle: game message: %w", err)
	}
	if n := utf8.RuneCount(buf.Bytes()); n > model.MessageMaxBodyLength {
		return "", nil, fmt.Errorf("%w: %d runes", ErrMessageTooLong, n)
	}
	return buf.String(), json.RawMessage(buf.Bytes()), nil
}
