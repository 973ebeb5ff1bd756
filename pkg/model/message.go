package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const MessageMaxBodyLength = 4096

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrMessageRoom = errors.New("message room id out of range")

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}
	if m.RoomID <= 0 {
		return ErrMessageRoom
	}
	if !m.Channel.Valid() {
		return ErrInvalidChannel
	}

	return nil
}

type MessageFilters struct {
	LimitToRoomID   *int64
	LimitToSenderID *int64
	PageSize        *int64
	Offset          *int64
}
