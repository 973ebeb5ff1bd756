package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAlreadyExists     = errors.New("already exists")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrStoreTimeout      = errors.New("store timeout")
	ErrInvalidChannel    = errors.New("invalid channel: must be chat or game")
)

// StoreFault wraps a failure coming from a persistence backend so callers can
// match it with ErrStoreTimeout or ErrStoreUnavailable. Errors that already
// carry a store kind, or a domain kind such as ErrAlreadyExists, pass through.
func StoreFault(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrStoreTimeout), errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrAlreadyExists):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}
