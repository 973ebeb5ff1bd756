// Package session binds users to their live connection on each channel.
//
// The binding lives in the user's row, so it survives a process restart
// and every node sees the same value. Each call is a single store write,
// which makes bind and unbind linearizable per (channel, user).
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/model"
)

// Binder reads and writes per-channel connection bindings.
type Binder struct {
	store datastore.DataProviderFactory
}

// NewBinder creates a Binder backed by st.
func NewBinder(st datastore.DataProviderFactory) *Binder {
	return &Binder{store: st}
}

// Bind records connID as the user's connection on ch, replacing any
// previous binding.
func (b *Binder) Bind(ctx context.Context, ch model.Channel, userID int64, connID string) error {
	found, err := b.store.NonTx().SetSocket(ctx, ch, userID, connID)
	if err != nil {
		return fmt.Errorf("session: bind %s: %w", ch, err)
	}
	if !found {
		return fmt.Errorf("session: bind %s user %d: %w", ch, userID, model.ErrUserNotFound)
	}
	slog.Debug("session bound", "channel", ch, "user_id", userID, "conn_id", connID)
	return nil
}

// Unbind clears the user's binding on ch. The user row is kept.
func (b *Binder) Unbind(ctx context.Context, ch model.Channel, userID int64) error {
	if _, err := b.store.NonTx().SetSocket(ctx, ch, userID, ""); err != nil {
		return fmt.Errorf("session: unbind %s: %w", ch, err)
	}
	return nil
}

// Release clears the binding only while it still points at connID, so a
// connection that closes late cannot unbind the user's newer connection.
func (b *Binder) Release(ctx context.Context, ch model.Channel, userID int64, connID string) (bool, error) {
	cleared, err := b.store.NonTx().ClearSocketIf(ctx, ch, userID, connID)
	if err != nil {
		return false, fmt.Errorf("session: release %s: %w", ch, err)
	}
	if !cleared {
		slog.Debug("session already rebound", "channel", ch, "user_id", userID, "conn_id", connID)
	}
	return cleared, nil
}

// Resolve returns the user's current connection on ch. ok is false when
// the user is offline on ch or unknown.
func (b *Binder) Resolve(ctx context.Context, ch model.Channel, userID int64) (connID string, ok bool, err error) {
	u, err := b.store.NonTx().GetUserByID(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("session: resolve %s: %w", ch, err)
	}
	if u == nil || !u.Online(ch) {
		return "", false, nil
	}
	return u.Socket(ch), true, nil
}

// Owner returns the user bound to connID on ch, or nil.
func (b *Binder) Owner(ctx context.Context, ch model.Channel, connID string) (*model.User, error) {
	u, err := b.store.NonTx().GetUserBySocket(ctx, ch, connID)
	if err != nil {
		return nil, fmt.Errorf("session: owner of %s connection: %w", ch, err)
	}
	return u, nil
}
