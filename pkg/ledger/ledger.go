// Package ledger applies membership and moderation changes to rooms.
//
// Each operation reads the room, checks the actor's rights and writes the
// change inside one store transaction while holding that room's lock, so
// no two operations on the same room interleave. Denials come back as a
// Result kind; only store failures are returned as errors.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/roomgate/pkg/crypto"
	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/keylock"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/rbac"
)

// Observer is told about committed changes that live connections must follow.
// Calls happen after the room lock is released.
type Observer interface {
	// Evicted reports that userID lost access to room (ban or kick).
	Evicted(ctx context.Context, room model.Room, userID int64, reason string)
	// RoomRenamed reports a new name for a room.
	RoomRenamed(ctx context.Context, room model.Room, oldName string)
	// RoomDeleted reports that a room and all its memberships are gone.
	RoomDeleted(ctx context.Context, room model.Room)
}

// Ledger is the single writer of room memberships.
type Ledger struct {
	store  datastore.DataProviderFactory
	verify func(encoded, password string) (bool, error)
	locks  keylock.Map[int64]

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a Ledger backed by st.
func New(st datastore.DataProviderFactory) *Ledger {
	return &Ledger{store: st, verify: crypto.VerifyPassword}
}

// Subscribe registers o for change notifications.
func (l *Ledger) Subscribe(o Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *Ledger) notify(fn func(o Observer)) {
	l.obsMu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.obsMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// View returns a snapshot of a room with its membership sets, or nil.
func (l *Ledger) View(ctx context.Context, roomID int64) (*model.RoomView, error) {
	v, err := l.store.NonTx().GetRoomView(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("ledger: view room %d: %w", roomID, err)
	}
	return v, nil
}

// mutation decides and applies one change. It writes through tx and keeps v
// in step with what it wrote. Any kind other than Applied rolls back.
type mutation func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error)

func (l *Ledger) mutate(ctx context.Context, op string, roomID int64, fn mutation) (Result, error) {
	unlock := l.locks.Lock(roomID)
	defer unlock()

	tx, err := l.store.Tx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	v, err := tx.GetRoomView(ctx, roomID)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %s: %w", op, err)
	}
	if v == nil {
		return Result{Kind: RoomNotFound}, nil
	}

	kind, err := fn(ctx, tx, v)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %s: room %d: %w", op, roomID, err)
	}
	if kind != Applied {
		slog.Debug("ledger operation denied", "op", op, "room_id", roomID, "reason", kind)
		return Result{Kind: kind, Room: v}, nil
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("ledger: %s: room %d: %w", op, roomID, err)
	}
	return Result{Kind: Applied, Room: v}, nil
}

func add(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView, uid int64, rels ...model.Relation) error {
	for _, rel := range rels {
		if err := tx.AddRelation(ctx, v.ID, uid, rel); err != nil {
			return err
		}
		v.Set(rel).Add(uid)
	}
	return nil
}

func remove(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView, uid int64, rels ...model.Relation) error {
	for _, rel := range rels {
		if err := tx.RemoveRelation(ctx, v.ID, uid, rel); err != nil {
			return err
		}
		v.Set(rel).Remove(uid)
	}
	return nil
}

// AddMember lets uid into the room. It is denied when uid is banned or when
// the room has a password and password does not match. A user who is already
// a member is let in without a password check. A ban is never lifted here.
func (l *Ledger) AddMember(ctx context.Context, roomID, uid int64, password string) (Result, error) {
	return l.mutate(ctx, "add member", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		if rbac.IsBanned(v, uid) {
			return Banned, nil
		}
		if rbac.IsMember(v, uid) {
			return Applied, nil
		}
		if v.HasPassword() {
			ok, err := l.verify(v.PasswordHash, password)
			if err != nil {
				slog.Warn("room password hash unreadable", "room_id", v.ID, "err", err)
				return InvalidCredential, nil
			}
			if !ok {
				return InvalidCredential, nil
			}
		}
		return Applied, add(ctx, tx, v, uid, model.RelationMember)
	})
}

// RemoveMember takes target out of the members and admins. Users may
// always remove themselves; removing someone else needs higher rights.
func (l *Ledger) RemoveMember(ctx context.Context, roomID, actor, target int64) (Result, error) {
	res, err := l.mutate(ctx, "remove member", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		if actor != target && !rbac.Can(v, rbac.ActionKick, actor, target) {
			return Unauthorized, nil
		}
		return Applied, remove(ctx, tx, v, target, model.RelationMember, model.RelationAdmin)
	})
	if err == nil && res.OK() && actor != target {
		room := res.Room.Room
		l.notify(func(o Observer) { o.Evicted(ctx, room, target, "kicked") })
	}
	return res, err
}

// AddAdmin promotes target. Only the owner may do it; the owner and banned
// users cannot be promoted.
func (l *Ledger) AddAdmin(ctx context.Context, roomID, actor, target int64) (Result, error) {
	return l.mutate(ctx, "add admin", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		switch {
		case !rbac.Can(v, rbac.ActionPromote, actor, target):
			return Unauthorized, nil
		case rbac.IsOwner(v, target):
			return OwnerTarget, nil
		case rbac.IsBanned(v, target):
			return Banned, nil
		}
		return Applied, add(ctx, tx, v, target, model.RelationAdmin)
	})
}

// DelAdmin demotes target. Only the owner may do it.
func (l *Ledger) DelAdmin(ctx context.Context, roomID, actor, target int64) (Result, error) {
	return l.mutate(ctx, "delete admin", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		switch {
		case !rbac.Can(v, rbac.ActionDemote, actor, target):
			return Unauthorized, nil
		case rbac.IsOwner(v, target):
			return OwnerTarget, nil
		}
		return Applied, remove(ctx, tx, v, target, model.RelationAdmin)
	})
}

// gated runs the shared checks of the ban and mute family.
func gated(action rbac.Action, actor, target int64, apply mutation) mutation {
	return func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		if actor == target {
			return SelfTarget, nil
		}
		if !rbac.Can(v, action, actor, target) {
			return Unauthorized, nil
		}
		return apply(ctx, tx, v)
	}
}

// AddBan bans target and, in the same transaction, drops them from the
// admins and members.
func (l *Ledger) AddBan(ctx context.Context, roomID, actor, target int64) (Result, error) {
	res, err := l.mutate(ctx, "add ban", roomID, gated(rbac.ActionBan, actor, target,
		func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
			if err := add(ctx, tx, v, target, model.RelationBanned); err != nil {
				return Applied, err
			}
			return Applied, remove(ctx, tx, v, target, model.RelationAdmin, model.RelationMember)
		}))
	if err == nil && res.OK() {
		room := res.Room.Room
		l.notify(func(o Observer) { o.Evicted(ctx, room, target, "banned") })
	}
	return res, err
}

// DelBan lifts a ban. It does not restore membership.
func (l *Ledger) DelBan(ctx context.Context, roomID, actor, target int64) (Result, error) {
	return l.mutate(ctx, "delete ban", roomID, gated(rbac.ActionUnban, actor, target,
		func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
			return Applied, remove(ctx, tx, v, target, model.RelationBanned)
		}))
}

// AddMute silences target in the room; membership is untouched.
func (l *Ledger) AddMute(ctx context.Context, roomID, actor, target int64) (Result, error) {
	return l.mutate(ctx, "add mute", roomID, gated(rbac.ActionMute, actor, target,
		func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
			return Applied, add(ctx, tx, v, target, model.RelationMuted)
		}))
}

// DelMute lifts a mute.
func (l *Ledger) DelMute(ctx context.Context, roomID, actor, target int64) (Result, error) {
	return l.mutate(ctx, "delete mute", roomID, gated(rbac.ActionUnmute, actor, target,
		func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
			return Applied, remove(ctx, tx, v, target, model.RelationMuted)
		}))
}

// Rename gives the room a new name. Only the owner may do it.
func (l *Ledger) Rename(ctx context.Context, roomID, actor int64, name string) (Result, error) {
	if err := model.ValidateRoomName(name); err != nil {
		return Result{}, fmt.Errorf("ledger: rename: %w", err)
	}
	var oldName string
	res, err := l.mutate(ctx, "rename", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		if !rbac.Can(v, rbac.ActionRename, actor, 0) {
			return Unauthorized, nil
		}
		if v.Name == name {
			return Applied, nil
		}
		other, err := tx.GetRoomByName(ctx, name)
		if err != nil {
			return Applied, err
		}
		if other != nil {
			return NameTaken, nil
		}
		if err := tx.RenameRoom(ctx, v.ID, name); err != nil {
			return Applied, err
		}
		oldName, v.Name = v.Name, name
		return Applied, nil
	})
	if err == nil && res.OK() && oldName != "" {
		room := res.Room.Room
		l.notify(func(o Observer) { o.RoomRenamed(ctx, room, oldName) })
	}
	return res, err
}

// Remove deletes the room. Only the owner may do it. The four sets are
// cleared, the owner detached and the row deleted in one transaction; on
// any failure nothing changes.
func (l *Ledger) Remove(ctx context.Context, actor, roomID int64) (Result, error) {
	var deleted model.Room
	res, err := l.mutate(ctx, "remove room", roomID, func(ctx context.Context, tx datastore.DataStoreTx, v *model.RoomView) (Kind, error) {
		if !rbac.Can(v, rbac.ActionDeleteRoom, actor, 0) {
			return Unauthorized, nil
		}
		if err := tx.ClearRelations(ctx, v.ID); err != nil {
			return Applied, err
		}
		if err := tx.SetRoomOwner(ctx, v.ID, 0); err != nil {
			return Applied, err
		}
		if _, err := tx.DeleteRoom(ctx, v.ID); err != nil {
			return Applied, err
		}
		deleted = v.Room
		return Applied, nil
	})
	if err != nil || !res.OK() {
		return res, err
	}
	slog.Info("room deleted", "room_id", deleted.ID, "room", deleted.Name, "by", actor)
	l.notify(func(o Observer) { o.RoomDeleted(ctx, deleted) })
	return Result{Kind: Applied}, nil
}
