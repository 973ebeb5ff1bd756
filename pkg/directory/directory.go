// Package directory resolves rooms by name and creates them on first use.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/NicolasHaas/roomgate/pkg/crypto"
	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/model"
)

var ErrSameUser = errors.New("directory: a private room needs two different users")

// Directory looks rooms up and creates them. Concurrent creations of the
// same name collapse into one store write.
type Directory struct {
	store  datastore.DataProviderFactory
	hash   func(password string) (string, error)
	flight singleflight.Group

	onCreate func(room model.Room)
}

// New creates a Directory backed by st.
func New(st datastore.DataProviderFactory) *Directory {
	return &Directory{store: st, hash: crypto.HashPassword}
}

// WithHasher replaces the password hasher. Tests use it to pick cheaper parameters.
func (d *Directory) WithHasher(hash func(password string) (string, error)) *Directory {
	d.hash = hash
	return d
}

// OnCreate registers fn to run after each room this Directory creates.
func (d *Directory) OnCreate(fn func(room model.Room)) *Directory {
	d.onCreate = fn
	return d
}

// FindByName returns the room called name, or nil if there is none.
func (d *Directory) FindByName(ctx context.Context, name string) (*model.Room, error) {
	room, err := d.store.NonTx().GetRoomByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("directory: find %q: %w", name, err)
	}
	return room, nil
}

// FindByID returns the room with id, or nil if there is none.
func (d *Directory) FindByID(ctx context.Context, id int64) (*model.Room, error) {
	room, err := d.store.NonTx().GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("directory: find room %d: %w", id, err)
	}
	return room, nil
}

// FindOrCreate returns the room named spec.Name, creating it when absent.
// A new room is owned by spec.OwnerID, who becomes its only member, and
// carries the hash of spec.Password if one is given. An existing room is
// returned as is; spec's other fields are ignored in that case.
func (d *Directory) FindOrCreate(ctx context.Context, spec model.RoomSpec) (*model.Room, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if err := model.ValidateRoomName(spec.Name); err != nil {
		return nil, fmt.Errorf("directory: find or create: %w", err)
	}
	if room, err := d.FindByName(ctx, spec.Name); err != nil || room != nil {
		return room, err
	}

	v, err, shared := d.flight.Do(spec.Name, func() (any, error) {
		return d.create(ctx, spec, spec.OwnerID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("room creation shared", "room", spec.Name)
	}
	room := *v.(*model.Room)
	return &room, nil
}

// create inserts a room and its initial members in one transaction. A
// unique-name clash means someone else won the race; their room is returned.
func (d *Directory) create(ctx context.Context, spec model.RoomSpec, members ...int64) (*model.Room, error) {
	room := &model.Room{
		ID:      spec.ID,
		Name:    spec.Name,
		OwnerID: spec.OwnerID,
		Private: spec.Private,
	}
	if spec.Password != "" {
		hash, err := d.hash(spec.Password)
		if err != nil {
			return nil, fmt.Errorf("directory: hash password: %w", err)
		}
		room.PasswordHash = hash
	}

	err := d.inTx(ctx, func(tx datastore.DataStoreTx) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		for _, uid := range members {
			if uid == 0 {
				continue
			}
			if err := tx.AddRelation(ctx, room.ID, uid, model.RelationMember); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, model.ErrAlreadyExists) {
		existing, ferr := d.FindByName(ctx, spec.Name)
		if ferr != nil {
			return nil, ferr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("directory: create %q: %w", spec.Name, err)
	}
	slog.Info("room created", "room_id", room.ID, "room", room.Name, "owner_id", room.OwnerID, "private", room.Private)
	if d.onCreate != nil {
		d.onCreate(*room)
	}
	return room, nil
}

func (d *Directory) inTx(ctx context.Context, fn func(tx datastore.DataStoreTx) error) error {
	tx, err := d.store.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// BootstrapGeneralRoom makes sure the ownerless "general" room with
// id model.GeneralRoomID exists. Losing a creation race counts as success.
func (d *Directory) BootstrapGeneralRoom(ctx context.Context) error {
	room, err := d.FindByID(ctx, model.GeneralRoomID)
	if err != nil {
		return err
	}
	if room != nil {
		return nil
	}
	err = d.inTx(ctx, func(tx datastore.DataStoreTx) error {
		return tx.CreateRoom(ctx, &model.Room{ID: model.GeneralRoomID, Name: model.GeneralRoomName})
	})
	if errors.Is(err, model.ErrAlreadyExists) {
		slog.Debug("general room already present", "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("directory: bootstrap general room: %w", err)
	}
	slog.Info("general room created", "room_id", model.GeneralRoomID)
	return nil
}

// GetOrCreatePrivateRoom returns the private room shared by a and b,
// creating it with both as members. Either ordering of the two usernames
// finds the same room.
func (d *Directory) GetOrCreatePrivateRoom(ctx context.Context, a, b model.User) (*model.Room, error) {
	if a.ID == b.ID {
		return nil, ErrSameUser
	}
	names := model.PrivateRoomNames(a.Username, b.Username)
	for _, name := range names {
		room, err := d.FindByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if room != nil && room.Private {
			return room, nil
		}
	}

	spec := model.RoomSpec{Name: names[0], Private: true}
	v, err, _ := d.flight.Do(spec.Name, func() (any, error) {
		return d.create(ctx, spec, a.ID, b.ID)
	})
	if err != nil {
		return nil, err
	}
	room := *v.(*model.Room)
	if !room.Private {
		return nil, fmt.Errorf("directory: %q is a public room: %w", room.Name, model.ErrAlreadyExists)
	}
	return &room, nil
}

// ListPublic returns every non-private room.
func (d *Directory) ListPublic(ctx context.Context) ([]model.Room, error) {
	rooms, err := d.store.NonTx().ListPublicRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: list public rooms: %w", err)
	}
	return rooms, nil
}

// ListPrivateFor returns the private rooms userID belongs to.
func (d *Directory) ListPrivateFor(ctx context.Context, userID int64) ([]model.Room, error) {
	rooms, err := d.store.NonTx().ListPrivateRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: list private rooms: %w", err)
	}
	return rooms, nil
}
