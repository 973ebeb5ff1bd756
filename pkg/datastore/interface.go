package datastore

import (
	"context"

	"github.com/NicolasHaas/roomgate/pkg/model"
)

// DataProviderFactory hands out stores. NonTx stores run every call on its
// own; a DataStoreTx groups calls so they commit or roll back together.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for users, rooms, the room
// membership relations and relayed messages. Lookups of missing rows return
// (nil, nil). Backend failures are wrapped with model.ErrStoreUnavailable or
// model.ErrStoreTimeout; unique-key clashes with model.ErrAlreadyExists.
type DataStore interface {
	UserReadProvider
	UserWriteProvider
	SessionWriteProvider

	RoomReadProvider
	RoomWriteProvider

	RelationReadProvider
	RelationWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataProviderFactory = (*MemoryFactory)(nil)
)

type UserReadProvider interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserBySocket(ctx context.Context, ch model.Channel, socket string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, username string) (*model.User, error)
}

type SessionWriteProvider interface {
	// SetSocket overwrites the user's socket for ch. It reports false when the user does not exist.
	SetSocket(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error)
	// ClearSocketIf empties the user's socket for ch only while it still equals socket.
	ClearSocketIf(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error)
}

type RoomReadProvider interface {
	GetRoom(ctx context.Context, id int64) (*model.Room, error)
	GetRoomByName(ctx context.Context, name string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	ListPublicRooms(ctx context.Context) ([]model.Room, error)
	ListPrivateRooms(ctx context.Context, userID int64) ([]model.Room, error)
}

type RoomWriteProvider interface {
	// CreateRoom inserts room. A zero ID is allocated by the store.
	CreateRoom(ctx context.Context, room *model.Room) error
	RenameRoom(ctx context.Context, id int64, name string) error
	// SetRoomOwner changes the owner; 0 detaches it.
	SetRoomOwner(ctx context.Context, id int64, ownerID int64) error
	// DeleteRoom removes the room row and its messages. It reports false when nothing was deleted.
	DeleteRoom(ctx context.Context, id int64) (bool, error)
}

type RelationReadProvider interface {
	// GetRoomView loads a room with its four membership sets.
	GetRoomView(ctx context.Context, id int64) (*model.RoomView, error)
}

type RelationWriteProvider interface {
	AddRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error
	RemoveRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error
	ClearRelations(ctx context.Context, roomID int64) error
}

type MessageReadProvider interface {
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
}
