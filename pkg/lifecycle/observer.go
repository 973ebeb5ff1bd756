package lifecycle

import (
	"context"
	"log/slog"

	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
)

var _ ledger.Observer = (*Lifecycle)(nil)

// Evicted takes the user's bound connection out of the room's group and
// tells the client. The connection itself stays open.
func (l *Lifecycle) Evicted(ctx context.Context, room model.Room, userID int64, reason string) {
	connID, ok, err := l.binder.Resolve(ctx, l.profile.Channel, userID)
	if err != nil {
		slog.Error("resolve evicted user", "channel", l.profile.Channel, "user_id", userID, "err", err)
		return
	}
	if !ok {
		return
	}

	unlock := l.rooms.Lock(room.ID)
	left := l.fanout.Leave(connID, room.Name)
	unlock()
	if !left {
		return
	}
	l.notifyEvicted(connID, room, reason)
	slog.Info("connection evicted", "channel", l.profile.Channel, "room", room.Name, "user_id", userID, "reason", reason)
}

// RoomRenamed moves the room's group to the new name.
func (l *Lifecycle) RoomRenamed(_ context.Context, room model.Room, oldName string) {
	unlock := l.rooms.Lock(room.ID)
	l.fanout.Rename(oldName, room.Name)
	unlock()
	slog.Info("room group renamed", "channel", l.profile.Channel, "from", oldName, "to", room.Name)
}

// RoomDeleted empties the room's group and tells every connection in it.
func (l *Lifecycle) RoomDeleted(_ context.Context, room model.Room) {
	unlock := l.rooms.Lock(room.ID)
	ids := l.fanout.Dissolve(room.Name)
	unlock()
	for _, id := range ids {
		l.notifyEvicted(id, room, "deleted")
	}
}

func (l *Lifecycle) notifyEvicted(connID string, room model.Room, reason string) {
	frame := protocol.MustEncode(protocol.EventEvicted, 0, &pb.EvictedEvent{
		Room:   pb.RoomRef{ID: room.ID, Name: room.Name},
		Reason: reason,
	})
	if err := l.fanout.Send(connID, frame); err != nil {
		slog.Debug("eviction notice not delivered", "conn_id", connID, "err", err)
	}
}
