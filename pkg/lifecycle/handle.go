package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
)

// Handle decodes one client frame, runs it and sends the reply. The
// returned error is non-nil only for store faults, which the client sees
// as a failed ack.
func (l *Lifecycle) Handle(ctx context.Context, connID string, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		l.reply(connID, protocol.Error(0, "bad_frame", err.Error()))
		return nil
	}

	switch env.Event {
	case protocol.EventPing:
		l.reply(connID, protocol.MustEncode(protocol.EventPong, env.Ack, nil))
		return nil

	case protocol.EventJoinRoom:
		var req pb.JoinRoomRequest
		if err := env.Bind(&req); err != nil {
			l.reply(connID, protocol.Error(env.Ack, "bad_request", err.Error()))
			return nil
		}
		ok, err := l.JoinRoom(ctx, connID, req)
		return l.ack(connID, env.Ack, ok, "", err)

	case protocol.EventLeaveRoom:
		var req pb.LeaveRoomRequest
		if err := env.Bind(&req); err != nil {
			l.reply(connID, protocol.Error(env.Ack, "bad_request", err.Error()))
			return nil
		}
		ok, err := l.LeaveRoom(ctx, connID, req)
		return l.ack(connID, env.Ack, ok, "", err)

	case protocol.EventMessage:
		var msg pb.ClientMessage
		if err := env.Bind(&msg); err != nil {
			l.reply(connID, protocol.Error(env.Ack, "bad_request", err.Error()))
			return nil
		}
		ok, err := l.Relay(ctx, connID, msg)
		if env.Ack == 0 && err == nil {
			return nil
		}
		return l.ack(connID, env.Ack, ok, "", err)

	case protocol.EventModerate:
		var req pb.ModerateRequest
		if err := env.Bind(&req); err != nil {
			l.reply(connID, protocol.Error(env.Ack, "bad_request", err.Error()))
			return nil
		}
		res, err := l.Moderate(ctx, connID, req)
		if err != nil && !isStoreFault(err) {
			l.reply(connID, protocol.Ack(env.Ack, false, reason(err)))
			return nil
		}
		var why string
		if !res.OK() {
			why = res.Kind.String()
		}
		return l.ack(connID, env.Ack, res.OK(), why, err)

	default:
		l.reply(connID, protocol.Error(env.Ack, "unknown_event", env.Event))
		return nil
	}
}

func (l *Lifecycle) ack(connID string, ack uint64, ok bool, why string, err error) error {
	if err != nil {
		slog.Error("request failed", "channel", l.profile.Channel, "conn_id", connID, "err", err)
		l.reply(connID, protocol.Ack(ack, false, "unavailable"))
		return err
	}
	l.reply(connID, protocol.Ack(ack, ok, why))
	return nil
}

func (l *Lifecycle) reply(connID string, frame []byte) {
	if err := l.fanout.Send(connID, frame); err != nil {
		slog.Debug("reply not delivered", "conn_id", connID, "err", err)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrUnknownConn):
		return "not_connected"
	case errors.Is(err, model.ErrRoomNameEmpty), errors.Is(err, model.ErrRoomNameTooLong), errors.Is(err, model.ErrRoomNameInvalid):
		return "invalid_name"
	default:
		return ledger.Unauthorized.String()
	}
}
