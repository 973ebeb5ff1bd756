// Package lifecycle drives the connections of one channel: connect, room
// joins and leaves, message relay, moderation and disconnect.
//
// The same Lifecycle serves chat and game; a Profile supplies what differs
// between them. Each connection's operations are serialized on its own
// mutex, so a join that is still running when the socket drops either
// finishes before the cleanup or is refused after it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/directory"
	"github.com/NicolasHaas/roomgate/pkg/keylock"
	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/metrics"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
	"github.com/NicolasHaas/roomgate/pkg/rbac"
	"github.com/NicolasHaas/roomgate/pkg/session"
)

var (
	ErrUnknownConn   = errors.New("lifecycle: unknown connection")
	ErrUnknownAction = errors.New("lifecycle: unknown moderation action")
)

// Fanout groups live connections by room name and delivers frames to them.
type Fanout interface {
	Join(connID, group string) bool
	Leave(connID, group string) bool
	Rename(oldName, newName string)
	Dissolve(group string) []string
	Emit(group string, frame []byte) int
	Send(connID string, frame []byte) error
	Close(connID string) error
}

// Deps are the collaborators a Lifecycle works with.
type Deps struct {
	Store     datastore.DataProviderFactory
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Binder    *session.Binder
	Fanout    Fanout
	Metrics   *metrics.Metrics
}

type connState struct {
	mu     sync.Mutex
	user   model.User
	closed bool
}

// Lifecycle tracks the connections of one channel.
type Lifecycle struct {
	profile Profile
	store   datastore.DataProviderFactory
	dir     *directory.Directory
	ledger  *ledger.Ledger
	binder  *session.Binder
	fanout  Fanout
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*connState

	// rooms serializes group placement and eviction per room.
	rooms keylock.Map[int64]
}

// New creates a Lifecycle for profile's channel and subscribes it to the
// ledger's change notifications.
func New(profile Profile, deps Deps) *Lifecycle {
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	l := &Lifecycle{
		profile: profile,
		store:   deps.Store,
		dir:     deps.Directory,
		ledger:  deps.Ledger,
		binder:  deps.Binder,
		fanout:  deps.Fanout,
		metrics: m,
		conns:   make(map[string]*connState),
	}
	deps.Ledger.Subscribe(l)
	return l
}

// Channel returns the channel this Lifecycle serves.
func (l *Lifecycle) Channel() model.Channel {
	return l.profile.Channel
}

func (l *Lifecycle) state(connID string) *connState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conns[connID]
}

// User returns the user bound to a live connection.
func (l *Lifecycle) User(connID string) (model.User, bool) {
	st := l.state(connID)
	if st == nil {
		return model.User{}, false
	}
	return st.user, true
}

// Connect binds connID to userID. An unknown user yields model.ErrUserNotFound
// and leaves nothing behind; the caller must then close the socket. On the
// chat channel the user also enters the general room.
func (l *Lifecycle) Connect(ctx context.Context, connID string, userID int64) error {
	user, err := l.store.NonTx().GetUserByID(ctx, userID)
	if err != nil {
		l.metrics.RejectedConnects.Add(1)
		return fmt.Errorf("lifecycle: connect: %w", err)
	}
	if user == nil {
		l.metrics.RejectedConnects.Add(1)
		return fmt.Errorf("lifecycle: connect user %d: %w", userID, model.ErrUserNotFound)
	}
	if err := l.binder.Bind(ctx, l.profile.Channel, user.ID, connID); err != nil {
		l.metrics.RejectedConnects.Add(1)
		return fmt.Errorf("lifecycle: connect: %w", err)
	}

	st := &connState{user: *user}
	st.mu.Lock()
	defer st.mu.Unlock()
	l.mu.Lock()
	l.conns[connID] = st
	l.mu.Unlock()

	if l.profile.DefaultRoomID != 0 {
		if err := l.enterDefault(ctx, connID, user.ID); err != nil {
			l.mu.Lock()
			delete(l.conns, connID)
			l.mu.Unlock()
			st.closed = true
			if _, rerr := l.binder.Release(ctx, l.profile.Channel, user.ID, connID); rerr != nil {
				slog.Warn("release after failed connect", "conn_id", connID, "err", rerr)
			}
			return err
		}
	}

	l.metrics.TotalConnections.Add(1)
	l.metrics.ActiveConnections.Add(1)
	slog.Info("connection bound", "channel", l.profile.Channel, "conn_id", connID, "user_id", user.ID, "username", user.Username)
	return nil
}

func (l *Lifecycle) enterDefault(ctx context.Context, connID string, userID int64) error {
	roomID := l.profile.DefaultRoomID
	res, err := l.ledger.AddMember(ctx, roomID, userID, "")
	if err != nil {
		return fmt.Errorf("lifecycle: connect: %w", err)
	}
	if !res.OK() {
		slog.Warn("default room refused", "channel", l.profile.Channel, "room_id", roomID, "user_id", userID, "reason", res.Kind)
		return nil
	}
	_, err = l.place(ctx, roomID, userID, connID)
	return err
}

// place puts connID into the group of roomID if userID is still a member.
// It holds the room's placement lock so an eviction cannot slip between
// the check and the join.
func (l *Lifecycle) place(ctx context.Context, roomID, userID int64, connID string) (bool, error) {
	unlock := l.rooms.Lock(roomID)
	defer unlock()

	v, err := l.ledger.View(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: place: %w", err)
	}
	if !rbac.IsMember(v, userID) {
		return false, nil
	}
	if !l.fanout.Join(connID, v.Name) {
		return false, nil
	}
	slog.Debug("connection placed", "channel", l.profile.Channel, "conn_id", connID, "room", v.Name)
	return true, nil
}

// JoinRoom resolves or creates the requested room, admits the user through
// the ledger and places the user's currently bound connection in the
// room's group. False means the join was denied; errors are store faults.
func (l *Lifecycle) JoinRoom(ctx context.Context, connID string, req pb.JoinRoomRequest) (bool, error) {
	st := l.state(connID)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false, nil
	}
	user := st.user
	if req.User.ID != 0 && req.User.ID != user.ID {
		slog.Warn("join for another user refused", "conn_id", connID, "user_id", user.ID, "claimed", req.User.ID)
		return l.denied()
	}

	room, err := l.resolveJoin(ctx, user, req)
	if err != nil {
		return false, err
	}
	if room == nil {
		return l.denied()
	}

	res, err := l.ledger.AddMember(ctx, room.ID, user.ID, req.Room.Password)
	if err != nil {
		return false, err
	}
	if !res.OK() {
		slog.Info("join denied", "channel", l.profile.Channel, "room", room.Name, "user_id", user.ID, "reason", res.Kind)
		return l.denied()
	}

	bound, ok, err := l.binder.Resolve(ctx, l.profile.Channel, user.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return l.denied()
	}
	placed, err := l.place(ctx, room.ID, user.ID, bound)
	if err != nil || !placed {
		l.metrics.JoinsDenied.Add(1)
		return false, err
	}
	l.metrics.JoinsGranted.Add(1)
	slog.Info("room joined", "channel", l.profile.Channel, "room", room.Name, "user_id", user.ID)
	return true, nil
}

func (l *Lifecycle) denied() (bool, error) {
	l.metrics.JoinsDenied.Add(1)
	return false, nil
}

// resolveJoin finds the room a join request targets, creating it when it
// names a room that does not exist. It returns nil when no room can be had.
func (l *Lifecycle) resolveJoin(ctx context.Context, user model.User, req pb.JoinRoomRequest) (*model.Room, error) {
	if req.With != nil {
		peer, err := l.store.NonTx().GetUserByID(ctx, req.With.ID)
		if err != nil || peer == nil {
			return nil, err
		}
		room, err := l.dir.GetOrCreatePrivateRoom(ctx, user, *peer)
		return room, denial(err)
	}
	var room *model.Room
	if req.Room.ID != 0 {
		r, err := l.dir.FindByID(ctx, req.Room.ID)
		if err != nil {
			return nil, err
		}
		room = r
	}
	if room == nil {
		if req.Room.Name == "" {
			return nil, nil
		}
		r, err := l.dir.FindOrCreate(ctx, model.RoomSpec{
			Name:     req.Room.Name,
			Password: req.Room.Password,
			OwnerID:  user.ID,
		})
		if err = denial(err); err != nil || r == nil {
			return nil, err
		}
		room = r
	}
	if !room.Private {
		return room, nil
	}
	// A private room is reached through its peer; by id or name only its
	// members get back in.
	v, err := l.ledger.View(ctx, room.ID)
	if err != nil || !rbac.IsMember(v, user.ID) {
		return nil, err
	}
	return room, nil
}

// denial drops errors that only mean the request cannot be served, keeping
// store faults.
func denial(err error) error {
	if err == nil || isStoreFault(err) {
		return err
	}
	slog.Debug("room unavailable", "err", err)
	return nil
}

func isStoreFault(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable) ||
		errors.Is(err, model.ErrStoreTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// roomView looks a room up by id, falling back to its name.
func (l *Lifecycle) roomView(ctx context.Context, ref pb.RoomRef) (*model.RoomView, error) {
	id := ref.ID
	if id == 0 && ref.Name != "" {
		room, err := l.dir.FindByName(ctx, ref.Name)
		if err != nil || room == nil {
			return nil, err
		}
		id = room.ID
	}
	if id == 0 {
		return nil, nil
	}
	return l.ledger.View(ctx, id)
}

// LeaveRoom drops the user's membership and takes the connection out of
// the room's group.
func (l *Lifecycle) LeaveRoom(ctx context.Context, connID string, req pb.LeaveRoomRequest) (bool, error) {
	st := l.state(connID)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false, nil
	}

	v, err := l.roomView(ctx, req.Room)
	if err != nil || v == nil {
		return false, err
	}
	res, err := l.ledger.RemoveMember(ctx, v.ID, st.user.ID, st.user.ID)
	if err != nil || !res.OK() {
		return false, err
	}

	unlock := l.rooms.Lock(v.ID)
	l.fanout.Leave(connID, res.Room.Name)
	unlock()
	slog.Info("room left", "channel", l.profile.Channel, "room", res.Room.Name, "user_id", st.user.ID)
	return true, nil
}

// Relay persists a message and broadcasts it to the room. Messages from
// users who are not members, or who are muted, are dropped and Relay
// reports false.
func (l *Lifecycle) Relay(ctx context.Context, connID string, msg pb.ClientMessage) (bool, error) {
	st := l.state(connID)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false, nil
	}
	user := st.user

	v, err := l.roomView(ctx, msg.Room)
	if err != nil {
		return false, err
	}
	if !rbac.IsMember(v, user.ID) || rbac.IsMuted(v, user.ID) {
		l.metrics.MessagesSuppressed.Add(1)
		slog.Debug("message suppressed", "channel", l.profile.Channel, "user_id", user.ID, "room", msg.Room.Name)
		return false, nil
	}
	stored, relayed, err := l.profile.Codec(msg.Message)
	if err != nil {
		l.metrics.MessagesSuppressed.Add(1)
		slog.Debug("message rejected", "channel", l.profile.Channel, "user_id", user.ID, "err", err)
		return false, nil
	}

	record := &model.Message{
		RoomID:   v.ID,
		SenderID: user.ID,
		Channel:  l.profile.Channel,
		Body:     stored,
	}
	if err := l.store.NonTx().CreateMessage(ctx, record); err != nil {
		return false, fmt.Errorf("lifecycle: relay: %w", err)
	}

	frame, err := protocol.Encode(protocol.EventBroadcast, 0, &pb.ServerMessage{
		User:    pb.UserRef{ID: user.ID, Username: user.Username},
		Message: relayed,
		Room:    pb.RoomRef{ID: v.ID, Name: v.Name},
	})
	if err != nil {
		return false, err
	}
	n := l.fanout.Emit(v.Name, frame)
	l.metrics.MessagesRelayed.Add(1)
	slog.Debug("message relayed", "channel", l.profile.Channel, "room", v.Name, "user_id", user.ID, "recipients", n)
	return true, nil
}

// Moderate runs a moderation action with the connection's user as actor.
func (l *Lifecycle) Moderate(ctx context.Context, connID string, req pb.ModerateRequest) (ledger.Result, error) {
	st := l.state(connID)
	if st == nil {
		return ledger.Result{}, ErrUnknownConn
	}
	action, ok := rbac.ParseAction(req.Action)
	if !ok {
		return ledger.Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	v, err := l.roomView(ctx, req.Room)
	if err != nil {
		return ledger.Result{}, err
	}
	if v == nil {
		return ledger.Result{Kind: ledger.RoomNotFound}, nil
	}

	actor, roomID, target := st.user.ID, v.ID, req.Target
	var res ledger.Result
	switch action {
	case rbac.ActionKick:
		res, err = l.ledger.RemoveMember(ctx, roomID, actor, target)
	case rbac.ActionBan:
		res, err = l.ledger.AddBan(ctx, roomID, actor, target)
	case rbac.ActionUnban:
		res, err = l.ledger.DelBan(ctx, roomID, actor, target)
	case rbac.ActionMute:
		res, err = l.ledger.AddMute(ctx, roomID, actor, target)
	case rbac.ActionUnmute:
		res, err = l.ledger.DelMute(ctx, roomID, actor, target)
	case rbac.ActionPromote:
		res, err = l.ledger.AddAdmin(ctx, roomID, actor, target)
	case rbac.ActionDemote:
		res, err = l.ledger.DelAdmin(ctx, roomID, actor, target)
	case rbac.ActionRename:
		res, err = l.ledger.Rename(ctx, roomID, actor, req.Name)
	case rbac.ActionDeleteRoom:
		res, err = l.ledger.Remove(ctx, actor, roomID)
	}
	if err != nil {
		return res, err
	}

	slog.Info("moderation", "channel", l.profile.Channel, "action", action, "room_id", roomID, "actor", actor, "target", target, "result", res.Kind)
	if res.OK() {
		l.count(action)
	}
	return res, nil
}

func (l *Lifecycle) count(action rbac.Action) {
	switch action {
	case rbac.ActionKick:
		l.metrics.KickCount.Add(1)
	case rbac.ActionBan:
		l.metrics.BanCount.Add(1)
	case rbac.ActionMute:
		l.metrics.MuteCount.Add(1)
	case rbac.ActionRename:
		l.metrics.RoomsRenamed.Add(1)
	case rbac.ActionDeleteRoom:
		l.metrics.RoomsDeleted.Add(1)
	}
}

// Disconnect releases the connection's binding and closes it. It runs its
// cleanup once no matter how many times it is called. Persisted room
// membership is left alone.
func (l *Lifecycle) Disconnect(ctx context.Context, connID string) error {
	l.mu.Lock()
	st := l.conns[connID]
	delete(l.conns, connID)
	l.mu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	_, err := l.binder.Release(ctx, l.profile.Channel, st.user.ID, connID)
	if cerr := l.fanout.Close(connID); cerr != nil {
		slog.Debug("close connection", "conn_id", connID, "err", cerr)
	}
	l.metrics.ActiveConnections.Add(-1)
	l.metrics.TotalDisconnects.Add(1)
	slog.Info("connection closed", "channel", l.profile.Channel, "conn_id", connID, "user_id", st.user.ID)
	if err != nil {
		return fmt.Errorf("lifecycle: disconnect: %w", err)
	}
	return nil
}

// Count returns the number of live connections.
func (l *Lifecycle) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}
