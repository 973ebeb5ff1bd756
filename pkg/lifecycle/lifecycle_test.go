package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/NicolasHaas/roomgate/pkg/crypto"
	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/directory"
	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/lifecycle"
	"github.com/NicolasHaas/roomgate/pkg/metrics"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
	"github.com/NicolasHaas/roomgate/pkg/session"
	"github.com/NicolasHaas/roomgate/pkg/transport"

	"github.com/google/go-cmp/cmp"
)

var cheap = crypto.Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []*protocol.Envelope
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []string{}
	for _, env := range c.frames {
		out = append(out, env.Event)
	}
	return out
}

// last decodes the data of the latest frame carrying event.
func (c *fakeConn) last(t *testing.T, event string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			if err := c.frames[i].Bind(v); err != nil {
				t.Fatalf("bind %s: %v", event, err)
			}
			return
		}
	}
	var got []string
	for _, env := range c.frames {
		got = append(got, env.Event)
	}
	t.Fatalf("no %s frame received; got %v", event, got)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type fixture struct {
	ctx     context.Context
	store   *datastore.MemoryFactory
	hub     *transport.Hub
	gameHub *transport.Hub
	dir     *directory.Directory
	ledger  *ledger.Ledger
	binder  *session.Binder
	metrics *metrics.Metrics
	chat    *lifecycle.Lifecycle
	game    *lifecycle.Lifecycle

	alice, bob, carol model.User
	seq               atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := datastore.NewMemory()
	f := &fixture{
		ctx:     ctx,
		store:   st,
		hub:     transport.NewHub(),
		gameHub: transport.NewHub(),
		dir: directory.New(st).WithHasher(func(pw string) (string, error) {
			return crypto.HashPasswordWith(cheap, pw)
		}),
		ledger:  ledger.New(st),
		binder:  session.NewBinder(st),
		metrics: metrics.New(),
	}
	if err := f.dir.BootstrapGeneralRoom(ctx); err != nil {
		t.Fatalf("BootstrapGeneralRoom: %v", err)
	}
	for _, u := range []*model.User{&f.alice, &f.bob, &f.carol} {
		name := []string{"alice", "bob", "carol"}[f.seq.Add(1)-1]
		created, err := st.NonTx().CreateUser(ctx, name)
		if err != nil {
			t.Fatalf("CreateUser(%s): %v", name, err)
		}
		*u = *created
	}
	deps := lifecycle.Deps{Store: st, Directory: f.dir, Ledger: f.ledger, Binder: f.binder, Metrics: f.metrics}
	deps.Fanout = f.hub
	f.chat = lifecycle.New(lifecycle.ChatProfile(), deps)
	deps.Fanout = f.gameHub
	f.game = lifecycle.New(lifecycle.GameProfile(), deps)
	return f
}

func (f *fixture) dial(t *testing.T, user model.User) *fakeConn {
	t.Helper()
	return f.dialOn(t, f.chat, f.hub, user)
}

func (f *fixture) dialOn(t *testing.T, lc *lifecycle.Lifecycle, hub *transport.Hub, user model.User) *fakeConn {
	t.Helper()
	c := &fakeConn{id: fmt.Sprintf("conn-%d", f.seq.Add(1))}
	hub.Register(c)
	if err := lc.Connect(f.ctx, c.id, user.ID); err != nil {
		t.Fatalf("Connect(%s): %v", user.Username, err)
	}
	return c
}

func (f *fixture) join(t *testing.T, c *fakeConn, user model.User, room pb.RoomRef) bool {
	t.Helper()
	return f.joinOn(t, f.chat, c, user, room)
}

func (f *fixture) joinOn(t *testing.T, lc *lifecycle.Lifecycle, c *fakeConn, user model.User, room pb.RoomRef) bool {
	t.Helper()
	ok, err := lc.JoinRoom(f.ctx, c.id, pb.JoinRoomRequest{
		User: pb.UserRef{ID: user.ID, Username: user.Username},
		Room: room,
	})
	if err != nil {
		t.Fatalf("JoinRoom(%s, %s): %v", user.Username, room.Name, err)
	}
	return ok
}

func (f *fixture) moderate(t *testing.T, c *fakeConn, action string, room string, target int64) ledger.Result {
	t.Helper()
	res, err := f.chat.Moderate(f.ctx, c.id, pb.ModerateRequest{Action: action, Room: pb.RoomRef{Name: room}, Target: target})
	if err != nil {
		t.Fatalf("Moderate(%s): %v", action, err)
	}
	return res
}

func chatText(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func TestConnectUnknownUser(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{id: "ghost"}
	f.hub.Register(c)

	err := f.chat.Connect(f.ctx, c.id, 999)
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Fatalf("Connect: got %v, want ErrUserNotFound", err)
	}
	if f.chat.Count() != 0 {
		t.Fatalf("Count = %d after rejected connect", f.chat.Count())
	}
	if got := f.metrics.RejectedConnects.Load(); got != 1 {
		t.Fatalf("RejectedConnects = %d, want 1", got)
	}
}

func TestConnectChatEntersGeneral(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, f.alice)

	if diff := cmp.Diff([]string{c.id}, f.hub.Members(model.GeneralRoomName)); diff != "" {
		t.Fatalf("general group (-want +got):\n%s", diff)
	}
	v, err := f.ledger.View(f.ctx, model.GeneralRoomID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Members.Has(f.alice.ID) {
		t.Fatalf("alice is not a member of general: %v", v.Members.Sorted())
	}
	connID, ok, err := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID)
	if err != nil || !ok || connID != c.id {
		t.Fatalf("Resolve = %q, %v, %v; want %q", connID, ok, err, c.id)
	}
}

func TestConnectGameHasNoDefaultRoom(t *testing.T) {
	f := newFixture(t)
	c := f.dialOn(t, f.game, f.gameHub, f.alice)

	if len(f.gameHub.GroupsOf(c.id)) != 0 {
		t.Fatalf("game connection placed in %v", f.gameHub.GroupsOf(c.id))
	}
	connID, ok, _ := f.binder.Resolve(f.ctx, model.ChannelGame, f.alice.ID)
	if !ok || connID != c.id {
		t.Fatalf("game binding = %q, %v", connID, ok)
	}
	if _, ok, _ := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID); ok {
		t.Fatalf("chat binding set by a game connect")
	}
}

func TestReconnectJoinUsesNewConnection(t *testing.T) {
	f := newFixture(t)
	c1 := f.dial(t, f.alice)
	if err := f.chat.Disconnect(f.ctx, c1.id); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok, _ := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID); ok {
		t.Fatalf("binding survived disconnect")
	}
	if !c1.closed {
		t.Fatalf("Disconnect did not close the connection")
	}

	c2 := f.dial(t, f.alice)
	if !f.join(t, c2, f.alice, pb.RoomRef{ID: model.GeneralRoomID, Name: model.GeneralRoomName}) {
		t.Fatalf("join general denied")
	}
	if diff := cmp.Diff([]string{c2.id}, f.hub.Members(model.GeneralRoomName)); diff != "" {
		t.Fatalf("general group (-want +got):\n%s", diff)
	}
}

func TestJoinPlacesBoundConnection(t *testing.T) {
	f := newFixture(t)
	stale := f.dial(t, f.alice)
	fresh := f.dial(t, f.alice)

	if !f.join(t, stale, f.alice, pb.RoomRef{Name: "lobby"}) {
		t.Fatalf("join denied")
	}
	if diff := cmp.Diff([]string{fresh.id}, f.hub.Members("lobby")); diff != "" {
		t.Fatalf("lobby group (-want +got):\n%s", diff)
	}

	// The stale connection closing must not unbind the fresh one.
	if err := f.chat.Disconnect(f.ctx, stale.id); err != nil {
		t.Fatal(err)
	}
	connID, ok, _ := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID)
	if !ok || connID != fresh.id {
		t.Fatalf("binding = %q, %v; want %q", connID, ok, fresh.id)
	}
}

func TestJoinCreatesOwnedRoomWithPassword(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)

	if !f.join(t, ca, f.alice, pb.RoomRef{Name: "vault", Password: "s3cret"}) {
		t.Fatalf("creating join denied")
	}
	room, err := f.dir.FindByName(f.ctx, "vault")
	if err != nil || room == nil {
		t.Fatalf("FindByName: %v, %v", room, err)
	}
	if room.OwnerID != f.alice.ID || !room.HasPassword() {
		t.Fatalf("room = %+v", room)
	}

	if f.join(t, cb, f.bob, pb.RoomRef{Name: "vault", Password: "wrong"}) {
		t.Fatalf("join with wrong password granted")
	}
	if f.join(t, cb, f.bob, pb.RoomRef{Name: "vault"}) {
		t.Fatalf("join without password granted")
	}
	if !f.join(t, cb, f.bob, pb.RoomRef{Name: "vault", Password: "s3cret"}) {
		t.Fatalf("join with right password denied")
	}
	if diff := cmp.Diff([]string{ca.id, cb.id}, f.hub.Members("vault")); diff != "" {
		t.Fatalf("vault group (-want +got):\n%s", diff)
	}
	if f.metrics.JoinsDenied.Load() != 2 {
		t.Fatalf("JoinsDenied = %d, want 2", f.metrics.JoinsDenied.Load())
	}
}

func TestJoinDenials(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)

	ok, err := f.chat.JoinRoom(f.ctx, ca.id, pb.JoinRoomRequest{
		User: pb.UserRef{ID: f.bob.ID},
		Room: pb.RoomRef{Name: "lobby"},
	})
	if err != nil || ok {
		t.Fatalf("join claiming another user = %v, %v; want denied", ok, err)
	}
	if f.join(t, ca, f.alice, pb.RoomRef{ID: 4242}) {
		t.Fatalf("join of a missing room id without a name granted")
	}
	if f.join(t, ca, f.alice, pb.RoomRef{Name: "   "}) {
		t.Fatalf("join with a blank name granted")
	}
	if ok, err := f.chat.JoinRoom(f.ctx, "nobody", pb.JoinRoomRequest{Room: pb.RoomRef{Name: "lobby"}}); ok || err != nil {
		t.Fatalf("join from unknown connection = %v, %v", ok, err)
	}
}

func TestJoinAfterDisconnectIsRefused(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, f.alice)
	if err := f.chat.Disconnect(f.ctx, c.id); err != nil {
		t.Fatal(err)
	}
	if f.join(t, c, f.alice, pb.RoomRef{Name: "lobby"}) {
		t.Fatalf("join after disconnect granted")
	}
	if _, ok, _ := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID); ok {
		t.Fatalf("join after disconnect resurrected the binding")
	}
}

func TestDisconnectRacingJoin(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		c := f.dial(t, f.alice)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.chat.JoinRoom(f.ctx, c.id, pb.JoinRoomRequest{Room: pb.RoomRef{Name: "race"}})
		}()
		go func() {
			defer wg.Done()
			_ = f.chat.Disconnect(f.ctx, c.id)
		}()
		wg.Wait()

		if groups := f.hub.GroupsOf(c.id); len(groups) != 0 {
			t.Fatalf("closed connection still in %v", groups)
		}
		if _, ok, _ := f.binder.Resolve(f.ctx, model.ChannelChat, f.alice.ID); ok {
			t.Fatalf("binding survived disconnect in round %d", i)
		}
	}
}

func TestDisconnectRunsOnce(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, f.alice)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.chat.Disconnect(f.ctx, c.id)
		}()
	}
	wg.Wait()

	if got := f.metrics.TotalDisconnects.Load(); got != 1 {
		t.Fatalf("TotalDisconnects = %d, want 1", got)
	}
	if got := f.metrics.ActiveConnections.Load(); got != 0 {
		t.Fatalf("ActiveConnections = %d, want 0", got)
	}
	v, _ := f.ledger.View(f.ctx, model.GeneralRoomID)
	if !v.Members.Has(f.alice.ID) {
		t.Fatalf("disconnect removed persisted membership")
	}
}

func TestRelayBroadcastsAndPersists(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)

	ok, err := f.chat.Relay(f.ctx, ca.id, pb.ClientMessage{
		Message: chatText("  hello\x07 world  "),
		Room:    pb.RoomRef{ID: model.GeneralRoomID, Name: model.GeneralRoomName},
		User:    pb.UserRef{ID: f.bob.ID, Username: "impostor"},
	})
	if err != nil || !ok {
		t.Fatalf("Relay = %v, %v", ok, err)
	}

	var got pb.ServerMessage
	cb.last(t, protocol.EventBroadcast, &got)
	want := pb.ServerMessage{
		User:    pb.UserRef{ID: f.alice.ID, Username: "alice"},
		Message: chatText("hello world"),
		Room:    pb.RoomRef{ID: model.GeneralRoomID, Name: model.GeneralRoomName},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("broadcast (-want +got):\n%s", diff)
	}
	ca.last(t, protocol.EventBroadcast, &got)

	roomID := int64(model.GeneralRoomID)
	msgs, err := f.store.NonTx().ListMessages(f.ctx, model.MessageFilters{LimitToRoomID: &roomID})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello world" || msgs[0].SenderID != f.alice.ID || msgs[0].Channel != model.ChannelChat {
		t.Fatalf("persisted = %+v", msgs)
	}
}

func TestRelaySuppressed(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)
	cc := f.dial(t, f.carol)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})
	f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"})

	tests := []struct {
		name string
		conn *fakeConn
		msg  json.RawMessage
	}{
		{name: "non-member", conn: cc, msg: chatText("let me in")},
		{name: "empty", conn: ca, msg: chatText("   ")},
		{name: "not a string", conn: ca, msg: json.RawMessage(`{"x":1}`)},
		{name: "too long", conn: ca, msg: chatText(strings.Repeat("x", lifecycle.ChatMessageMaxLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.chat.Relay(f.ctx, tt.conn.id, pb.ClientMessage{Message: tt.msg, Room: pb.RoomRef{Name: "lobby"}})
			if err != nil || ok {
				t.Fatalf("Relay = %v, %v; want suppressed", ok, err)
			}
		})
	}

	if res := f.moderate(t, ca, "mute", "lobby", f.bob.ID); !res.OK() {
		t.Fatalf("mute: %v", res.Kind)
	}
	cb.reset()
	if ok, _ := f.chat.Relay(f.ctx, cb.id, pb.ClientMessage{Message: chatText("hi"), Room: pb.RoomRef{Name: "lobby"}}); ok {
		t.Fatalf("muted user relayed")
	}
	if ok, _ := f.chat.Relay(f.ctx, ca.id, pb.ClientMessage{Message: chatText("hi"), Room: pb.RoomRef{Name: "lobby"}}); !ok {
		t.Fatalf("owner relay suppressed")
	}
	if diff := cmp.Diff([]string{protocol.EventBroadcast}, cb.events()); diff != "" {
		t.Fatalf("muted user still receives (-want +got):\n%s", diff)
	}
	if got := f.metrics.MessagesSuppressed.Load(); got != 5 {
		t.Fatalf("MessagesSuppressed = %d, want 5", got)
	}
}

func TestGameRelayKeepsJSON(t *testing.T) {
	f := newFixture(t)
	ca := f.dialOn(t, f.game, f.gameHub, f.alice)
	cb := f.dialOn(t, f.game, f.gameHub, f.bob)
	if !f.joinOn(t, f.game, ca, f.alice, pb.RoomRef{Name: "match-1"}) || !f.joinOn(t, f.game, cb, f.bob, pb.RoomRef{Name: "match-1"}) {
		t.Fatalf("game joins denied")
	}

	ok, err := f.game.Relay(f.ctx, ca.id, pb.ClientMessage{
		Message: json.RawMessage(`{ "ball": [1, 2], "score": {"a": 3} }`),
		Room:    pb.RoomRef{Name: "match-1"},
	})
	if err != nil || !ok {
		t.Fatalf("Relay = %v, %v", ok, err)
	}
	var got pb.ServerMessage
	cb.last(t, protocol.EventBroadcast, &got)
	if string(got.Message) != `{"ball":[1,2],"score":{"a":3}}` {
		t.Fatalf("message = %s", got.Message)
	}
	if len(f.hub.Members("match-1")) != 0 {
		t.Fatalf("game join touched the chat hub")
	}

	ok, _ = f.game.Relay(f.ctx, ca.id, pb.ClientMessage{Message: json.RawMessage(`null`), Room: pb.RoomRef{Name: "match-1"}})
	if ok {
		t.Fatalf("null game message relayed")
	}
}

func TestBanEvictsOnBothChannels(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)
	gb := f.dialOn(t, f.game, f.gameHub, f.bob)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})
	f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"})
	f.joinOn(t, f.game, gb, f.bob, pb.RoomRef{Name: "lobby"})

	if res := f.moderate(t, ca, "ban", "lobby", f.bob.ID); !res.OK() {
		t.Fatalf("ban: %v", res.Kind)
	}

	if diff := cmp.Diff([]string{ca.id}, f.hub.Members("lobby")); diff != "" {
		t.Fatalf("chat lobby group (-want +got):\n%s", diff)
	}
	if f.gameHub.MembersCount("lobby") != 0 {
		t.Fatalf("banned game connection still in lobby")
	}
	var ev pb.EvictedEvent
	cb.last(t, protocol.EventEvicted, &ev)
	if ev.Reason != "banned" || ev.Room.Name != "lobby" {
		t.Fatalf("evicted = %+v", ev)
	}
	gb.last(t, protocol.EventEvicted, &ev)
	if cb.closed || gb.closed {
		t.Fatalf("ban closed the connection")
	}

	if f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"}) {
		t.Fatalf("banned user rejoined")
	}
	if got := f.metrics.BanCount.Load(); got != 1 {
		t.Fatalf("BanCount = %d", got)
	}
}

func TestKickEvicts(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})
	f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"})

	if res := f.moderate(t, cb, "kick", "lobby", f.alice.ID); res.Kind != ledger.Unauthorized {
		t.Fatalf("member kicking owner = %v, want unauthorized", res.Kind)
	}
	if res := f.moderate(t, ca, "kick", "lobby", f.bob.ID); !res.OK() {
		t.Fatalf("kick: %v", res.Kind)
	}
	var ev pb.EvictedEvent
	cb.last(t, protocol.EventEvicted, &ev)
	if ev.Reason != "kicked" {
		t.Fatalf("reason = %q", ev.Reason)
	}
	// A kick is not a ban.
	if !f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"}) {
		t.Fatalf("kicked user could not rejoin")
	}
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})

	ok, err := f.chat.LeaveRoom(f.ctx, ca.id, pb.LeaveRoomRequest{Room: pb.RoomRef{Name: "lobby"}})
	if err != nil || !ok {
		t.Fatalf("LeaveRoom = %v, %v", ok, err)
	}
	if f.hub.MembersCount("lobby") != 0 {
		t.Fatalf("connection still in lobby group")
	}
	room, _ := f.dir.FindByName(f.ctx, "lobby")
	v, _ := f.ledger.View(f.ctx, room.ID)
	if v.Members.Has(f.alice.ID) {
		t.Fatalf("membership survived leave")
	}
	if ok, _ := f.chat.LeaveRoom(f.ctx, ca.id, pb.LeaveRoomRequest{Room: pb.RoomRef{Name: "nowhere"}}); ok {
		t.Fatalf("leaving a missing room succeeded")
	}
}

func TestRenameMovesGroup(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})
	f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"})

	res, err := f.chat.Moderate(f.ctx, ca.id, pb.ModerateRequest{Action: "rename", Room: pb.RoomRef{Name: "lobby"}, Name: "hall"})
	if err != nil || !res.OK() {
		t.Fatalf("rename = %v, %v", res.Kind, err)
	}
	if f.hub.MembersCount("lobby") != 0 {
		t.Fatalf("old group still populated")
	}
	if diff := cmp.Diff([]string{ca.id, cb.id}, f.hub.Members("hall")); diff != "" {
		t.Fatalf("hall group (-want +got):\n%s", diff)
	}
	if ok, _ := f.chat.Relay(f.ctx, cb.id, pb.ClientMessage{Message: chatText("yo"), Room: pb.RoomRef{Name: "hall"}}); !ok {
		t.Fatalf("relay to renamed room failed")
	}
}

func TestDeleteDissolvesGroup(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)
	f.join(t, ca, f.alice, pb.RoomRef{Name: "lobby"})
	f.join(t, cb, f.bob, pb.RoomRef{Name: "lobby"})

	if res := f.moderate(t, cb, "delete", "lobby", 0); res.Kind != ledger.Unauthorized {
		t.Fatalf("member delete = %v", res.Kind)
	}
	if res := f.moderate(t, ca, "delete", "lobby", 0); !res.OK() {
		t.Fatalf("delete = %v", res.Kind)
	}
	if f.hub.MembersCount("lobby") != 0 {
		t.Fatalf("group survived room deletion")
	}
	var ev pb.EvictedEvent
	cb.last(t, protocol.EventEvicted, &ev)
	if ev.Reason != "deleted" {
		t.Fatalf("reason = %q", ev.Reason)
	}
	if room, _ := f.dir.FindByName(f.ctx, "lobby"); room != nil {
		t.Fatalf("room still exists: %+v", room)
	}
	if res := f.moderate(t, ca, "delete", "lobby", 0); res.Kind != ledger.RoomNotFound {
		t.Fatalf("second delete = %v", res.Kind)
	}
}

func TestModerateUnknownAction(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	_, err := f.chat.Moderate(f.ctx, ca.id, pb.ModerateRequest{Action: "smite", Room: pb.RoomRef{Name: "general"}})
	if !errors.Is(err, lifecycle.ErrUnknownAction) {
		t.Fatalf("Moderate: got %v, want ErrUnknownAction", err)
	}
}

func TestPrivateRoomJoin(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	cb := f.dial(t, f.bob)

	ok, err := f.chat.JoinRoom(f.ctx, ca.id, pb.JoinRoomRequest{With: &pb.UserRef{ID: f.bob.ID}})
	if err != nil || !ok {
		t.Fatalf("alice private join = %v, %v", ok, err)
	}
	ok, err = f.chat.JoinRoom(f.ctx, cb.id, pb.JoinRoomRequest{With: &pb.UserRef{ID: f.alice.ID}})
	if err != nil || !ok {
		t.Fatalf("bob private join = %v, %v", ok, err)
	}
	name := model.PrivateRoomName("alice", "bob")
	if diff := cmp.Diff([]string{ca.id, cb.id}, f.hub.Members(name)); diff != "" {
		t.Fatalf("private group (-want +got):\n%s", diff)
	}
	rooms, err := f.dir.ListPrivateFor(f.ctx, f.alice.ID)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("ListPrivateFor = %v, %v", rooms, err)
	}

	cc := f.dial(t, f.carol)
	if f.join(t, cc, f.carol, pb.RoomRef{Name: name}) {
		t.Fatalf("outsider joined a private room by name")
	}
	if f.join(t, cc, f.carol, pb.RoomRef{ID: rooms[0].ID}) {
		t.Fatalf("outsider joined a private room by id")
	}
	if !f.join(t, ca, f.alice, pb.RoomRef{Name: name}) {
		t.Fatalf("member could not rejoin a private room by name")
	}
	v, err := f.ledger.View(f.ctx, rooms[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Members.Has(f.carol.ID) {
		t.Fatalf("outsider added to private room members")
	}
}

func TestStoreFaultPropagates(t *testing.T) {
	f := newFixture(t)
	ca := f.dial(t, f.alice)
	f.store.FailWith(errors.New("disk gone"))
	defer f.store.FailWith(nil)

	if _, err := f.chat.JoinRoom(f.ctx, ca.id, pb.JoinRoomRequest{Room: pb.RoomRef{Name: "lobby"}}); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("JoinRoom err = %v, want ErrStoreUnavailable", err)
	}
	if _, err := f.chat.Relay(f.ctx, ca.id, pb.ClientMessage{Message: chatText("x"), Room: pb.RoomRef{ID: 1}}); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("Relay err = %v, want ErrStoreUnavailable", err)
	}
}
