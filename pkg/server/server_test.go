package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	pb "github.com/NicolasHaas/roomgate/pkg/protocol/pb"
)

type testServer struct {
	srv   *Server
	store *datastore.MemoryFactory
	http  *httptest.Server
	users map[string]*model.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := datastore.NewMemory()
	cfg := DefaultConfig()
	srv := New(cfg, Dependencies{Store: st})
	if err := srv.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ts := &testServer{srv: srv, store: st, users: map[string]*model.User{}}
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := st.NonTx().CreateUser(context.Background(), name)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		ts.users[name] = u
	}
	ts.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.http.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, channel string, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/" + channel + "?userId=" + itoa(userID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// ready waits until the server has bound the connection.
func ready(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, protocol.EventPing, 99, nil)
	expect(t, ws, protocol.EventPong, nil)
}

func send(t *testing.T, ws *websocket.Conn, event string, ack uint64, payload any) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, ack, payload)); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until one carries event and decodes its data into v.
func expect(t *testing.T, ws *websocket.Conn, event string, v any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Event != event {
			continue
		}
		if v != nil {
			if err := env.Bind(v); err != nil {
				t.Fatalf("bind %s: %v", event, err)
			}
		}
		return
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestWebsocketRejectsUnknownUser(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t, "chat", 999)

	var resp pb.ErrorResponse
	expect(t, ws, protocol.EventError, &resp)
	if resp.Code != "user_not_found" {
		t.Fatalf("code = %q", resp.Code)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
	if got := ts.srv.Metrics().RejectedConnects.Load(); got != 1 {
		t.Fatalf("RejectedConnects = %d", got)
	}
}

func TestWebsocketRequiresUserID(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("Dial without userId succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %v", resp)
	}
}

func TestChatRelayOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "chat", ts.users["alice"].ID)
	bob := ts.dial(t, "chat", ts.users["bob"].ID)
	ready(t, alice)
	ready(t, bob)

	send(t, alice, protocol.EventMessage, 0, &pb.ClientMessage{
		Message: json.RawMessage(`"hello bob"`),
		Room:    pb.RoomRef{ID: model.GeneralRoomID, Name: model.GeneralRoomName},
		User:    pb.UserRef{ID: ts.users["alice"].ID},
	})

	var msg pb.ServerMessage
	expect(t, bob, protocol.EventBroadcast, &msg)
	want := pb.ServerMessage{
		User:    pb.UserRef{ID: ts.users["alice"].ID, Username: "alice"},
		Message: json.RawMessage(`"hello bob"`),
		Room:    pb.RoomRef{ID: model.GeneralRoomID, Name: model.GeneralRoomName},
	}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Fatalf("broadcast (-want +got):\n%s", diff)
	}
}

func TestGameJoinAndBanOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	aliceID, bobID := ts.users["alice"].ID, ts.users["bob"].ID
	alice := ts.dial(t, "game", aliceID)
	bob := ts.dial(t, "game", bobID)
	ready(t, alice)
	ready(t, bob)

	var ack pb.AckResponse
	send(t, alice, protocol.EventJoinRoom, 1, &pb.JoinRoomRequest{User: pb.UserRef{ID: aliceID}, Room: pb.RoomRef{Name: "arena"}})
	expect(t, alice, protocol.EventAck, &ack)
	if !ack.OK {
		t.Fatalf("alice join: %+v", ack)
	}
	send(t, bob, protocol.EventJoinRoom, 2, &pb.JoinRoomRequest{User: pb.UserRef{ID: bobID}, Room: pb.RoomRef{Name: "arena"}})
	expect(t, bob, protocol.EventAck, &ack)
	if !ack.OK {
		t.Fatalf("bob join: %+v", ack)
	}

	send(t, alice, protocol.EventModerate, 3, &pb.ModerateRequest{Action: "ban", Room: pb.RoomRef{Name: "arena"}, Target: bobID})
	expect(t, alice, protocol.EventAck, &ack)
	if !ack.OK {
		t.Fatalf("ban: %+v", ack)
	}
	var ev pb.EvictedEvent
	expect(t, bob, protocol.EventEvicted, &ev)
	if ev.Reason != "banned" || ev.Room.Name != "arena" {
		t.Fatalf("evicted = %+v", ev)
	}

	send(t, bob, protocol.EventJoinRoom, 4, &pb.JoinRoomRequest{Room: pb.RoomRef{Name: "arena"}})
	expect(t, bob, protocol.EventAck, &ack)
	if ack.OK {
		t.Fatalf("banned user rejoined")
	}
}

func TestRoomListings(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice, bob := *ts.users["alice"], *ts.users["bob"]
	if _, err := ts.srv.Directory().GetOrCreatePrivateRoom(ctx, alice, bob); err != nil {
		t.Fatalf("GetOrCreatePrivateRoom: %v", err)
	}
	if _, err := ts.srv.Directory().FindOrCreate(ctx, model.RoomSpec{Name: "vault", Password: "pw", OwnerID: alice.ID}); err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	var public []pb.RoomInfo
	getJSON(t, ts.http.URL+"/rooms", &public)
	var names []string
	for _, r := range public {
		names = append(names, r.Name)
		if r.Name == "vault" && !r.Locked {
			t.Fatalf("vault not reported as locked")
		}
	}
	if diff := cmp.Diff([]string{"general", "vault"}, names); diff != "" {
		t.Fatalf("public rooms (-want +got):\n%s", diff)
	}

	var private []pb.RoomInfo
	getJSON(t, ts.http.URL+"/users/"+itoa(bob.ID)+"/rooms", &private)
	if len(private) != 1 || private[0].Name != model.PrivateRoomName("alice", "bob") || !private[0].Private {
		t.Fatalf("private rooms = %+v", private)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func TestImportExportRoomsYAML(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	data := []byte(`
rooms:
  - name: staff
    owner: alice
    password: hunter2
    admins: [carol]
    members: [bob, nobody]
  - name: open
  - name: dm
    private: true
    members: [alice, bob]
  - name: broken
    owner: ghost
`)
	if err := ImportRoomsFromYAML(ctx, data, ts.store, ts.srv.Directory(), ts.srv.Ledger()); err != nil {
		t.Fatalf("ImportRoomsFromYAML: %v", err)
	}

	staff, err := ts.srv.Directory().FindByName(ctx, "staff")
	if err != nil || staff == nil {
		t.Fatalf("staff room: %v, %v", staff, err)
	}
	v, err := ts.srv.Ledger().View(ctx, staff.ID)
	if err != nil {
		t.Fatal(err)
	}
	alice, bob, carol := ts.users["alice"].ID, ts.users["bob"].ID, ts.users["carol"].ID
	if diff := cmp.Diff([]int64{alice, bob, carol}, v.Members.Sorted()); diff != "" {
		t.Fatalf("members (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{carol}, v.Admins.Sorted()); diff != "" {
		t.Fatalf("admins (-want +got):\n%s", diff)
	}
	if room, _ := ts.srv.Directory().FindByName(ctx, "broken"); room != nil {
		t.Fatalf("room with unknown owner was created")
	}

	out, err := ExportRoomsYAML(ctx, ts.store)
	if err != nil {
		t.Fatalf("ExportRoomsYAML: %v", err)
	}
	var cfg RoomsConfig
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	byName := map[string]RoomYAML{}
	for _, r := range cfg.Rooms {
		byName[r.Name] = r
	}
	want := RoomYAML{Name: "staff", Owner: "alice", Locked: true, Admins: []string{"carol"}, Members: []string{"alice", "bob", "carol"}}
	if diff := cmp.Diff(want, byName["staff"]); diff != "" {
		t.Fatalf("exported staff (-want +got):\n%s", diff)
	}
	dm := byName[model.PrivateRoomName("alice", "bob")]
	if !dm.Private || len(dm.Members) != 2 {
		t.Fatalf("exported private room = %+v", dm)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Fatalf("export leaked a password")
	}

	users, err := ExportUsersYAML(ctx, ts.store)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	if !strings.Contains(string(users), "username: carol") {
		t.Fatalf("users export missing carol:\n%s", users)
	}
}
