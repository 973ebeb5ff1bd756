package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/roomgate/pkg/model"
)

var errTxDone = errors.New("datastore: transaction has already been committed or rolled back")

// MemoryFactory provides an in-memory DataProviderFactory for tests.
// It mirrors SQLite behavior for validation, unique names and error kinds.
// Transactions are serialized: a Tx works on a private copy of the state
// and publishes it on Commit.
type MemoryFactory struct {
	sem chan struct{} // held by a running Tx or a single NonTx call

	now func() time.Time

	faultMu sync.Mutex
	fault   error

	state *memoryState
}

type memoryState struct {
	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64

	users     map[int64]*model.User
	rooms     map[int64]*model.Room
	relations map[int64]*model.RoomView // sets only; Room is filled on read
	messages  []model.Message
}

// NewMemory creates a MemoryFactory using time.Now().UTC().
func NewMemory() *MemoryFactory {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryFactory with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryFactory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryFactory{
		sem: make(chan struct{}, 1),
		now: now,
		state: &memoryState{
			nextUserID:    1,
			nextRoomID:    1,
			nextMessageID: 1,
			users:         make(map[int64]*model.User),
			rooms:         make(map[int64]*model.Room),
			relations:     make(map[int64]*model.RoomView),
		},
	}
}

// FailWith makes every following operation fail with err wrapped as a store
// fault, until it is called again with nil.
func (f *MemoryFactory) FailWith(err error) {
	f.faultMu.Lock()
	defer f.faultMu.Unlock()
	f.fault = err
}

func (f *MemoryFactory) injected(op string) error {
	f.faultMu.Lock()
	defer f.faultMu.Unlock()
	if f.fault == nil {
		return nil
	}
	return model.StoreFault(op, f.fault)
}

func (f *MemoryFactory) acquire(ctx context.Context, op string) error {
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return model.StoreFault(op, ctx.Err())
	}
}

func (f *MemoryFactory) release() {
	<-f.sem
}

// Close is a no-op for MemoryFactory.
func (f *MemoryFactory) Close() error {
	return nil
}

func (f *MemoryFactory) NonTx() DataStore {
	return &memoryStore{f: f}
}

func (f *MemoryFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	if err := f.acquire(ctx, "datastore: begin"); err != nil {
		return nil, err
	}
	if err := f.injected("datastore: begin"); err != nil {
		f.release()
		return nil, err
	}
	return &memoryTx{memoryStore: memoryStore{f: f, tx: f.state.clone()}}, nil
}

func (st *memoryState) clone() *memoryState {
	out := &memoryState{
		nextUserID:    st.nextUserID,
		nextRoomID:    st.nextRoomID,
		nextMessageID: st.nextMessageID,
		users:         make(map[int64]*model.User, len(st.users)),
		rooms:         make(map[int64]*model.Room, len(st.rooms)),
		relations:     make(map[int64]*model.RoomView, len(st.relations)),
		messages:      append([]model.Message(nil), st.messages...),
	}
	for id, u := range st.users {
		copyUser := *u
		out.users[id] = &copyUser
	}
	for id, r := range st.rooms {
		copyRoom := *r
		out.rooms[id] = &copyRoom
	}
	for id, v := range st.relations {
		out.relations[id] = v.Clone()
	}
	return out
}

type memoryTx struct {
	memoryStore
	done bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.f.release()
	if err := t.f.injected("datastore: commit"); err != nil {
		return err
	}
	t.f.state = t.tx
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.f.release()
	return nil
}

// memoryStore runs operations either on the shared state (tx == nil, one
// call at a time) or on a transaction's private copy.
type memoryStore struct {
	f  *MemoryFactory
	tx *memoryState
}

func (s *memoryStore) run(ctx context.Context, op string, fn func(st *memoryState) error) error {
	if err := ctx.Err(); err != nil {
		return model.StoreFault(op, err)
	}
	if s.tx != nil {
		if err := s.f.injected(op); err != nil {
			return err
		}
		return fn(s.tx)
	}
	if err := s.f.acquire(ctx, op); err != nil {
		return err
	}
	defer s.f.release()
	if err := s.f.injected(op); err != nil {
		return err
	}
	return fn(s.f.state)
}

// ---- Users ----

func (s *memoryStore) CreateUser(ctx context.Context, username string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	var out *model.User
	err := s.run(ctx, "datastore: create user", func(st *memoryState) error {
		for _, u := range st.users {
			if u.Username == username {
				return fmt.Errorf("datastore: create user: %w: users.username", model.ErrAlreadyExists)
			}
		}
		u := &model.User{ID: st.nextUserID, Username: username, CreatedAt: s.f.now().UTC().Truncate(time.Second)}
		st.nextUserID++
		st.users[u.ID] = u
		copyUser := *u
		out = &copyUser
		return nil
	})
	return out, err
}

func (s *memoryStore) findUser(ctx context.Context, op string, match func(u *model.User) bool) (*model.User, error) {
	var out *model.User
	err := s.run(ctx, op, func(st *memoryState) error {
		for _, u := range st.users {
			if match(u) {
				copyUser := *u
				out = &copyUser
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *memoryStore) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.findUser(ctx, "datastore: get user", func(u *model.User) bool { return u.ID == id })
}

func (s *memoryStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.findUser(ctx, "datastore: get user", func(u *model.User) bool { return u.Username == username })
}

func (s *memoryStore) GetUserBySocket(ctx context.Context, ch model.Channel, socket string) (*model.User, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("datastore: get user by socket: %w", model.ErrInvalidChannel)
	}
	if socket == "" {
		return nil, nil
	}
	return s.findUser(ctx, "datastore: get user by socket", func(u *model.User) bool { return u.Socket(ch) == socket })
}

func (s *memoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.run(ctx, "datastore: list users", func(st *memoryState) error {
		for _, u := range st.users {
			users = append(users, *u)
		}
		return nil
	})
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, err
}

// ---- Sessions ----

func (s *memoryStore) SetSocket(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error) {
	if !ch.Valid() {
		return false, fmt.Errorf("datastore: set socket: %w", model.ErrInvalidChannel)
	}
	var found bool
	err := s.run(ctx, "datastore: set socket", func(st *memoryState) error {
		u, ok := st.users[userID]
		if !ok {
			return nil
		}
		u.SetSocket(ch, socket)
		found = true
		return nil
	})
	return found, err
}

func (s *memoryStore) ClearSocketIf(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error) {
	if !ch.Valid() {
		return false, fmt.Errorf("datastore: clear socket: %w", model.ErrInvalidChannel)
	}
	if socket == "" {
		return false, nil
	}
	var cleared bool
	err := s.run(ctx, "datastore: clear socket", func(st *memoryState) error {
		u, ok := st.users[userID]
		if !ok || u.Socket(ch) != socket {
			return nil
		}
		u.SetSocket(ch, "")
		cleared = true
		return nil
	})
	return cleared, err
}

// ---- Rooms ----

func (st *memoryState) roomByName(name string) *model.Room {
	for _, r := range st.rooms {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (s *memoryStore) CreateRoom(ctx context.Context, room *model.Room) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("datastore: create room: %w", err)
	}
	return s.run(ctx, "datastore: create room", func(st *memoryState) error {
		if st.roomByName(room.Name) != nil {
			return fmt.Errorf("datastore: create room: %w: rooms.name", model.ErrAlreadyExists)
		}
		id := room.ID
		if id == 0 {
			id = st.nextRoomID
		} else if _, taken := st.rooms[id]; taken {
			return fmt.Errorf("datastore: create room: %w: rooms.id", model.ErrAlreadyExists)
		}
		if id >= st.nextRoomID {
			st.nextRoomID = id + 1
		}
		room.ID = id
		room.CreatedAt = s.f.now().UTC().Truncate(time.Second)
		copyRoom := *room
		st.rooms[id] = &copyRoom
		st.relations[id] = model.NewRoomView(model.Room{})
		return nil
	})
}

func (s *memoryStore) findRoom(ctx context.Context, op string, find func(st *memoryState) *model.Room) (*model.Room, error) {
	var out *model.Room
	err := s.run(ctx, op, func(st *memoryState) error {
		if r := find(st); r != nil {
			copyRoom := *r
			out = &copyRoom
		}
		return nil
	})
	return out, err
}

func (s *memoryStore) GetRoom(ctx context.Context, id int64) (*model.Room, error) {
	return s.findRoom(ctx, "datastore: get room", func(st *memoryState) *model.Room { return st.rooms[id] })
}

func (s *memoryStore) GetRoomByName(ctx context.Context, name string) (*model.Room, error) {
	return s.findRoom(ctx, "datastore: get room by name", func(st *memoryState) *model.Room { return st.roomByName(name) })
}

func (s *memoryStore) filterRooms(ctx context.Context, op string, keep func(st *memoryState, r *model.Room) bool) ([]model.Room, error) {
	var rooms []model.Room
	err := s.run(ctx, op, func(st *memoryState) error {
		for _, r := range st.rooms {
			if keep(st, r) {
				rooms = append(rooms, *r)
			}
		}
		return nil
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, err
}

func (s *memoryStore) ListRooms(ctx context.Context) ([]model.Room, error) {
	return s.filterRooms(ctx, "datastore: list rooms", func(*memoryState, *model.Room) bool { return true })
}

func (s *memoryStore) ListPublicRooms(ctx context.Context) ([]model.Room, error) {
	return s.filterRooms(ctx, "datastore: list public rooms", func(_ *memoryState, r *model.Room) bool { return !r.Private })
}

func (s *memoryStore) ListPrivateRooms(ctx context.Context, userID int64) ([]model.Room, error) {
	return s.filterRooms(ctx, "datastore: list private rooms", func(st *memoryState, r *model.Room) bool {
		return r.Private && st.relations[r.ID].Members.Has(userID)
	})
}

func (s *memoryStore) RenameRoom(ctx context.Context, id int64, name string) error {
	if err := model.ValidateRoomName(name); err != nil {
		return fmt.Errorf("datastore: rename room: %w", err)
	}
	return s.run(ctx, "datastore: rename room", func(st *memoryState) error {
		r, ok := st.rooms[id]
		if !ok {
			return fmt.Errorf("datastore: rename room: %w", model.ErrRoomNotFound)
		}
		if other := st.roomByName(name); other != nil && other.ID != id {
			return fmt.Errorf("datastore: rename room: %w: rooms.name", model.ErrAlreadyExists)
		}
		r.Name = name
		return nil
	})
}

func (s *memoryStore) SetRoomOwner(ctx context.Context, id int64, ownerID int64) error {
	return s.run(ctx, "datastore: set room owner", func(st *memoryState) error {
		r, ok := st.rooms[id]
		if !ok {
			return fmt.Errorf("datastore: set room owner: %w", model.ErrRoomNotFound)
		}
		r.OwnerID = ownerID
		return nil
	})
}

func (s *memoryStore) DeleteRoom(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.run(ctx, "datastore: delete room", func(st *memoryState) error {
		if _, ok := st.rooms[id]; !ok {
			return nil
		}
		delete(st.rooms, id)
		delete(st.relations, id)
		kept := st.messages[:0]
		for _, m := range st.messages {
			if m.RoomID != id {
				kept = append(kept, m)
			}
		}
		st.messages = kept
		deleted = true
		return nil
	})
	return deleted, err
}

// ---- Relations ----

func (s *memoryStore) GetRoomView(ctx context.Context, id int64) (*model.RoomView, error) {
	var out *model.RoomView
	err := s.run(ctx, "datastore: get room view", func(st *memoryState) error {
		r, ok := st.rooms[id]
		if !ok {
			return nil
		}
		out = st.relations[id].Clone()
		out.Room = *r
		return nil
	})
	return out, err
}

func (s *memoryStore) AddRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error {
	op := "datastore: add " + rel.String()
	return s.run(ctx, op, func(st *memoryState) error {
		v, ok := st.relations[roomID]
		if !ok {
			return model.StoreFault(op, errors.New("FOREIGN KEY constraint failed"))
		}
		v.Set(rel).Add(userID)
		return nil
	})
}

func (s *memoryStore) RemoveRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error {
	return s.run(ctx, "datastore: remove "+rel.String(), func(st *memoryState) error {
		if v, ok := st.relations[roomID]; ok {
			v.Set(rel).Remove(userID)
		}
		return nil
	})
}

func (s *memoryStore) ClearRelations(ctx context.Context, roomID int64) error {
	return s.run(ctx, "datastore: clear relations", func(st *memoryState) error {
		if _, ok := st.relations[roomID]; ok {
			st.relations[roomID] = model.NewRoomView(model.Room{})
		}
		return nil
	})
}

// ---- Messages ----

func (s *memoryStore) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	op := "datastore: create message"
	return s.run(ctx, op, func(st *memoryState) error {
		if _, ok := st.rooms[message.RoomID]; !ok {
			return model.StoreFault(op, errors.New("FOREIGN KEY constraint failed"))
		}
		message.ID = st.nextMessageID
		message.CreatedAt = s.f.now().UTC().Truncate(time.Second)
		st.nextMessageID++
		st.messages = append(st.messages, *message)
		return nil
	})
}

func (s *memoryStore) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	limit, offset := int64(100), int64(0)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	if filters.Offset != nil {
		offset = *filters.Offset
	}
	var messages []model.Message
	err := s.run(ctx, "datastore: list messages", func(st *memoryState) error {
		var skipped int64
		for i := len(st.messages) - 1; i >= 0 && int64(len(messages)) < limit; i-- {
			m := st.messages[i]
			if filters.LimitToRoomID != nil && m.RoomID != *filters.LimitToRoomID {
				continue
			}
			if filters.LimitToSenderID != nil && m.SenderID != *filters.LimitToSenderID {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	return messages, err
}
