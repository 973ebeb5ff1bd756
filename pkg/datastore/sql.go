package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NicolasHaas/roomgate/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// DefaultBusyTimeout is how long a connection waits on a locked database
// before the call fails with model.ErrStoreTimeout.
const DefaultBusyTimeout = 5 * time.Second

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	if err := c.tx.Commit(); err != nil {
		return model.StoreFault("datastore: commit", err)
	}
	return nil
}

// ProviderFactory provides SQLite-backed stores.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

// Tx begins a write transaction. Connections are opened with
// _txlock=immediate so the write lock is taken up front and two
// read-then-write transactions cannot deadlock on upgrade.
func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault(ctx, "datastore: begin", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
// A zero busyTimeout uses DefaultBusyTimeout.
func NewProviderFactory(dbPath string, busyTimeout time.Duration) (*ProviderFactory, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	DB, err := sql.Open("sqlite", dsn(dbPath, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// dsn builds the connection string. Pragmas go in the DSN so that every
// pooled connection gets them, not only the first.
func dsn(dbPath string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return dbPath + "?" + q.Encode()
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		username    TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		chat_socket TEXT    NOT NULL DEFAULT '',
		game_socket TEXT    NOT NULL DEFAULT '',
		created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT    NOT NULL UNIQUE,
		owner_id      INTEGER REFERENCES users(id),
		password_hash TEXT    NOT NULL DEFAULT '',
		private       INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS room_relations (
		room_id  INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id  INTEGER NOT NULL REFERENCES users(id),
		relation TEXT    NOT NULL CHECK(relation IN ('member', 'admin', 'ban', 'mute')),
		PRIMARY KEY (room_id, user_id, relation)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id  INTEGER NOT NULL DEFAULT 0,
		channel    TEXT    NOT NULL DEFAULT 'chat',
		body       TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_room_relations_user ON room_relations(user_id, relation)",
				"CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// now returns the current time at the store's resolution.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// fault classifies a driver error into the model's store error kinds.
func fault(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStoreTimeout, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %w", op, model.ErrAlreadyExists, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %w", op, model.ErrStoreTimeout, err)
		}
	}
	return model.StoreFault(op, err)
}

func socketColumn(ch model.Channel) (string, error) {
	switch ch {
	case model.ChannelChat:
		return "chat_socket", nil
	case model.ChannelGame:
		return "game_socket", nil
	default:
		return "", model.ErrInvalidChannel
	}
}

type scanner interface {
	Scan(dest ...any) error
}

// ---- Users ----

const userColumns = "id, username, chat_socket, game_socket, created_at"

func scanUser(row scanner) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.ChatSocket, &u.GameSocket, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

func (s *baseProvider) getUser(ctx context.Context, op, where string, args ...any) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault(ctx, op, err)
	}
	return u, nil
}

// CreateUser creates a new user and returns it with the assigned ID.
func (s *baseProvider) CreateUser(ctx context.Context, username string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	createdAt := now()
	res, err := s.ExecContext(ctx, "INSERT INTO users (username, created_at) VALUES (?, ?)", username, formatDBTime(createdAt))
	if err != nil {
		return nil, fault(ctx, "datastore: create user", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:        id,
		Username:  username,
		CreatedAt: createdAt,
	}, nil
}

// GetUserByID retrieves a user by ID.
func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, "datastore: get user", "id = ?", id)
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, "datastore: get user", "username = ?", username)
}

// GetUserBySocket finds the user currently bound to socket on ch.
func (s *baseProvider) GetUserBySocket(ctx context.Context, ch model.Channel, socket string) (*model.User, error) {
	col, err := socketColumn(ch)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user by socket: %w", err)
	}
	if socket == "" {
		return nil, nil
	}
	return s.getUser(ctx, "datastore: get user by socket", col+" = ?", socket)
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fault(ctx, "datastore: list users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fault(ctx, "datastore: scan user", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(ctx, "datastore: list users", err)
	}
	return users, nil
}

// ---- Sessions ----

// SetSocket overwrites the socket of a user on ch.
func (s *baseProvider) SetSocket(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error) {
	col, err := socketColumn(ch)
	if err != nil {
		return false, fmt.Errorf("datastore: set socket: %w", err)
	}
	res, err := s.ExecContext(ctx, "UPDATE users SET "+col+" = ? WHERE id = ?", socket, userID)
	if err != nil {
		return false, fault(ctx, "datastore: set socket", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearSocketIf empties the socket of a user on ch if it still holds socket.
func (s *baseProvider) ClearSocketIf(ctx context.Context, ch model.Channel, userID int64, socket string) (bool, error) {
	col, err := socketColumn(ch)
	if err != nil {
		return false, fmt.Errorf("datastore: clear socket: %w", err)
	}
	if socket == "" {
		return false, nil
	}
	res, err := s.ExecContext(ctx, "UPDATE users SET "+col+" = '' WHERE id = ? AND "+col+" = ?", userID, socket)
	if err != nil {
		return false, fault(ctx, "datastore: clear socket", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- Rooms ----

const roomColumns = "id, name, owner_id, password_hash, private, created_at"

func scanRoom(row scanner) (*model.Room, error) {
	r := &model.Room{}
	var owner sql.NullInt64
	var private int
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &owner, &r.PasswordHash, &private, &createdAt); err != nil {
		return nil, err
	}
	r.OwnerID = owner.Int64
	r.Private = private != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parsed
	return r, nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *baseProvider) getRoom(ctx context.Context, op, where string, args ...any) (*model.Room, error) {
	r, err := scanRoom(s.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault(ctx, op, err)
	}
	return r, nil
}

func (s *baseProvider) listRooms(ctx context.Context, op, query string, args ...any) ([]model.Room, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault(ctx, op, err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []model.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fault(ctx, op, err)
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(ctx, op, err)
	}
	return rooms, nil
}

// CreateRoom inserts a room, allocating its ID unless one is set.
func (s *baseProvider) CreateRoom(ctx context.Context, room *model.Room) error {
	if err := room.Validate(); err != nil {
		return fmt.Errorf("datastore: create room: %w", err)
	}
	createdAt := now()
	var (
		res sql.Result
		err error
	)
	if room.ID != 0 {
		res, err = s.ExecContext(ctx,
			"INSERT INTO rooms (id, name, owner_id, password_hash, private, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			room.ID, room.Name, nullID(room.OwnerID), room.PasswordHash, boolInt(room.Private), formatDBTime(createdAt))
	} else {
		res, err = s.ExecContext(ctx,
			"INSERT INTO rooms (name, owner_id, password_hash, private, created_at) VALUES (?, ?, ?, ?, ?)",
			room.Name, nullID(room.OwnerID), room.PasswordHash, boolInt(room.Private), formatDBTime(createdAt))
	}
	if err != nil {
		return fault(ctx, "datastore: create room", err)
	}
	if room.ID == 0 {
		room.ID, _ = res.LastInsertId()
	}
	room.CreatedAt = createdAt
	return nil
}

// GetRoom retrieves a room by ID.
func (s *baseProvider) GetRoom(ctx context.Context, id int64) (*model.Room, error) {
	return s.getRoom(ctx, "datastore: get room", "id = ?", id)
}

// GetRoomByName retrieves a room by its unique name.
func (s *baseProvider) GetRoomByName(ctx context.Context, name string) (*model.Room, error) {
	return s.getRoom(ctx, "datastore: get room by name", "name = ?", name)
}

// ListRooms returns every room.
func (s *baseProvider) ListRooms(ctx context.Context) ([]model.Room, error) {
	return s.listRooms(ctx, "datastore: list rooms", "SELECT "+roomColumns+" FROM rooms ORDER BY id")
}

// ListPublicRooms returns rooms that are not private.
func (s *baseProvider) ListPublicRooms(ctx context.Context) ([]model.Room, error) {
	return s.listRooms(ctx, "datastore: list public rooms", "SELECT "+roomColumns+" FROM rooms WHERE private = 0 ORDER BY id")
}

// ListPrivateRooms returns the private rooms userID is a member of.
func (s *baseProvider) ListPrivateRooms(ctx context.Context, userID int64) ([]model.Room, error) {
	return s.listRooms(ctx, "datastore: list private rooms", `
		SELECT r.id, r.name, r.owner_id, r.password_hash, r.private, r.created_at
		FROM rooms r
		JOIN room_relations rr ON rr.room_id = r.id
		WHERE r.private = 1 AND rr.user_id = ? AND rr.relation = ?
		ORDER BY r.id`, userID, model.RelationMember.String())
}

// RenameRoom changes a room's name.
func (s *baseProvider) RenameRoom(ctx context.Context, id int64, name string) error {
	if err := model.ValidateRoomName(name); err != nil {
		return fmt.Errorf("datastore: rename room: %w", err)
	}
	res, err := s.ExecContext(ctx, "UPDATE rooms SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fault(ctx, "datastore: rename room", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: rename room: %w", model.ErrRoomNotFound)
	}
	return nil
}

// SetRoomOwner changes or detaches a room's owner.
func (s *baseProvider) SetRoomOwner(ctx context.Context, id int64, ownerID int64) error {
	res, err := s.ExecContext(ctx, "UPDATE rooms SET owner_id = ? WHERE id = ?", nullID(ownerID), id)
	if err != nil {
		return fault(ctx, "datastore: set room owner", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: set room owner: %w", model.ErrRoomNotFound)
	}
	return nil
}

// DeleteRoom deletes a room with its messages and relations.
func (s *baseProvider) DeleteRoom(ctx context.Context, id int64) (bool, error) {
	for _, stmt := range []string{
		"DELETE FROM messages WHERE room_id = ?",
		"DELETE FROM room_relations WHERE room_id = ?",
	} {
		if _, err := s.ExecContext(ctx, stmt, id); err != nil {
			return false, fault(ctx, "datastore: delete room", err)
		}
	}
	res, err := s.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		return false, fault(ctx, "datastore: delete room", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- Relations ----

// GetRoomView loads a room and its membership sets.
func (s *baseProvider) GetRoomView(ctx context.Context, id int64) (*model.RoomView, error) {
	room, err := s.GetRoom(ctx, id)
	if err != nil || room == nil {
		return nil, err
	}
	v := model.NewRoomView(*room)

	rows, err := s.QueryContext(ctx, "SELECT user_id, relation FROM room_relations WHERE room_id = ?", id)
	if err != nil {
		return nil, fault(ctx, "datastore: get room view", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var uid int64
		var name string
		if err := rows.Scan(&uid, &name); err != nil {
			return nil, fault(ctx, "datastore: scan relation", err)
		}
		rel, err := model.ParseRelation(name)
		if err != nil {
			return nil, fault(ctx, "datastore: scan relation", err)
		}
		v.Set(rel).Add(uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(ctx, "datastore: get room view", err)
	}
	return v, nil
}

// AddRelation puts userID in one of the room's sets. Adding twice is a no-op.
func (s *baseProvider) AddRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO room_relations (room_id, user_id, relation) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		roomID, userID, rel.String())
	if err != nil {
		return fault(ctx, "datastore: add "+rel.String(), err)
	}
	return nil
}

// RemoveRelation takes userID out of one of the room's sets.
func (s *baseProvider) RemoveRelation(ctx context.Context, roomID, userID int64, rel model.Relation) error {
	_, err := s.ExecContext(ctx,
		"DELETE FROM room_relations WHERE room_id = ? AND user_id = ? AND relation = ?",
		roomID, userID, rel.String())
	if err != nil {
		return fault(ctx, "datastore: remove "+rel.String(), err)
	}
	return nil
}

// ClearRelations empties all four sets of a room.
func (s *baseProvider) ClearRelations(ctx context.Context, roomID int64) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM room_relations WHERE room_id = ?", roomID); err != nil {
		return fault(ctx, "datastore: clear relations", err)
	}
	return nil
}

// ---- Messages ----

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	createdAt := now()
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (room_id, sender_id, channel, body, created_at) VALUES (?, ?, ?, ?, ?)",
		message.RoomID, message.SenderID, message.Channel.String(), message.Body, formatDBTime(createdAt))
	if err != nil {
		return fault(ctx, "datastore: create message", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = createdAt

	return nil
}

func (s *baseProvider) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT id, room_id, sender_id, channel, body, created_at
		FROM messages
		WHERE (? IS NULL OR room_id = ?)
		AND (? IS NULL OR sender_id = ?)
		ORDER BY id DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`

	rows, err := s.QueryContext(
		ctx,
		query,
		filters.LimitToRoomID, filters.LimitToRoomID,
		filters.LimitToSenderID, filters.LimitToSenderID,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fault(ctx, "datastore: list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var channel, createdAt string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &channel, &m.Body, &createdAt); err != nil {
			return nil, fault(ctx, "datastore: scan message", err)
		}
		if m.Channel, err = model.ParseChannel(strings.TrimSpace(channel)); err != nil {
			return nil, fault(ctx, "datastore: scan message", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fault(ctx, "datastore: scan message", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault(ctx, "datastore: list messages", err)
	}
	return messages, nil
}
