package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/directory"
	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/model"
)

// RoomYAML represents a room in YAML config. Password is plain text on
// import and never written on export.
type RoomYAML struct {
	Name     string   `yaml:"name"`
	Owner    string   `yaml:"owner,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Private  bool     `yaml:"private,omitempty"`
	Locked   bool     `yaml:"locked,omitempty"`
	Admins   []string `yaml:"admins,omitempty"`
	Members  []string `yaml:"members,omitempty"`
}

// RoomsConfig is the top-level YAML config for rooms.
type RoomsConfig struct {
	Rooms []RoomYAML `yaml:"rooms"`
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadRoomsFromYAML reads a rooms YAML file and creates the rooms it lists.
func LoadRoomsFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory, dir *directory.Directory, led *ledger.Ledger) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read rooms config: %w", err)
	}
	return ImportRoomsFromYAML(ctx, data, st, dir, led)
}

// ImportRoomsFromYAML parses YAML data and makes sure every listed room
// exists with the listed members and admins. Existing rooms keep their
// owner and password. Unknown usernames are skipped.
func ImportRoomsFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory, dir *directory.Directory, led *ledger.Ledger) error {
	var cfg RoomsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse rooms config: %w", err)
	}

	imported := 0
	for _, r := range cfg.Rooms {
		if err := ensureRoom(ctx, st, dir, led, r); err != nil {
			if isFatal(err) {
				return err
			}
			slog.Error("failed to create room from config", "name", r.Name, "err", err)
			continue
		}
		imported++
	}

	slog.Info("imported rooms from YAML", "count", imported)
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrStoreTimeout)
}

func ensureRoom(ctx context.Context, st datastore.DataProviderFactory, dir *directory.Directory, led *ledger.Ledger, r RoomYAML) error {
	users := st.NonTx()
	if r.Private {
		return ensurePrivateRoom(ctx, users, dir, r)
	}
	var ownerID int64
	if r.Owner != "" {
		owner, err := users.GetUserByUsername(ctx, r.Owner)
		if err != nil {
			return err
		}
		if owner == nil {
			return fmt.Errorf("owner %q: %w", r.Owner, model.ErrUserNotFound)
		}
		ownerID = owner.ID
	}

	room, err := dir.FindOrCreate(ctx, model.RoomSpec{Name: r.Name, Password: r.Password, OwnerID: ownerID, Private: r.Private})
	if err != nil {
		return err
	}

	for _, name := range append(append([]string(nil), r.Members...), r.Admins...) {
		u, err := users.GetUserByUsername(ctx, name)
		if err != nil {
			return err
		}
		if u == nil {
			slog.Warn("room config names unknown user", "room", r.Name, "username", name)
			continue
		}
		res, err := led.AddMember(ctx, room.ID, u.ID, r.Password)
		if err != nil {
			return err
		}
		if !res.OK() {
			slog.Warn("room config member refused", "room", r.Name, "username", name, "reason", res.Kind)
		}
	}
	for _, name := range r.Admins {
		u, err := users.GetUserByUsername(ctx, name)
		if err != nil || u == nil {
			continue
		}
		res, err := led.AddAdmin(ctx, room.ID, room.OwnerID, u.ID)
		if err != nil {
			return err
		}
		if !res.OK() {
			slog.Warn("room config admin refused", "room", r.Name, "username", name, "reason", res.Kind)
		}
	}
	return nil
}

// ensurePrivateRoom recreates a private room from its two members; its
// name is derived from them.
func ensurePrivateRoom(ctx context.Context, users datastore.DataStore, dir *directory.Directory, r RoomYAML) error {
	if len(r.Members) != 2 {
		return fmt.Errorf("private room %q needs exactly two members, has %d", r.Name, len(r.Members))
	}
	var pair [2]model.User
	for i, name := range r.Members {
		u, err := users.GetUserByUsername(ctx, name)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("private room member %q: %w", name, model.ErrUserNotFound)
		}
		pair[i] = *u
	}
	_, err := dir.GetOrCreatePrivateRoom(ctx, pair[0], pair[1])
	return err
}

// ExportRoomsYAML exports all rooms with their owners, admins and members.
func ExportRoomsYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	s := st.NonTx()
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	usernames := func(ids model.IDSet) []string {
		var out []string
		for _, id := range ids.Sorted() {
			if n, ok := names[id]; ok {
				out = append(out, n)
			}
		}
		return out
	}

	cfg := RoomsConfig{}
	for _, r := range rooms {
		v, err := s.GetRoomView(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		cfg.Rooms = append(cfg.Rooms, RoomYAML{
			Name:    r.Name,
			Owner:   names[r.OwnerID],
			Private: r.Private,
			Locked:  r.HasPassword(),
			Admins:  usernames(v.Admins),
			Members: usernames(v.Members),
		})
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}
