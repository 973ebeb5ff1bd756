// Package transport keeps the live connections of one channel and the named
// groups they belong to, and fans frames out to those groups.
package transport

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrUnknownConn = errors.New("transport: unknown connection")

// Conn is a live, write-only view of a client connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Hub tracks connections and group membership. Group names are room names.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	groups   map[string]map[string]bool // group -> set of conn IDs
	memberOf map[string]map[string]bool // conn ID -> set of groups
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]Conn),
		groups:   make(map[string]map[string]bool),
		memberOf: make(map[string]map[string]bool),
	}
}

// Register adds a connection. Registering an ID twice replaces the Conn.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Unregister drops a connection from the hub and every group, and returns
// the groups it was in.
func (h *Hub) Unregister(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(id)
}

func (h *Hub) unregisterLocked(id string) []string {
	delete(h.conns, id)
	var left []string
	for group := range h.memberOf[id] {
		h.removeLocked(id, group)
		left = append(left, group)
	}
	delete(h.memberOf, id)
	sort.Strings(left)
	return left
}

// Close unregisters and closes a connection.
func (h *Hub) Close(id string) error {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.unregisterLocked(id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Get returns a registered connection.
func (h *Hub) Get(id string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Join adds a connection to a group. It reports false for unknown connections.
func (h *Hub) Join(id, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return false
	}
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][id] = true
	if _, ok := h.memberOf[id]; !ok {
		h.memberOf[id] = make(map[string]bool)
	}
	h.memberOf[id][group] = true
	return true
}

// Leave removes a connection from a group and reports whether it was in it.
func (h *Hub) Leave(id, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.groups[group][id] {
		return false
	}
	h.removeLocked(id, group)
	return true
}

func (h *Hub) removeLocked(id, group string) {
	if sessions, ok := h.groups[group]; ok {
		delete(sessions, id)
		if len(sessions) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.memberOf[id]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(h.memberOf, id)
		}
	}
}

// Rename moves every member of group oldName to newName.
func (h *Hub) Rename(oldName, newName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[oldName]
	if !ok || oldName == newName {
		return
	}
	delete(h.groups, oldName)
	if _, ok := h.groups[newName]; !ok {
		h.groups[newName] = make(map[string]bool)
	}
	for id := range members {
		h.groups[newName][id] = true
		delete(h.memberOf[id], oldName)
		h.memberOf[id][newName] = true
	}
}

// Dissolve empties a group and returns the connections that were in it.
func (h *Hub) Dissolve(group string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h.removeLocked(id, group)
	}
	sort.Strings(ids)
	return ids
}

// Members returns the connection IDs in a group, sorted.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// GroupsOf returns the groups a connection is in, sorted.
func (h *Hub) GroupsOf(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]string, 0, len(h.memberOf[id]))
	for g := range h.memberOf[id] {
		result = append(result, g)
	}
	sort.Strings(result)
	return result
}

// MembersCount returns how many connections are in a group.
func (h *Hub) MembersCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send writes a frame to one connection.
func (h *Hub) Send(id string, frame []byte) error {
	c, ok := h.Get(id)
	if !ok {
		return ErrUnknownConn
	}
	return c.Send(frame)
}

// Emit sends a frame to every connection in a group and returns how many
// accepted it. Slow or closed connections are skipped.
func (h *Hub) Emit(group string, frame []byte) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			slog.Warn("group send failed", "group", group, "conn_id", c.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}
