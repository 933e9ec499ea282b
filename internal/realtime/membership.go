package realtime

import (
	"sort"
	"sync"
)

// Membership tracks which connections are subscribed to which rooms. Rooms
// exist only as index keys; a room is dropped as soon as its last member
// leaves. The index holds connection IDs only, never connection lifecycle.
type Membership struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	// byConn mirrors rooms for O(rooms-of-conn) disconnect cleanup.
	byConn map[string]map[string]struct{}
}

// NewMembership creates an empty room membership index.
func NewMembership() *Membership {
	return &Membership{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a connection to a room. Joining twice has no additional
// effect.
func (m *Membership) Join(roomKey string, connID string) {
	if roomKey == "" || connID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomKey]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomKey] = members
	}
	members[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[roomKey] = struct{}{}
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in has no effect.
func (m *Membership) Leave(roomKey string, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(roomKey, connID)
}

// IsMember reports whether a connection is currently subscribed to a room.
func (m *Membership) IsMember(roomKey string, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomKey][connID]
	return ok
}

// MembersOf returns a stable snapshot of the room's connection IDs. Fan-out
// iterates the snapshot, so concurrent joins and leaves never race the
// iteration.
func (m *Membership) MembersOf(roomKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.rooms[roomKey]
	snapshot := make([]string, 0, len(members))
	for connID := range members {
		snapshot = append(snapshot, connID)
	}
	sort.Strings(snapshot)
	return snapshot
}

// OnConnectionClosed removes the connection from every room it belongs to.
// The transport layer must call this on disconnect; it is the only path that
// guarantees no orphaned membership after a hard disconnect.
func (m *Membership) OnConnectionClosed(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for roomKey := range m.byConn[connID] {
		m.removeLocked(roomKey, connID)
	}
}

func (m *Membership) removeLocked(roomKey string, connID string) {
	if members, ok := m.rooms[roomKey]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, roomKey)
		}
	}
	if joined, ok := m.byConn[connID]; ok {
		delete(joined, roomKey)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
}
