// Package rooms maps rooms to the connections currently joined to them.
// A connection is in at most one room; joining another room moves it.
package rooms

import (
	"encoding/json"
	"fmt"
	"sync"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"
)

// Connections is the slice of the connection registry that membership needs.
type Connections interface {
	Exists(connID string) bool
	Send(connID string, payload []byte) bool
}

type Membership struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]struct{}
	byConn      map[string]string
	conns       Connections
	defaultRoom string
}

func New(conns Connections, defaultRoom string) *Membership {
	if defaultRoom == "" {
		defaultRoom = "general"
	}
	return &Membership{
		rooms:       make(map[string]map[string]struct{}),
		byConn:      make(map[string]string),
		conns:       conns,
		defaultRoom: defaultRoom,
	}
}

func (m *Membership) DefaultRoom() string {
	return m.defaultRoom
}

// Join moves connID into roomID, leaving its previous room first. It returns
// the room the connection was in before, if any.
func (m *Membership) Join(connID, roomID string) (previous string, err error) {
	if roomID == "" {
		roomID = m.defaultRoom
	}
	if !m.conns.Exists(connID) {
		return "", fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous = m.byConn[connID]
	if previous == roomID {
		return previous, nil
	}
	if previous != "" {
		m.removeLocked(connID, previous)
	}

	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	m.byConn[connID] = roomID
	return previous, nil
}

// Leave removes connID from its room and returns that room, or "" if it was in none.
func (m *Membership) Leave(connID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.byConn[connID]
	if !ok {
		return ""
	}
	m.removeLocked(connID, roomID)
	return roomID
}

func (m *Membership) removeLocked(connID, roomID string) {
	delete(m.byConn, connID)
	if members, ok := m.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// MembersOf returns a snapshot of the connections joined to roomID.
func (m *Membership) MembersOf(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[roomID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (m *Membership) RoomOf(connID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[connID]
}

// Rooms returns the member count of every non-empty room.
func (m *Membership) Rooms() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.rooms))
	for id, members := range m.rooms {
		counts[id] = len(members)
	}
	return counts
}

// Broadcast encodes event once and delivers it to every member of roomID
// except exclude. It returns the number of connections that accepted it.
func (m *Membership) Broadcast(roomID string, event any, exclude string) int {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Error marshaling broadcast", "room", roomID, "error", err)
		return 0
	}

	delivered := 0
	for _, connID := range m.MembersOf(roomID) {
		if connID == exclude {
			continue
		}
		if m.conns.Send(connID, data) {
			delivered++
			continue
		}
		logger.Warn("Dropped broadcast frame", "room", roomID, "conn", connID)
	}
	return delivered
}

// SendTo delivers event to a single connection.
func (m *Membership) SendTo(connID string, event any) bool {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Error marshaling reply", "conn", connID, "error", err)
		return false
	}
	return m.conns.Send(connID, data)
}
