// Package registry tracks live connections and the user each one is bound to.
//
// The per-user connection set is the only source of truth for whether a user
// is online. BindUser and Unregister report the first/last transitions from
// inside the same critical section that mutates the set, so two concurrent
// disconnects can never both (or neither) observe the final close.
package registry

import (
	"fmt"
	"sync"

	"chat-relay/internal/models"

	"github.com/google/uuid"
)

// Sink receives encoded frames for one connection. Send must not block.
type Sink interface {
	Send(payload []byte) bool
}

type connection struct {
	id     string
	userID string
	sink   Sink
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]map[string]struct{}
	newID  func() string
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		byUser: make(map[string]map[string]struct{}),
		newID:  uuid.NewString,
	}
}

// Register adds an unbound connection and returns its id.
func (r *Registry) Register(sink Sink) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.conns[id] != nil {
		id = r.newID()
	}
	r.conns[id] = &connection{id: id, sink: sink}
	return id
}

// BindUser associates userID with the connection. first reports whether this
// made the connection the user's only live one.
func (r *Registry) BindUser(connID, userID string) (first bool, err error) {
	if userID == "" {
		return false, fmt.Errorf("%w: userId is required", models.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return false, fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}
	switch conn.userID {
	case userID:
		return false, nil
	case "":
	default:
		return false, fmt.Errorf("connection %s bound to %s: %w", connID, conn.userID, models.ErrAlreadyBound)
	}

	conn.userID = userID
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

// Unregister removes the connection. It is a no-op for unknown ids. last
// reports whether the removed connection was the user's final one.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	if conn.userID == "" {
		return "", false
	}

	set := r.byUser[conn.userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, conn.userID)
		return conn.userID, true
	}
	return conn.userID, false
}

// ConnectionsForUser returns a point-in-time copy of the user's connection ids.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserOf returns the user bound to connID, or "" when unbound or unknown.
func (r *Registry) UserOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.conns[connID]; ok {
		return conn.userID
	}
	return ""
}

func (r *Registry) Exists(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Send hands payload to the connection's sink. It reports false when the
// connection is unknown or its sink refused the frame.
func (r *Registry) Send(connID string, payload []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok || conn.sink == nil {
		return false
	}
	return conn.sink.Send(payload)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
