// Package presence derives per-user online state from the connection registry.
//
// A user is online while at least one bound connection exists. Transitions are
// level-triggered: only the first bind and the last unregister produce a
// Change. Persisting the transition is queued and applied in order by Run, so
// the tracker never waits on storage while holding its lock.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"
)

type Registry interface {
	BindUser(connID, userID string) (bool, error)
	Unregister(connID string) (string, bool)
	UserOf(connID string) string
	IsOnline(userID string) bool
}

type Rooms interface {
	MembersOf(roomID string) []string
}

// Store persists the presence projection. The legacy mirror implements the same shape.
type Store interface {
	UpsertUser(ctx context.Context, p models.UserPresence) error
}

// Change is an online/offline transition for one user. Rooms lists where an
// offline transition must be announced.
type Change struct {
	UserID   string
	Online   bool
	LastSeen time.Time
	Rooms    []string
}

func (c Change) Event() models.PresenceUpdate {
	return models.PresenceUpdate{
		Type:     models.MessageTypePresenceUpdate,
		UserID:   c.UserID,
		IsOnline: c.Online,
		LastSeen: c.LastSeen.UnixMilli(),
	}
}

type Tracker struct {
	mu        sync.Mutex
	registry  Registry
	rooms     Rooms
	announced map[string]map[string]struct{}

	primary Store
	mirror  Store
	timeout time.Duration
	now     func() time.Time

	qmu     sync.Mutex
	queue   []models.UserPresence
	wake    chan struct{}
	drained chan struct{}
}

// NewTracker builds a tracker. mirror may be nil.
func NewTracker(reg Registry, rooms Rooms, primary, mirror Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tracker{
		registry:  reg,
		rooms:     rooms,
		announced: make(map[string]map[string]struct{}),
		primary:   primary,
		mirror:    mirror,
		timeout:   timeout,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		drained:   make(chan struct{}),
	}
}

// Bind attaches userID to connID. It returns a Change only when this is the
// user's first live connection.
func (t *Tracker) Bind(connID, userID string) (*Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, err := t.registry.BindUser(connID, userID)
	if err != nil || !first {
		return nil, err
	}

	now := t.now()
	t.announced[userID] = make(map[string]struct{})
	t.enqueue(models.UserPresence{UserID: userID, IsOnline: true, LastSeen: now})
	logger.Info("User online", "user", userID, "conn", connID)
	return &Change{UserID: userID, Online: true, LastSeen: now}, nil
}

// Announce records that roomID now knows userID is online. It reports true
// the first time a room learns about the user during the current online span.
func (t *Tracker) Announce(userID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms, online := t.announced[userID]
	if !online {
		return false
	}
	if _, seen := rooms[roomID]; seen {
		return false
	}
	rooms[roomID] = struct{}{}
	return true
}

// Disconnect unregisters connID. A Change is returned only when it was the
// user's last connection; removal and the remaining-connections check happen
// under the registry's lock.
func (t *Tracker) Disconnect(connID string) *Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, last := t.registry.Unregister(connID)
	if userID == "" || !last {
		return nil
	}

	rooms := make([]string, 0, len(t.announced[userID]))
	for room := range t.announced[userID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	delete(t.announced, userID)

	now := t.now()
	t.enqueue(models.UserPresence{UserID: userID, IsOnline: false, LastSeen: now})
	logger.Info("User offline", "user", userID, "conn", connID)
	return &Change{UserID: userID, Online: false, LastSeen: now, Rooms: rooms}
}

// Snapshot reports the presence of every other user in roomID, for a joiner
// that must not wait for the next transition to learn who is here.
func (t *Tracker) Snapshot(roomID, joinerConn string) []models.PresenceUpdate {
	joiner := t.registry.UserOf(joinerConn)
	seen := make(map[string]bool)
	var updates []models.PresenceUpdate

	for _, connID := range t.rooms.MembersOf(roomID) {
		if connID == joinerConn {
			continue
		}
		userID := t.registry.UserOf(connID)
		if userID == "" || userID == joiner || seen[userID] {
			continue
		}
		seen[userID] = true
		updates = append(updates, models.PresenceUpdate{
			Type:     models.MessageTypePresenceUpdate,
			UserID:   userID,
			IsOnline: t.registry.IsOnline(userID),
		})
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].UserID < updates[j].UserID })
	return updates
}

func (t *Tracker) IsOnline(userID string) bool {
	return t.registry.IsOnline(userID)
}

func (t *Tracker) enqueue(p models.UserPresence) {
	t.qmu.Lock()
	t.queue = append(t.queue, p)
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run applies queued presence writes in order until ctx is cancelled, then
// flushes what is left and returns.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.drained)
	for {
		select {
		case <-ctx.Done():
			t.flush()
			return
		case <-t.wake:
			t.flush()
		}
	}
}

// Drained is closed once Run has returned.
func (t *Tracker) Drained() <-chan struct{} {
	return t.drained
}

func (t *Tracker) flush() {
	for {
		t.qmu.Lock()
		batch := t.queue
		t.queue = nil
		t.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			t.persist(p)
		}
	}
}

func (t *Tracker) persist(p models.UserPresence) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if t.primary != nil {
		if err := t.primary.UpsertUser(ctx, p); err != nil {
			logger.Error("Error persisting presence", "user", p.UserID, "online", p.IsOnline, "error", err)
		}
	}
	if t.mirror != nil {
		if err := t.mirror.UpsertUser(ctx, p); err != nil {
			logger.Warn("Legacy presence mirror failed", "user", p.UserID, "error", err)
		}
	}
}
