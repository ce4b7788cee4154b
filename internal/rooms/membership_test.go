package rooms

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"chat-relay/internal/models"
	"chat-relay/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	frames []string
	full   bool
}

func (s *sink) Send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, string(payload))
	return true
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func setup(t *testing.T, n int) (*registry.Registry, *Membership, []string, []*sink) {
	t.Helper()
	reg := registry.New()
	m := New(reg, "general")
	ids := make([]string, n)
	sinks := make([]*sink, n)
	for i := range ids {
		sinks[i] = &sink{}
		ids[i] = reg.Register(sinks[i])
	}
	return reg, m, ids, sinks
}

func TestJoinDefaultsRoom(t *testing.T) {
	_, m, ids, _ := setup(t, 1)

	prev, err := m.Join(ids[0], "")
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.Equal(t, "general", m.RoomOf(ids[0]))
	assert.Equal(t, []string{ids[0]}, m.MembersOf("general"))
}

func TestJoinUnknownConnection(t *testing.T) {
	_, m, _, _ := setup(t, 0)

	_, err := m.Join("ghost", "r1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Empty(t, m.Rooms())
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	_, m, ids, _ := setup(t, 2)
	c := ids[0]

	_, err := m.Join(c, "r1")
	require.NoError(t, err)
	_, err = m.Join(ids[1], "r1")
	require.NoError(t, err)

	prev, err := m.Join(c, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r1", prev)

	assert.Equal(t, "r2", m.RoomOf(c))
	assert.Equal(t, []string{ids[1]}, m.MembersOf("r1"))
	assert.Equal(t, []string{c}, m.MembersOf("r2"))
}

func TestJoinSameRoomTwice(t *testing.T) {
	_, m, ids, _ := setup(t, 1)

	_, _ = m.Join(ids[0], "r1")
	prev, err := m.Join(ids[0], "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", prev)
	assert.Len(t, m.MembersOf("r1"), 1)
}

func TestLeaveRemovesEmptyRooms(t *testing.T) {
	_, m, ids, _ := setup(t, 1)

	_, _ = m.Join(ids[0], "r1")
	assert.Equal(t, "r1", m.Leave(ids[0]))
	assert.Empty(t, m.RoomOf(ids[0]))
	assert.NotContains(t, m.Rooms(), "r1")

	assert.Empty(t, m.Leave(ids[0]), "second leave is a no-op")
}

func TestBroadcastExcludesSender(t *testing.T) {
	_, m, ids, sinks := setup(t, 3)
	for _, id := range ids[:2] {
		_, err := m.Join(id, "r1")
		require.NoError(t, err)
	}
	_, err := m.Join(ids[2], "r2")
	require.NoError(t, err)

	event := models.PartnerTyping{Type: models.MessageTypePartnerTyping, UserID: "alice", RoomID: "r1", IsTyping: true}
	delivered := m.Broadcast("r1", event, ids[0])

	assert.Equal(t, 1, delivered)
	assert.Zero(t, sinks[0].count())
	assert.Equal(t, 1, sinks[1].count())
	assert.Zero(t, sinks[2].count(), "other rooms must not receive the event")

	var got models.PartnerTyping
	require.NoError(t, json.Unmarshal([]byte(sinks[1].frames[0]), &got))
	assert.Equal(t, event, got)
}

func TestBroadcastSkipsFullSinks(t *testing.T) {
	_, m, ids, sinks := setup(t, 2)
	for _, id := range ids {
		_, _ = m.Join(id, "r1")
	}
	sinks[0].full = true

	assert.Equal(t, 1, m.Broadcast("r1", map[string]string{"type": "x"}, ""))
}

func TestSendTo(t *testing.T) {
	_, m, ids, sinks := setup(t, 1)

	assert.True(t, m.SendTo(ids[0], models.ErrorMessage{Type: models.MessageTypeError, Error: "boom"}))
	assert.Equal(t, 1, sinks[0].count())
	assert.False(t, m.SendTo("ghost", struct{}{}))
}

func TestMembershipStaysConsistentUnderConcurrency(t *testing.T) {
	_, m, ids, _ := setup(t, 20)
	rooms := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = m.Join(id, rooms[(i+j)%len(rooms)])
				if j%7 == 0 {
					m.Leave(id)
				}
			}
		}(i, id)
	}
	wg.Wait()

	total := 0
	for room, count := range m.Rooms() {
		total += count
		for _, id := range m.MembersOf(room) {
			assert.Equal(t, room, m.RoomOf(id))
		}
	}
	joined := 0
	for _, id := range ids {
		if m.RoomOf(id) != "" {
			joined++
		}
	}
	assert.Equal(t, joined, total)
}
