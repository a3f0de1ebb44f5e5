package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/pkg/errors"
)

// fakeSender records deliveries and closes.
type fakeSender struct {
	mu     sync.Mutex
	events []*event.ServerEvent
	closed []event.CloseReason
}

func (f *fakeSender) Enqueue(ev *event.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) CloseWithReason(reason event.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, reason)
}

func (f *fakeSender) closeReasons() []event.CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.CloseReason(nil), f.closed...)
}

func newTestRegistry(t *testing.T, maxPerUser int) *Registry {
	t.Helper()
	return New(Config{MaxConnsPerUser: maxPerUser}, zaptest.NewLogger(t))
}

func TestAddAndGet(t *testing.T) {
	reg := newTestRegistry(t, 8)
	c := NewConn("conn-1", "t-1", "u-1", &fakeSender{})

	require.NoError(t, reg.Add(c))

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, reg.ByUser("t-1", "u-1"), 1)
	assert.Len(t, reg.ByTenant("t-1"), 1)
}

func TestAddDuplicateID(t *testing.T) {
	reg := newTestRegistry(t, 8)
	require.NoError(t, reg.Add(NewConn("conn-1", "t-1", "u-1", &fakeSender{})))

	err := reg.Add(NewConn("conn-1", "t-1", "u-2", &fakeSender{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateConnection))
	assert.Equal(t, 1, reg.Len())
	assert.Empty(t, reg.ByUser("t-1", "u-2"))
}

func TestCapEvictsOldest(t *testing.T) {
	reg := newTestRegistry(t, 2)
	oldSender := &fakeSender{}
	oldest := NewConn("conn-1", "t-1", "u-1", oldSender)
	newer := NewConn("conn-2", "t-1", "u-1", &fakeSender{})
	require.NoError(t, reg.Add(oldest))
	require.NoError(t, reg.Add(newer))

	// Only the newer connection shows activity.
	reg.Touch("conn-2", time.Now().Add(time.Minute))

	require.NoError(t, reg.Add(NewConn("conn-3", "t-1", "u-1", &fakeSender{})))

	_, ok := reg.Get("conn-1")
	assert.False(t, ok, "oldest connection should be evicted")
	assert.Equal(t, []event.CloseReason{event.CloseConnectionReplaced}, oldSender.closeReasons())
	assert.Len(t, reg.ByUser("t-1", "u-1"), 2, "cap must hold after admission")
}

func TestCapEvictionTieBreaksByAdmissionOrder(t *testing.T) {
	reg := newTestRegistry(t, 2)
	first := &fakeSender{}
	second := &fakeSender{}
	c1 := NewConn("conn-1", "t-1", "u-1", first)
	c2 := NewConn("conn-2", "t-1", "u-1", second)
	// Identical LastSeen on both.
	at := time.Now().Add(time.Hour)
	require.NoError(t, reg.Add(c1))
	require.NoError(t, reg.Add(c2))
	reg.Touch("conn-1", at)
	reg.Touch("conn-2", at)

	require.NoError(t, reg.Add(NewConn("conn-3", "t-1", "u-1", &fakeSender{})))

	assert.Equal(t, []event.CloseReason{event.CloseConnectionReplaced}, first.closeReasons())
	assert.Empty(t, second.closeReasons())
}

func TestCapIsPerUser(t *testing.T) {
	reg := newTestRegistry(t, 1)
	require.NoError(t, reg.Add(NewConn("conn-1", "t-1", "u-1", &fakeSender{})))
	require.NoError(t, reg.Add(NewConn("conn-2", "t-1", "u-2", &fakeSender{})))
	require.NoError(t, reg.Add(NewConn("conn-3", "t-2", "u-1", &fakeSender{})))

	assert.Equal(t, 3, reg.Len(), "cap applies per tenant and user, not globally")
}

func TestRemoveCleansEveryIndex(t *testing.T) {
	reg := newTestRegistry(t, 8)
	c := NewConn("conn-1", "t-1", "u-1", &fakeSender{})
	require.NoError(t, reg.Add(c))
	require.NoError(t, reg.JoinRoom("conn-1", RoomKey("c-9")))

	reg.Remove("conn-1")

	_, ok := reg.Get("conn-1")
	assert.False(t, ok)
	assert.Empty(t, reg.ByUser("t-1", "u-1"))
	assert.Empty(t, reg.ByTenant("t-1"))
	assert.Empty(t, reg.RoomMembers(RoomKey("c-9")))
	assert.Empty(t, reg.Rooms("conn-1"))

	// Idempotent.
	reg.Remove("conn-1")
	assert.Equal(t, 0, reg.Len())
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	reg := newTestRegistry(t, 8)
	c := NewConn("conn-1", "t-1", "u-1", &fakeSender{})
	require.NoError(t, reg.Add(c))

	future := time.Now().Add(time.Minute)
	reg.Touch("conn-1", future)
	reg.Touch("conn-1", future.Add(-time.Hour))

	assert.Equal(t, future, c.LastSeen())

	// Unknown id is a no-op.
	reg.Touch("conn-unknown", time.Now())
}

func TestSweepStale(t *testing.T) {
	reg := newTestRegistry(t, 8)
	stale := NewConn("conn-stale", "t-1", "u-1", &fakeSender{})
	fresh := NewConn("conn-fresh", "t-1", "u-2", &fakeSender{})
	require.NoError(t, reg.Add(stale))
	require.NoError(t, reg.Add(fresh))

	// touch never moves backwards, so rewind directly for the stale case.
	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()
	reg.Touch("conn-fresh", time.Now())

	swept := reg.SweepStale(time.Minute)

	require.Len(t, swept, 1)
	assert.Equal(t, "conn-stale", swept[0].ID)
	_, ok := reg.Get("conn-stale")
	assert.False(t, ok)
	_, ok = reg.Get("conn-fresh")
	assert.True(t, ok)
}

func TestJoinRoom(t *testing.T) {
	reg := newTestRegistry(t, 8)
	require.NoError(t, reg.Add(NewConn("conn-1", "t-1", "u-1", &fakeSender{})))

	room := RoomKey("c-1")
	require.NoError(t, reg.JoinRoom("conn-1", room))
	require.NoError(t, reg.JoinRoom("conn-1", room), "joining twice is a no-op")

	members := reg.RoomMembers(room)
	require.Len(t, members, 1)
	assert.Equal(t, "conn-1", members[0].ID)
	assert.True(t, reg.InRoom("conn-1", room))
	assert.Equal(t, []string{room}, reg.Rooms("conn-1"))
}

func TestJoinRoomUnknownConnection(t *testing.T) {
	reg := newTestRegistry(t, 8)
	err := reg.JoinRoom("conn-ghost", RoomKey("c-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownConnection))
}

func TestLeaveRoom(t *testing.T) {
	reg := newTestRegistry(t, 8)
	require.NoError(t, reg.Add(NewConn("conn-1", "t-1", "u-1", &fakeSender{})))
	room := RoomKey("c-1")
	require.NoError(t, reg.JoinRoom("conn-1", room))

	reg.LeaveRoom("conn-1", room)
	reg.LeaveRoom("conn-1", room) // idempotent

	assert.Empty(t, reg.RoomMembers(room))
	assert.False(t, reg.InRoom("conn-1", room))
}

func TestRoomMembersUnknownRoom(t *testing.T) {
	reg := newTestRegistry(t, 8)
	assert.Empty(t, reg.RoomMembers(RoomKey("nope")))
}

func TestUserCountAndSnapshot(t *testing.T) {
	reg := newTestRegistry(t, 8)
	require.NoError(t, reg.Add(NewConn("conn-1", "t-1", "u-1", &fakeSender{})))
	require.NoError(t, reg.Add(NewConn("conn-2", "t-1", "u-1", &fakeSender{})))
	require.NoError(t, reg.Add(NewConn("conn-3", "t-1", "u-2", &fakeSender{})))
	require.NoError(t, reg.JoinRoom("conn-1", RoomKey("c-1")))

	assert.Equal(t, 2, reg.UserCount("t-1"))
	assert.Equal(t, 0, reg.UserCount("t-2"))

	stats := reg.Snapshot()
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.Rooms)
}

func TestConcurrentAddRemove(t *testing.T) {
	reg := newTestRegistry(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			c := NewConn(id, "t-1", fmt.Sprintf("u-%d", n%5), &fakeSender{})
			if err := reg.Add(c); err != nil {
				return
			}
			_ = reg.JoinRoom(id, RoomKey("c-shared"))
			reg.Touch(id, time.Now())
			if n%2 == 0 {
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	for _, c := range reg.ByTenant("t-1") {
		members := reg.ByUser("t-1", c.UserID)
		assert.LessOrEqual(t, len(members), 4)
	}
}
