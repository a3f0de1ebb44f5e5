package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdesk/driftdesk/internal/broker"
	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/pkg/errors"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

type fakeSender struct {
	mu     sync.Mutex
	events []*event.ServerEvent
	closed []event.CloseReason
	fail   bool
}

func (s *fakeSender) Enqueue(ev *event.ServerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.ErrSendQueueFull
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSender) CloseWithReason(reason event.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, reason)
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSender) countOf(typ event.ServerEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *fakeSender) closedWith() []event.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.CloseReason(nil), s.closed...)
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// capturingBroker records published envelopes and optionally fails.
type capturingBroker struct {
	mu      sync.Mutex
	rooms   []*broker.RoomEnvelope
	tenants []*broker.TenantEnvelope
	users   []*broker.UserEnvelope
	err     error
}

func (b *capturingBroker) PublishRoom(_ context.Context, env *broker.RoomEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.rooms = append(b.rooms, env)
	return nil
}

func (b *capturingBroker) PublishTenant(_ context.Context, env *broker.TenantEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.tenants = append(b.tenants, env)
	return nil
}

func (b *capturingBroker) PublishUser(_ context.Context, env *broker.UserEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.users = append(b.users, env)
	return nil
}

func (b *capturingBroker) Subscribe(ctx context.Context, _ broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *capturingBroker) Close() error { return nil }

func (b *capturingBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms) + len(b.tenants) + len(b.users)
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []redispkg.DLQEntry
}

func (d *fakeDLQ) Add(_ context.Context, e redispkg.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	return nil
}

func addConn(t *testing.T, reg *registry.Registry, id, tenantID, userID string) *fakeSender {
	t.Helper()
	s := &fakeSender{}
	require.NoError(t, reg.Add(registry.NewConn(id, tenantID, userID, s)))
	return s
}

func TestToRoomDeliversLocallyAndPublishes(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	sender := addConn(t, reg, "c1", "t1", "alice")
	excluded := addConn(t, reg, "c2", "t1", "bob")
	outsider := addConn(t, reg, "c3", "t1", "carol")
	require.NoError(t, reg.JoinRoom("c1", registry.RoomKey("conv-9")))
	require.NoError(t, reg.JoinRoom("c2", registry.RoomKey("conv-9")))

	ev := &event.ServerEvent{Type: event.ServerTypingStart, Data: event.TypingData{ConversationID: "conv-9", UserID: "bob"}}
	f.ToRoom(context.Background(), "t1", registry.RoomKey("conv-9"), ev, "c2")

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 0, excluded.count(), "originating connection must not hear its own event")
	assert.Equal(t, 0, outsider.count(), "connections outside the room must not receive room events")

	require.Len(t, cb.rooms, 1)
	env := cb.rooms[0]
	assert.Equal(t, "origin-a", env.OriginID)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, registry.RoomKey("conv-9"), env.Room)
	assert.Equal(t, "c2", env.ExcludeConnID, "exclusion must travel with the envelope")
}

func TestToTenantScopesDelivery(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	inTenant := addConn(t, reg, "c1", "t1", "alice")
	excluded := addConn(t, reg, "c2", "t1", "bob")
	otherTenant := addConn(t, reg, "c3", "t2", "mallory")

	f.ToTenant(context.Background(), "t1", &event.ServerEvent{Type: event.ServerPresenceOnline}, "c2")

	assert.Equal(t, 1, inTenant.count())
	assert.Equal(t, 0, excluded.count())
	assert.Equal(t, 0, otherTenant.count())
	require.Len(t, cb.tenants, 1)
	assert.Equal(t, "t1", cb.tenants[0].TenantID)
	assert.Equal(t, "c2", cb.tenants[0].ExcludeConnID)
}

func TestToUserReachesEveryDevice(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	phone := addConn(t, reg, "c1", "t1", "alice")
	laptop := addConn(t, reg, "c2", "t1", "alice")
	other := addConn(t, reg, "c3", "t1", "bob")

	f.ToUser(context.Background(), "t1", "alice", &event.ServerEvent{Type: event.ServerMessageRead})

	assert.Equal(t, 1, phone.count())
	assert.Equal(t, 1, laptop.count())
	assert.Equal(t, 0, other.count())
	require.Len(t, cb.users, 1)
	assert.Equal(t, "alice", cb.users[0].UserID)
}

func TestIntakeDropsOwnOrigin(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	sender := addConn(t, reg, "c1", "t1", "alice")
	require.NoError(t, reg.JoinRoom("c1", registry.RoomKey("conv-9")))

	ev := &event.ServerEvent{Type: event.ServerTypingStart}
	f.HandleRoom(context.Background(), &broker.RoomEnvelope{
		OriginID: "origin-a", TenantID: "t1", Room: registry.RoomKey("conv-9"), Event: ev,
	})
	f.HandleTenant(context.Background(), &broker.TenantEnvelope{OriginID: "origin-a", TenantID: "t1", Event: ev})
	f.HandleUser(context.Background(), &broker.UserEnvelope{OriginID: "origin-a", TenantID: "t1", UserID: "alice", Event: ev})

	assert.Equal(t, 0, sender.count(), "envelopes from this instance were already delivered locally")
}

func TestIntakeDeliversForeignLocallyOnly(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	member := addConn(t, reg, "c1", "t1", "alice")
	excluded := addConn(t, reg, "c2", "t1", "bob")
	require.NoError(t, reg.JoinRoom("c1", registry.RoomKey("conv-9")))
	require.NoError(t, reg.JoinRoom("c2", registry.RoomKey("conv-9")))

	f.HandleRoom(context.Background(), &broker.RoomEnvelope{
		OriginID:      "origin-b",
		TenantID:      "t1",
		Room:          registry.RoomKey("conv-9"),
		ExcludeConnID: "c2",
		Event:         &event.ServerEvent{Type: event.ServerTypingStart},
	})

	assert.Equal(t, 1, member.count())
	assert.Equal(t, 0, excluded.count(), "exclusion must hold on the consuming instance too")
	assert.Equal(t, 0, cb.publishCount(), "intake must never re-publish")
}

func TestSlowConsumerIsClosedWithoutStallingFanout(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{}
	f := New("origin-a", reg, cb, nil, zaptest.NewLogger(t))

	slow := &fakeSender{fail: true}
	require.NoError(t, reg.Add(registry.NewConn("c1", "t1", "alice", slow)))
	healthy := addConn(t, reg, "c2", "t1", "bob")

	f.ToTenant(context.Background(), "t1", &event.ServerEvent{Type: event.ServerPresenceOnline}, "")

	assert.Equal(t, []event.CloseReason{event.CloseSlowConsumer}, slow.closedWith())
	assert.Equal(t, 1, healthy.count(), "one slow consumer must not block the rest")
}

func TestPublishFailureIsDeadLetteredAndLocalDeliveryStands(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	cb := &capturingBroker{err: errors.ErrUnavailable}
	dlq := &fakeDLQ{}
	f := New("origin-a", reg, cb, dlq, zaptest.NewLogger(t))

	sender := addConn(t, reg, "c1", "t1", "alice")
	require.NoError(t, reg.JoinRoom("c1", registry.RoomKey("conv-9")))

	f.ToRoom(context.Background(), "t1", registry.RoomKey("conv-9"), &event.ServerEvent{Type: event.ServerTypingStart}, "")

	assert.Equal(t, 1, sender.count(), "local delivery must survive a broker outage")
	require.Len(t, dlq.entries, 1)
	entry := dlq.entries[0]
	assert.Equal(t, "broadcast", entry.Stage)
	assert.Equal(t, "t1", entry.TenantID)
	assert.NotEmpty(t, entry.Body)
	assert.NotEmpty(t, entry.Error)
}

func TestCrossInstanceFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := broker.NewMemBroker()
	regA := registry.New(registry.Config{}, zaptest.NewLogger(t))
	regB := registry.New(registry.Config{}, zaptest.NewLogger(t))
	fa := New("origin-a", regA, mb, nil, zaptest.NewLogger(t))
	fb := New("origin-b", regB, mb, nil, zaptest.NewLogger(t))

	go func() { _ = fa.Run(ctx) }()
	go func() { _ = fb.Run(ctx) }()

	probeA := addConn(t, regA, "probe-a", "t1", "probe")
	probeB := addConn(t, regB, "probe-b", "t1", "probe")

	// Probe in both directions until both subscriptions are live. Each
	// instance probes with a distinct type, so seeing the other side's type
	// proves the envelope crossed the broker rather than being delivered
	// locally.
	require.Eventually(t, func() bool {
		fa.ToUser(ctx, "t1", "probe", &event.ServerEvent{Type: event.ServerPong})
		fb.ToUser(ctx, "t1", "probe", &event.ServerEvent{Type: event.ServerWelcome})
		return probeA.countOf(event.ServerWelcome) > 0 && probeB.countOf(event.ServerPong) > 0
	}, 2*time.Second, 10*time.Millisecond)

	origin := addConn(t, regA, "a1", "t1", "alice")
	remote := addConn(t, regB, "b1", "t1", "bob")
	require.NoError(t, regA.JoinRoom("a1", registry.RoomKey("conv-9")))
	require.NoError(t, regB.JoinRoom("b1", registry.RoomKey("conv-9")))

	fa.ToRoom(ctx, "t1", registry.RoomKey("conv-9"), &event.ServerEvent{Type: event.ServerTypingStart}, "")

	assert.Equal(t, 1, origin.count(), "local member must receive exactly once despite the broker echo")
	assert.Equal(t, 1, remote.count(), "remote member must receive through the broker")
}
