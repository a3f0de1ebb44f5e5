package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdesk/driftdesk/internal/broadcast"
	"github.com/driftdesk/driftdesk/internal/broker"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/pkg/errors"
)

const testSecret = "gateway-test-secret"

type fakeAuthorizer struct {
	mu     sync.Mutex
	denied map[string]bool
	calls  []string
}

func (a *fakeAuthorizer) Authorize(_ context.Context, tenantID, userID string, _ []string, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, tenantID+"/"+userID+"/"+conversationID)
	if a.denied[conversationID] {
		return errors.ErrForbidden
	}
	return nil
}

type fakeReadMarker struct {
	mu    sync.Mutex
	err   error
	marks []string
}

func (m *fakeReadMarker) MarkRead(_ context.Context, tenantID, userID, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.marks = append(m.marks, strings.Join([]string{tenantID, userID, conversationID, messageID}, "/"))
	return nil
}

func (m *fakeReadMarker) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.marks...)
}

type harness struct {
	gw    *Gateway
	reg   *registry.Registry
	authz *fakeAuthorizer
	reads *fakeReadMarker
	srv   *httptest.Server
}

func newHarness(t *testing.T, cfg Config, maxConnsPerUser int) *harness {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	if cfg.AuthDeadline == 0 {
		cfg.AuthDeadline = 5 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 16
	}
	if maxConnsPerUser == 0 {
		maxConnsPerUser = 4
	}

	reg := registry.New(registry.Config{MaxConnsPerUser: maxConnsPerUser}, zaptest.NewLogger(t))
	fab := broadcast.New("origin-test", reg, broker.NewMemBroker(), nil, zaptest.NewLogger(t))
	authz := &fakeAuthorizer{denied: make(map[string]bool)}
	reads := &fakeReadMarker{}
	gw := New(cfg, reg, fab, authz, reads, zaptest.NewLogger(t))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{gw: gw, reg: reg, authz: authz, reads: reads, srv: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func signToken(t *testing.T, secret, sub, tenantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       sub,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func send(t *testing.T, conn *websocket.Conn, typ string, data map[string]interface{}) {
	t.Helper()
	payload := map[string]interface{}{"type": typ}
	if data != nil {
		payload["data"] = data
	}
	require.NoError(t, conn.WriteJSON(payload))
}

type wireEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// expectClose drains remaining frames until the peer's close surfaces,
// asserting its code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, code, ce.Code)
			return
		}
	}
}

// authenticate dials, authenticates as the given user, and consumes the
// welcome event.
func (h *harness) authenticate(t *testing.T, userID, tenantID string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, "auth", map[string]interface{}{"token": signToken(t, testSecret, userID, tenantID)})
	welcome := readEvent(t, conn)
	require.Equal(t, "welcome", welcome.Type)
	require.NotEmpty(t, welcome.Data["connection_id"])
	return conn
}

func TestAuthHappyPath(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	conn := h.dial(t)
	send(t, conn, "auth", map[string]interface{}{"token": signToken(t, testSecret, "alice", "t1")})

	welcome := readEvent(t, conn)
	assert.Equal(t, "welcome", welcome.Type)
	assert.NotEmpty(t, welcome.Data["connection_id"])
	assert.EqualValues(t, 20, welcome.Data["heartbeat_interval_sec"])

	require.Eventually(t, func() bool { return h.reg.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAuthBadTokenCloses4403(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	conn := h.dial(t)
	send(t, conn, "auth", map[string]interface{}{"token": "not-a-jwt"})
	expectClose(t, conn, 4403)
	require.Eventually(t, func() bool { return h.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNonAuthFirstEventCloses4403(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	conn := h.dial(t)
	send(t, conn, "ping", nil)
	expectClose(t, conn, 4403)
}

func TestAuthDeadlineCloses4401(t *testing.T) {
	h := newHarness(t, Config{AuthDeadline: 100 * time.Millisecond}, 0)

	conn := h.dial(t)
	expectClose(t, conn, 4401)
}

func TestJoinTypingRelayExcludesSender(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	c1 := h.authenticate(t, "alice", "t1")
	c2 := h.authenticate(t, "bob", "t1")

	// Bob coming online reaches the rest of the tenant, never bob himself.
	online := readEvent(t, c1)
	require.Equal(t, "presence.online", online.Type)
	assert.Equal(t, "bob", online.Data["user_id"])
	assert.NotContains(t, online.Data, "conversation_id")

	send(t, c1, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c1).Type)

	send(t, c2, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c2).Type)

	// Bob's arrival in the room is announced to the members already there.
	online = readEvent(t, c1)
	require.Equal(t, "presence.online", online.Type)
	assert.Equal(t, "bob", online.Data["user_id"])
	assert.Equal(t, "conv-9", online.Data["conversation_id"])

	send(t, c2, "typing.start", map[string]interface{}{"conversation_id": "conv-9"})
	typing := readEvent(t, c1)
	require.Equal(t, "typing.start", typing.Type)
	assert.Equal(t, "bob", typing.Data["user_id"])

	send(t, c2, "typing.stop", map[string]interface{}{"conversation_id": "conv-9"})
	stopped := readEvent(t, c1)
	require.Equal(t, "typing.stop", stopped.Type)
	assert.Equal(t, "bob", stopped.Data["user_id"])

	// The typist must not hear their own indicator: the next frame bob
	// receives is the pong, not the typing echo.
	send(t, c2, "ping", nil)
	assert.Equal(t, "pong", readEvent(t, c2).Type)
}

func TestJoinDeniedByAuthorizer(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	h.authz.denied["conv-locked"] = true

	conn := h.authenticate(t, "mallory", "t1")
	send(t, conn, "join", map[string]interface{}{"conversation_id": "conv-locked"})

	ev := readEvent(t, conn)
	require.Equal(t, "error", ev.Type)
	assert.Equal(t, "forbidden", ev.Data["code"])

	// Still connected and functional.
	send(t, conn, "ping", nil)
	assert.Equal(t, "pong", readEvent(t, conn).Type)
}

func TestReadPersistsWatermarkAndRelays(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	c1 := h.authenticate(t, "alice", "t1")
	c2 := h.authenticate(t, "bob", "t1")
	require.Equal(t, "presence.online", readEvent(t, c1).Type)
	send(t, c1, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c1).Type)
	send(t, c2, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c2).Type)
	require.Equal(t, "presence.online", readEvent(t, c1).Type)

	send(t, c2, "read", map[string]interface{}{"conversation_id": "conv-9", "message_id": "m-42"})

	read := readEvent(t, c1)
	require.Equal(t, "message.read", read.Type)
	assert.Equal(t, "bob", read.Data["user_id"])
	assert.Equal(t, "m-42", read.Data["message_id"])
	assert.Equal(t, []string{"t1/bob/conv-9/m-42"}, h.reads.recorded())
}

func TestUnknownAndMalformedEventsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	conn := h.authenticate(t, "alice", "t1")

	send(t, conn, "dance", nil)
	ev := readEvent(t, conn)
	require.Equal(t, "error", ev.Type)
	assert.Equal(t, "unknown_event", ev.Data["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev = readEvent(t, conn)
	require.Equal(t, "error", ev.Type)
	assert.Equal(t, "bad_payload", ev.Data["code"])

	send(t, conn, "ping", nil)
	assert.Equal(t, "pong", readEvent(t, conn).Type)
}

func TestSecondAuthRejected(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	conn := h.authenticate(t, "alice", "t1")

	send(t, conn, "auth", map[string]interface{}{"token": signToken(t, testSecret, "alice", "t1")})
	ev := readEvent(t, conn)
	require.Equal(t, "error", ev.Type)
	assert.Equal(t, "already_authenticated", ev.Data["code"])
}

func TestPerUserCapEvictsOldestWith4409(t *testing.T) {
	h := newHarness(t, Config{}, 1)

	c1 := h.authenticate(t, "alice", "t1")
	c2 := h.authenticate(t, "alice", "t1")

	expectClose(t, c1, 4409)

	// The replacement connection survives.
	send(t, c2, "ping", nil)
	assert.Equal(t, "pong", readEvent(t, c2).Type)
	require.Eventually(t, func() bool { return h.reg.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStaleConnectionSweptWith4408(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 50 * time.Millisecond}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.gw.Run(ctx) }()

	conn := h.dial(t)
	// Swallow server pings so nothing refreshes LastSeen.
	conn.SetPingHandler(func(string) error { return nil })
	send(t, conn, "auth", map[string]interface{}{"token": signToken(t, testSecret, "alice", "t1")})
	require.Equal(t, "welcome", readEvent(t, conn).Type)

	expectClose(t, conn, 4408)
	require.Eventually(t, func() bool { return h.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDrainClosesEverythingAndRejectsNewUpgrades(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	conn := h.authenticate(t, "alice", "t1")

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.gw.Drain(drainCtx)
		close(done)
	}()

	expectClose(t, conn, websocket.CloseGoingAway)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish")
	}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	c1 := h.authenticate(t, "alice", "t1")
	c2 := h.authenticate(t, "bob", "t1")
	require.Equal(t, "presence.online", readEvent(t, c1).Type)
	send(t, c1, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c1).Type)
	send(t, c2, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c2).Type)
	require.Equal(t, "presence.online", readEvent(t, c1).Type)

	require.NoError(t, c2.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	// The room hears bob leave it, then the tenant hears his last
	// connection go.
	offline := readEvent(t, c1)
	require.Equal(t, "presence.offline", offline.Type)
	assert.Equal(t, "bob", offline.Data["user_id"])
	assert.Equal(t, "conv-9", offline.Data["conversation_id"])

	offline = readEvent(t, c1)
	require.Equal(t, "presence.offline", offline.Type)
	assert.Equal(t, "bob", offline.Data["user_id"])
	assert.NotContains(t, offline.Data, "conversation_id")
}

func TestLeaveAnnouncesOfflineWhenLastConnection(t *testing.T) {
	h := newHarness(t, Config{}, 0)

	c1 := h.authenticate(t, "alice", "t1")
	c2 := h.authenticate(t, "bob", "t1")
	require.Equal(t, "presence.online", readEvent(t, c1).Type)
	send(t, c1, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c1).Type)
	send(t, c2, "join", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "joined", readEvent(t, c2).Type)
	require.Equal(t, "presence.online", readEvent(t, c1).Type)

	send(t, c2, "leave", map[string]interface{}{"conversation_id": "conv-9"})
	require.Equal(t, "left", readEvent(t, c2).Type)

	// Leaving the room is a room event only; bob is still connected.
	offline := readEvent(t, c1)
	require.Equal(t, "presence.offline", offline.Type)
	assert.Equal(t, "bob", offline.Data["user_id"])
	assert.Equal(t, "conv-9", offline.Data["conversation_id"])
}
