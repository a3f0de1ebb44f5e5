package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/pkg/auth"
	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// connState tracks where a connection is in its lifecycle. Transitions only
// move forward: connecting, authenticating, authenticated, closed.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

const (
	// writeWait bounds every socket write, control frames included.
	writeWait = 10 * time.Second
	// maxFrameBytes bounds inbound frames. Client events are small JSON
	// objects; anything near this limit is abuse.
	maxFrameBytes = 64 * 1024
)

// client is one upgraded websocket connection. It implements
// registry.Sender so the registry and fabric can push events and close it
// without knowing about sockets.
type client struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	authTimer *time.Timer

	mu      sync.Mutex
	state   connState
	reason  event.CloseReason
	authCtx *auth.Context
	added   bool
	rooms   map[string]struct{}
}

func newClient(id string, gw *Gateway, conn *websocket.Conn) *client {
	c := &client{
		id:    id,
		gw:    gw,
		conn:  conn,
		log:   gw.log.With(zap.String("conn_id", id)),
		send:  make(chan []byte, gw.cfg.SendQueueSize),
		done:  make(chan struct{}),
		state: stateConnecting,
		rooms: make(map[string]struct{}),
	}
	c.authTimer = time.AfterFunc(gw.cfg.AuthDeadline, func() {
		if c.currentState() == stateAuthenticating {
			c.CloseWithReason(event.CloseAuthTimeout)
		}
	})
	return c
}

// Enqueue implements registry.Sender. It never blocks; a full queue is the
// caller's signal that this client cannot keep up.
func (c *client) Enqueue(ev *event.ServerEvent) error {
	buf, err := ev.Encode()
	if err != nil {
		return errors.Wrap(err, "encode server event")
	}
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- buf:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
		return errors.ErrSendQueueFull
	}
}

// CloseWithReason implements registry.Sender. Idempotent; the first caller
// wins and its reason is what the close frame and disconnect metric carry.
// Safe from any goroutine: gorilla allows WriteControl concurrently with
// the writer pump.
func (c *client) CloseWithReason(reason event.CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.reason = reason
		c.mu.Unlock()

		c.authTimer.Stop()
		msg := websocket.FormatCloseMessage(reason.Code(), reason.String())
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.log.Debug("failed to write close frame", zap.Error(err))
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) closeReason() event.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// authenticate records the verified identity and advances the state
// machine. Called only from the reader goroutine.
func (c *client) authenticate(authCtx *auth.Context) {
	c.authTimer.Stop()
	c.mu.Lock()
	c.authCtx = authCtx
	c.state = stateAuthenticated
	c.mu.Unlock()
}

// markAdded flags that the registry accepted this connection, so teardown
// knows to unregister it and settle the gauges.
func (c *client) markAdded() {
	c.mu.Lock()
	c.added = true
	c.mu.Unlock()
}

func (c *client) wasAdded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.added
}

func (c *client) tenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authCtx == nil {
		return ""
	}
	return c.authCtx.TenantID
}

func (c *client) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authCtx == nil {
		return ""
	}
	return c.authCtx.UserID
}

func (c *client) roles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authCtx == nil {
		return nil
	}
	return c.authCtx.Roles
}

// trackRoom and forgetRoom mirror the registry's room membership on the
// client, so teardown can announce presence for rooms the registry has
// already forgotten (sweeps and evictions unlink registry state first).
func (c *client) trackRoom(conversationID string) {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) forgetRoom(conversationID string) {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
}

func (c *client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// writePump owns all data writes to the socket. One goroutine per
// connection; exits when the client is closed or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case buf := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads. It feeds frames to the gateway dispatcher and
// performs the one and only teardown when the socket dies, whoever killed
// it.
func (c *client) readPump() {
	defer c.gw.teardown(c)

	// The registry sweeper at twice the heartbeat interval is the
	// authoritative staleness check. The socket deadline sits a full
	// interval behind the sweeper's worst case so it never wins the race
	// and misreports the close reason.
	readWait := 4 * c.gw.cfg.HeartbeatInterval
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.gw.touch(c)
		return nil
	})

	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateAuthenticating
	}
	c.mu.Unlock()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.gw.touch(c)
		c.gw.dispatch(c, raw)
	}
}

// sendEvent enqueues an event for this client only, logging drops instead
// of failing the caller. Slow consumer enforcement happens in the fabric;
// direct replies just best-effort.
func (c *client) sendEvent(ev *event.ServerEvent) {
	if err := c.Enqueue(ev); err != nil {
		c.log.Debug("dropping direct reply", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}
	metrics.EventsOutTotal.WithLabelValues(string(ev.Type)).Inc()
}

func (c *client) sendError(code, message string) {
	c.sendEvent(&event.ServerEvent{
		Type: event.ServerError,
		Data: event.ErrorData{Code: code, Message: message},
	})
}
