// Package gateway owns the websocket surface: upgrade, the per-connection
// auth state machine, typed client event dispatch, heartbeat sweeping, and
// graceful drain.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/pkg/auth"
	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// opTimeout bounds storage and authorization calls made on behalf of a
// single client event.
const opTimeout = 5 * time.Second

// ConversationAuthorizer answers whether a user may enter a conversation.
// The repository implements it; denials are errors.ErrForbidden.
type ConversationAuthorizer interface {
	Authorize(ctx context.Context, tenantID, userID string, roles []string, conversationID string) error
}

// ReadMarker persists read watermarks reported by clients.
type ReadMarker interface {
	MarkRead(ctx context.Context, tenantID, userID, conversationID, messageID string) error
}

// Broadcaster is the slice of the fabric the gateway needs.
type Broadcaster interface {
	ToRoom(ctx context.Context, tenantID, room string, ev *event.ServerEvent, excludeConnID string)
	ToTenant(ctx context.Context, tenantID string, ev *event.ServerEvent, excludeConnID string)
	ToUser(ctx context.Context, tenantID, userID string, ev *event.ServerEvent)
}

// Config tunes the gateway.
type Config struct {
	// JWTSecret verifies the HMAC signature of client tokens.
	JWTSecret string
	// AllowedOrigins is the Origin allowlist for upgrades. "*" allows all.
	AllowedOrigins []string
	// AuthDeadline is how long a fresh connection may sit unauthenticated.
	AuthDeadline time.Duration
	// HeartbeatInterval is the server ping period. Connections idle for
	// twice this are swept as stale.
	HeartbeatInterval time.Duration
	// SendQueueSize is the per-connection outbound buffer.
	SendQueueSize int
}

func (c *Config) applyDefaults() {
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
}

type handlerFunc func(c *client, ev *event.ClientEvent)

// Gateway accepts websocket connections and runs them through the
// lifecycle. All collaborators are injected; the gateway holds no global
// state.
type Gateway struct {
	cfg        Config
	log        *zap.Logger
	reg        *registry.Registry
	fabric     Broadcaster
	authorizer ConversationAuthorizer
	reads      ReadMarker
	upgrader   websocket.Upgrader
	handlers   map[event.ClientEventType]handlerFunc

	mu       sync.Mutex
	clients  map[*client]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New wires a gateway. The registry, fabric, authorizer, and read marker
// are required.
func New(cfg Config, reg *registry.Registry, fabric Broadcaster, authorizer ConversationAuthorizer, reads ReadMarker, log *zap.Logger) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:        cfg,
		log:        log.With(zap.String("component", "gateway")),
		reg:        reg,
		fabric:     fabric,
		authorizer: authorizer,
		reads:      reads,
		clients:    make(map[*client]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.handlers = map[event.ClientEventType]handlerFunc{
		event.ClientJoin:        g.handleJoin,
		event.ClientLeave:       g.handleLeave,
		event.ClientTypingStart: g.relayTyping(event.ServerTypingStart),
		event.ClientTypingStop:  g.relayTyping(event.ServerTypingStop),
		event.ClientRead:        g.handleRead,
		event.ClientPing:        g.handlePing,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := g.cfg.AllowedOrigins
	if len(allowed) == 0 || allowed[0] == "*" {
		return true
	}
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	return false
}

// HandleWS upgrades the request and starts the connection's pumps. The
// connection starts Authenticating and has cfg.AuthDeadline to present a
// token.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), g, conn)
	g.track(c)
	g.log.Info("client connected",
		zap.String("conn_id", c.id),
		zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// Run drives the heartbeat sweeper until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, rc := range g.reg.SweepStale(2 * g.cfg.HeartbeatInterval) {
				rc.CloseWithReason(event.CloseStaleConnection)
			}
		}
	}
}

// Drain stops accepting upgrades, closes every connection with
// server_shutdown, and waits for teardowns until ctx expires.
func (g *Gateway) Drain(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.CloseWithReason(event.CloseServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.log.Info("all connections drained")
	case <-ctx.Done():
		g.mu.Lock()
		remaining := len(g.clients)
		g.mu.Unlock()
		g.log.Warn("drain timed out", zap.Int("remaining", remaining))
	}
}

func (g *Gateway) track(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.wg.Add(1)
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) touch(c *client) {
	if c.wasAdded() {
		g.reg.Touch(c.id, time.Now())
	}
}

// dispatch routes one inbound frame. Runs on the connection's reader
// goroutine, so per-connection handling is serial.
func (g *Gateway) dispatch(c *client, raw []byte) {
	ev, err := event.ParseClientEvent(raw)
	if err != nil {
		metrics.EventsInTotal.WithLabelValues("invalid").Inc()
		c.sendError("bad_payload", "malformed event")
		return
	}
	metrics.EventsInTotal.WithLabelValues(string(ev.Type)).Inc()

	switch c.currentState() {
	case stateAuthenticated:
	case stateAuthenticating:
		if ev.Type != event.ClientAuth {
			g.log.Info("client event before authentication",
				zap.String("conn_id", c.id),
				zap.String("event_type", string(ev.Type)))
			c.CloseWithReason(event.CloseAuthFailed)
			return
		}
		g.handleAuth(c, ev)
		return
	default:
		return
	}

	if ev.Type == event.ClientAuth {
		c.sendError("already_authenticated", "")
		return
	}
	h, ok := g.handlers[ev.Type]
	if !ok {
		c.sendError("unknown_event", string(ev.Type))
		return
	}
	h(c, ev)
}

func (g *Gateway) handleAuth(c *client, ev *event.ClientEvent) {
	var p event.AuthPayload
	if err := decodePayload(ev, &p); err != nil || p.Token == "" {
		c.CloseWithReason(event.CloseAuthFailed)
		return
	}
	authCtx, err := auth.ParseAndExtractAuthContext(p.Token, g.cfg.JWTSecret)
	if err != nil {
		g.log.Info("authentication failed", zap.String("conn_id", c.id), zap.Error(err))
		c.CloseWithReason(event.CloseAuthFailed)
		return
	}

	c.authenticate(authCtx)
	if err := g.reg.Add(registry.NewConn(c.id, authCtx.TenantID, authCtx.UserID, c)); err != nil {
		g.log.Error("failed to register connection", zap.String("conn_id", c.id), zap.Error(err))
		c.CloseWithReason(event.CloseAuthFailed)
		return
	}
	c.markAdded()
	metrics.ConnectsTotal.Inc()
	metrics.ActiveConnections.Inc()

	g.log.Info("client authenticated",
		zap.String("conn_id", c.id),
		zap.String("tenant_id", authCtx.TenantID),
		zap.String("user_id", authCtx.UserID))

	ctx, cancel := opContext()
	defer cancel()
	g.fabric.ToTenant(ctx, authCtx.TenantID, &event.ServerEvent{
		Type: event.ServerPresenceOnline,
		Data: event.PresenceData{UserID: authCtx.UserID},
	}, c.id)
	c.sendEvent(&event.ServerEvent{Type: event.ServerWelcome, Data: event.WelcomeData{
		ConnectionID:      c.id,
		HeartbeatInterval: int(g.cfg.HeartbeatInterval / time.Second),
	}})
}

func (g *Gateway) handleJoin(c *client, ev *event.ClientEvent) {
	var p event.RoomPayload
	if err := decodePayload(ev, &p); err != nil || p.ConversationID == "" {
		c.sendError("bad_payload", "conversation_id required")
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	if err := g.authorizer.Authorize(ctx, c.tenantID(), c.userID(), c.roles(), p.ConversationID); err != nil {
		if errors.Is(err, errors.ErrForbidden) || errors.Is(err, errors.ErrNotFound) {
			c.sendError("forbidden", "not a participant of this conversation")
		} else {
			g.log.Warn("authorization check failed",
				zap.String("conversation_id", p.ConversationID),
				zap.Error(err))
			c.sendError("unavailable", "authorization check failed")
		}
		return
	}

	room := registry.RoomKey(p.ConversationID)
	announce := !g.userPresentInRoom(room, c.userID())
	if err := g.reg.JoinRoom(c.id, room); err != nil {
		c.sendError("unavailable", "connection not registered")
		return
	}
	c.trackRoom(p.ConversationID)
	c.sendEvent(&event.ServerEvent{Type: event.ServerJoined, Data: event.RoomData{ConversationID: p.ConversationID}})

	if announce {
		g.fabric.ToRoom(ctx, c.tenantID(), room, &event.ServerEvent{
			Type: event.ServerPresenceOnline,
			Data: event.PresenceData{ConversationID: p.ConversationID, UserID: c.userID()},
		}, c.id)
	}
}

func (g *Gateway) handleLeave(c *client, ev *event.ClientEvent) {
	var p event.RoomPayload
	if err := decodePayload(ev, &p); err != nil || p.ConversationID == "" {
		c.sendError("bad_payload", "conversation_id required")
		return
	}

	room := registry.RoomKey(p.ConversationID)
	g.reg.LeaveRoom(c.id, room)
	c.forgetRoom(p.ConversationID)
	c.sendEvent(&event.ServerEvent{Type: event.ServerLeft, Data: event.RoomData{ConversationID: p.ConversationID}})

	if !g.userPresentInRoom(room, c.userID()) {
		ctx, cancel := opContext()
		defer cancel()
		g.fabric.ToRoom(ctx, c.tenantID(), room, &event.ServerEvent{
			Type: event.ServerPresenceOffline,
			Data: event.PresenceData{ConversationID: p.ConversationID, UserID: c.userID()},
		}, "")
	}
}

// relayTyping builds the handler for one typing transition. Start and stop
// share everything but the outbound type.
func (g *Gateway) relayTyping(out event.ServerEventType) handlerFunc {
	return func(c *client, ev *event.ClientEvent) {
		var p event.RoomPayload
		if err := decodePayload(ev, &p); err != nil || p.ConversationID == "" {
			c.sendError("bad_payload", "conversation_id required")
			return
		}
		room := registry.RoomKey(p.ConversationID)
		if !g.reg.InRoom(c.id, room) {
			c.sendError("forbidden", "join the conversation first")
			return
		}

		ctx, cancel := opContext()
		defer cancel()
		g.fabric.ToRoom(ctx, c.tenantID(), room, &event.ServerEvent{
			Type: out,
			Data: event.TypingData{ConversationID: p.ConversationID, UserID: c.userID()},
		}, c.id)
	}
}

func (g *Gateway) handleRead(c *client, ev *event.ClientEvent) {
	var p event.ReadPayload
	if err := decodePayload(ev, &p); err != nil || p.ConversationID == "" || p.MessageID == "" {
		c.sendError("bad_payload", "conversation_id and message_id required")
		return
	}
	room := registry.RoomKey(p.ConversationID)
	if !g.reg.InRoom(c.id, room) {
		c.sendError("forbidden", "join the conversation first")
		return
	}

	ctx, cancel := opContext()
	defer cancel()
	if err := g.reads.MarkRead(ctx, c.tenantID(), c.userID(), p.ConversationID, p.MessageID); err != nil {
		g.log.Warn("failed to persist read watermark",
			zap.String("conversation_id", p.ConversationID),
			zap.Error(err))
		c.sendError("unavailable", "could not record read state")
		return
	}
	g.fabric.ToRoom(ctx, c.tenantID(), room, &event.ServerEvent{
		Type: event.ServerMessageRead,
		Data: event.ReadData{ConversationID: p.ConversationID, MessageID: p.MessageID, UserID: c.userID()},
	}, c.id)
}

func (g *Gateway) handlePing(c *client, _ *event.ClientEvent) {
	c.sendEvent(&event.ServerEvent{Type: event.ServerPong})
}

// teardown is the single exit path for a connection, called from its
// reader goroutine when the socket dies. By then CloseWithReason has
// recorded who killed it, or we record a client-initiated normal close.
func (g *Gateway) teardown(c *client) {
	c.CloseWithReason(event.CloseNormal)
	g.untrack(c)

	if !c.wasAdded() {
		return
	}
	g.reg.Remove(c.id)
	metrics.ActiveConnections.Dec()
	reason := c.closeReason()
	metrics.DisconnectsTotal.WithLabelValues(reason.String()).Inc()
	g.announceOffline(c)
	g.log.Info("client disconnected",
		zap.String("conn_id", c.id),
		zap.String("tenant_id", c.tenantID()),
		zap.String("user_id", c.userID()),
		zap.String("reason", reason.String()))
}

// announceOffline tells each room the user has left it, unless another of
// the user's connections is still there, then tells the tenant when this
// was the user's last connection. Uses the client's own room list: sweeps
// and evictions unlink registry rooms before teardown runs.
func (g *Gateway) announceOffline(c *client) {
	tenantID, userID := c.tenantID(), c.userID()
	ctx, cancel := opContext()
	defer cancel()
	for _, conversationID := range c.joinedRooms() {
		room := registry.RoomKey(conversationID)
		if g.userPresentInRoom(room, userID) {
			continue
		}
		g.fabric.ToRoom(ctx, tenantID, room, &event.ServerEvent{
			Type: event.ServerPresenceOffline,
			Data: event.PresenceData{ConversationID: conversationID, UserID: userID},
		}, "")
	}
	if len(g.reg.ByUser(tenantID, userID)) == 0 {
		g.fabric.ToTenant(ctx, tenantID, &event.ServerEvent{
			Type: event.ServerPresenceOffline,
			Data: event.PresenceData{UserID: userID},
		}, "")
	}
}

func (g *Gateway) userPresentInRoom(room, userID string) bool {
	for _, m := range g.reg.RoomMembers(room) {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func decodePayload(ev *event.ClientEvent, out interface{}) error {
	data := ev.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return mapstructure.Decode(data, out)
}
