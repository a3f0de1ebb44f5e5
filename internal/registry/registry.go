package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/pkg/errors"
)

// Config tunes the registry.
type Config struct {
	// MaxConnsPerUser caps simultaneous connections per (tenant, user).
	// Zero disables the cap.
	MaxConnsPerUser int
}

// Registry indexes live connections by id, user, tenant, and room. All
// methods are safe for concurrent use. Read methods return snapshots.
type Registry struct {
	log        *zap.Logger
	maxPerUser int

	mu        sync.RWMutex
	conns     map[string]*Conn
	byUser    map[string]map[string]*Conn
	byTenant  map[string]map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
	seq       uint64
}

// New builds an empty registry.
func New(cfg Config, log *zap.Logger) *Registry {
	return &Registry{
		log:        log.With(zap.String("component", "registry")),
		maxPerUser: cfg.MaxConnsPerUser,
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		byTenant:   make(map[string]map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		connRooms:  make(map[string]map[string]struct{}),
	}
}

func userKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Add registers a connection. When the owning user is at the connection
// cap, the user's connection with the oldest LastSeen is evicted and closed
// with connection_replaced; eviction and admission happen under one lock so
// the cap holds at every observable moment.
func (r *Registry) Add(c *Conn) error {
	var evicted *Conn

	r.mu.Lock()
	if _, exists := r.conns[c.ID]; exists {
		r.mu.Unlock()
		return errors.Wrap(errors.ErrDuplicateConnection, c.ID)
	}
	key := userKey(c.TenantID, c.UserID)
	if r.maxPerUser > 0 && len(r.byUser[key]) >= r.maxPerUser {
		evicted = r.oldestLocked(key)
		if evicted != nil {
			r.removeLocked(evicted.ID)
		}
	}
	r.seq++
	c.seq = r.seq
	r.conns[c.ID] = c
	if r.byUser[key] == nil {
		r.byUser[key] = make(map[string]*Conn)
	}
	r.byUser[key][c.ID] = c
	if r.byTenant[c.TenantID] == nil {
		r.byTenant[c.TenantID] = make(map[string]*Conn)
	}
	r.byTenant[c.TenantID][c.ID] = c
	r.mu.Unlock()

	if evicted != nil {
		r.log.Info("evicted connection at per-user cap",
			zap.String("tenant_id", c.TenantID),
			zap.String("user_id", c.UserID),
			zap.String("evicted_conn_id", evicted.ID),
			zap.String("conn_id", c.ID))
		evicted.CloseWithReason(event.CloseConnectionReplaced)
	}
	return nil
}

// oldestLocked picks the user's connection with the oldest LastSeen,
// breaking ties by admission order.
func (r *Registry) oldestLocked(key string) *Conn {
	var oldest *Conn
	for _, c := range r.byUser[key] {
		if oldest == nil {
			oldest = c
			continue
		}
		cs, os := c.LastSeen(), oldest.LastSeen()
		if cs.Before(os) || (cs.Equal(os) && c.seq < oldest.seq) {
			oldest = c
		}
	}
	return oldest
}

// Remove unlinks a connection from every index and every room. Unknown ids
// are a no-op, so teardown paths can call it unconditionally.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	r.removeLocked(connID)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	key := userKey(c.TenantID, c.UserID)
	if set := r.byUser[key]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, key)
		}
	}
	if set := r.byTenant[c.TenantID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byTenant, c.TenantID)
		}
	}
	for room := range r.connRooms[connID] {
		if members := r.rooms[room]; members != nil {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.connRooms, connID)
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ByUser returns a snapshot of the user's live connections.
func (r *Registry) ByUser(tenantID, userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userKey(tenantID, userID)])
}

// ByTenant returns a snapshot of the tenant's live connections.
func (r *Registry) ByTenant(tenantID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byTenant[tenantID])
}

// Touch records inbound activity on a connection. Unknown ids are a no-op.
func (r *Registry) Touch(connID string, at time.Time) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		c.touch(at)
	}
}

// SweepStale removes and returns every connection whose last activity lags
// now by more than olderThan. The caller closes them.
func (r *Registry) SweepStale(olderThan time.Duration) []*Conn {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	var stale []*Conn
	for id, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		r.log.Info("swept stale connections", zap.Int("count", len(stale)))
	}
	return stale
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of distinct users online in a tenant.
func (r *Registry) UserCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range r.byTenant[tenantID] {
		seen[c.UserID] = struct{}{}
	}
	return len(seen)
}

// Stats is a point-in-time summary for the ops surface.
type Stats struct {
	Connections int `json:"connections"`
	Tenants     int `json:"tenants"`
	Rooms       int `json:"rooms"`
}

// Snapshot returns current registry counts.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.conns),
		Tenants:     len(r.byTenant),
		Rooms:       len(r.rooms),
	}
}

func snapshot(set map[string]*Conn) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
