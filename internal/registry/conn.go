// Package registry holds the instance-local index of live realtime
// connections and their room membership. It is constructed once at startup
// and injected into the gateway and the broadcast fabric.
package registry

import (
	"sync"
	"time"

	"github.com/driftdesk/driftdesk/internal/event"
)

// Sender is the transport half of a connection. The gateway's client
// implements it; tests substitute fakes.
type Sender interface {
	// Enqueue places an event on the connection's outbound queue without
	// blocking. It returns an error when the queue is full or closed.
	Enqueue(ev *event.ServerEvent) error
	// CloseWithReason tears the connection down, sending the mapped close
	// code. It must be idempotent.
	CloseWithReason(reason event.CloseReason)
}

// Conn is the registry's view of one live connection.
type Conn struct {
	ID       string
	TenantID string
	UserID   string

	sender Sender

	mu       sync.RWMutex
	lastSeen time.Time
	seq      uint64
}

// NewConn wraps a transport in registry bookkeeping.
func NewConn(id, tenantID, userID string, sender Sender) *Conn {
	return &Conn{
		ID:       id,
		TenantID: tenantID,
		UserID:   userID,
		sender:   sender,
		lastSeen: time.Now(),
	}
}

// Send enqueues an event for delivery. Never blocks.
func (c *Conn) Send(ev *event.ServerEvent) error {
	return c.sender.Enqueue(ev)
}

// CloseWithReason tears the connection down.
func (c *Conn) CloseWithReason(reason event.CloseReason) {
	c.sender.CloseWithReason(reason)
}

// LastSeen returns the time of the last inbound frame.
func (c *Conn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// touch advances lastSeen. It never moves the clock backwards, so a late
// sweep read racing a fresh frame cannot mark the connection stale.
func (c *Conn) touch(at time.Time) {
	c.mu.Lock()
	if at.After(c.lastSeen) {
		c.lastSeen = at
	}
	c.mu.Unlock()
}
