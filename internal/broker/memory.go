package broker

import (
	"context"
	"sync"

	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// MemBroker is an in-process broker for single-instance deploys and tests.
// Dispatch is synchronous, which keeps fabric tests deterministic; the
// fabric's own-origin drop rule applies to it exactly as to the network
// backends.
type MemBroker struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewMemBroker builds an empty in-process broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{}
}

func (b *MemBroker) PublishRoom(ctx context.Context, env *RoomEnvelope) error {
	metrics.BrokerPublishTotal.WithLabelValues(ChannelRoom).Inc()
	for _, h := range b.snapshot() {
		metrics.BrokerConsumeTotal.WithLabelValues(ChannelRoom).Inc()
		h.HandleRoom(ctx, env)
	}
	return nil
}

func (b *MemBroker) PublishTenant(ctx context.Context, env *TenantEnvelope) error {
	metrics.BrokerPublishTotal.WithLabelValues(ChannelTenant).Inc()
	for _, h := range b.snapshot() {
		metrics.BrokerConsumeTotal.WithLabelValues(ChannelTenant).Inc()
		h.HandleTenant(ctx, env)
	}
	return nil
}

func (b *MemBroker) PublishUser(ctx context.Context, env *UserEnvelope) error {
	metrics.BrokerPublishTotal.WithLabelValues(ChannelUser).Inc()
	for _, h := range b.snapshot() {
		metrics.BrokerConsumeTotal.WithLabelValues(ChannelUser).Inc()
		h.HandleUser(ctx, env)
	}
	return nil
}

// Subscribe registers the handler and blocks until ctx is done.
func (b *MemBroker) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	for i, reg := range b.handlers {
		if reg == h {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return ctx.Err()
}

func (b *MemBroker) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers...)
}

func (b *MemBroker) Close() error {
	return nil
}
