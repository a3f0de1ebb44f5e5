// Package broadcast is the fan-out fabric: local delivery through the
// connection registry plus cross-instance propagation through the broker.
package broadcast

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/broker"
	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/pkg/json"
	"github.com/driftdesk/driftdesk/pkg/metrics"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

// DeadLetter receives envelopes that could not reach the broker. Satisfied
// by the Redis stream DLQ; nil disables dead lettering.
type DeadLetter interface {
	Add(ctx context.Context, e redispkg.DLQEntry) error
}

// Fabric delivers events to local connections synchronously and to other
// instances through the broker. It also implements broker.Handler for
// intake: envelopes from other instances are re-delivered locally only,
// never re-published, so no event loops or amplifies.
type Fabric struct {
	originID string
	reg      *registry.Registry
	broker   broker.Broker
	dlq      DeadLetter
	tracer   trace.Tracer
	log      *zap.Logger
}

// New builds a fabric. originID is this instance's id; intake drops
// envelopes carrying it, which is what makes delivery exactly-once per
// connection.
func New(originID string, reg *registry.Registry, b broker.Broker, dlq DeadLetter, log *zap.Logger) *Fabric {
	return &Fabric{
		originID: originID,
		reg:      reg,
		broker:   b,
		dlq:      dlq,
		tracer:   otel.Tracer("driftdesk/broadcast"),
		log:      log.With(zap.String("component", "broadcast")),
	}
}

// Run subscribes the fabric to the broker until ctx is done.
func (f *Fabric) Run(ctx context.Context) error {
	return f.broker.Subscribe(ctx, f)
}

// ToRoom delivers to every local member of the room except excludeConnID,
// then publishes for the other instances. Fire and forget: a broker outage
// degrades to local-only delivery and is observable, never fatal.
func (f *Fabric) ToRoom(ctx context.Context, tenantID, room string, ev *event.ServerEvent, excludeConnID string) {
	f.deliver(f.reg.RoomMembers(room), ev, excludeConnID)
	env := &broker.RoomEnvelope{
		OriginID:      f.originID,
		TenantID:      tenantID,
		Room:          room,
		ExcludeConnID: excludeConnID,
		Event:         ev,
	}
	if err := f.publish(ctx, broker.ChannelRoom, func(ctx context.Context) error {
		return f.broker.PublishRoom(ctx, env)
	}); err != nil {
		f.publishFailed(ctx, broker.ChannelRoom, tenantID, env, err)
	}
}

// ToTenant delivers to every local connection of the tenant except
// excludeConnID, then publishes.
func (f *Fabric) ToTenant(ctx context.Context, tenantID string, ev *event.ServerEvent, excludeConnID string) {
	f.deliver(f.reg.ByTenant(tenantID), ev, excludeConnID)
	env := &broker.TenantEnvelope{
		OriginID:      f.originID,
		TenantID:      tenantID,
		ExcludeConnID: excludeConnID,
		Event:         ev,
	}
	if err := f.publish(ctx, broker.ChannelTenant, func(ctx context.Context) error {
		return f.broker.PublishTenant(ctx, env)
	}); err != nil {
		f.publishFailed(ctx, broker.ChannelTenant, tenantID, env, err)
	}
}

// ToUser delivers to every local connection of the user, then publishes.
func (f *Fabric) ToUser(ctx context.Context, tenantID, userID string, ev *event.ServerEvent) {
	f.deliver(f.reg.ByUser(tenantID, userID), ev, "")
	env := &broker.UserEnvelope{OriginID: f.originID, TenantID: tenantID, UserID: userID, Event: ev}
	if err := f.publish(ctx, broker.ChannelUser, func(ctx context.Context) error {
		return f.broker.PublishUser(ctx, env)
	}); err != nil {
		f.publishFailed(ctx, broker.ChannelUser, tenantID, env, err)
	}
}

// publish wraps one broker publish in a producer span. With tracing
// disabled the tracer is a noop and this is free.
func (f *Fabric) publish(ctx context.Context, channel string, fn func(context.Context) error) error {
	ctx, span := f.tracer.Start(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", channel)))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// HandleRoom re-delivers a foreign room envelope locally.
func (f *Fabric) HandleRoom(_ context.Context, env *broker.RoomEnvelope) {
	if env.OriginID == f.originID {
		return
	}
	f.deliver(f.reg.RoomMembers(env.Room), env.Event, env.ExcludeConnID)
}

// HandleTenant re-delivers a foreign tenant envelope locally.
func (f *Fabric) HandleTenant(_ context.Context, env *broker.TenantEnvelope) {
	if env.OriginID == f.originID {
		return
	}
	f.deliver(f.reg.ByTenant(env.TenantID), env.Event, env.ExcludeConnID)
}

// HandleUser re-delivers a foreign user envelope locally.
func (f *Fabric) HandleUser(_ context.Context, env *broker.UserEnvelope) {
	if env.OriginID == f.originID {
		return
	}
	f.deliver(f.reg.ByUser(env.TenantID, env.UserID), env.Event, "")
}

// deliver enqueues the event on each connection. A full queue means the
// client cannot keep up; the connection is closed as a slow consumer
// rather than blocking the whole fan-out.
func (f *Fabric) deliver(conns []*registry.Conn, ev *event.ServerEvent, excludeConnID string) {
	delivered := 0
	for _, c := range conns {
		if excludeConnID != "" && c.ID == excludeConnID {
			continue
		}
		if err := c.Send(ev); err != nil {
			metrics.SendDropsTotal.Inc()
			f.log.Warn("dropping slow consumer",
				zap.String("conn_id", c.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
			c.CloseWithReason(event.CloseSlowConsumer)
			continue
		}
		metrics.EventsOutTotal.WithLabelValues(string(ev.Type)).Inc()
		delivered++
	}
	metrics.BroadcastFanout.Observe(float64(delivered))
}

// publishFailed makes a swallowed broker failure observable: logged,
// counted by the broker, and dead lettered when a DLQ is configured.
func (f *Fabric) publishFailed(ctx context.Context, channel, tenantID string, env interface{}, err error) {
	f.log.Warn("broker publish failed, delivered locally only",
		zap.String("channel", channel),
		zap.String("tenant_id", tenantID),
		zap.Error(err))
	if f.dlq == nil {
		return
	}
	body, merr := json.Marshal(env)
	if merr != nil {
		f.log.Warn("failed to encode envelope for dead letter", zap.Error(merr))
		return
	}
	if derr := f.dlq.Add(ctx, redispkg.DLQEntry{
		Stage:    "broadcast",
		TenantID: tenantID,
		Body:     body,
		Error:    err.Error(),
	}); derr != nil {
		f.log.Warn("failed to dead letter envelope", zap.Error(derr))
	}
}
