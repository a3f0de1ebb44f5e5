// Package broker propagates realtime events between server instances over
// three strongly typed channels: room, tenant, and user. Every backend
// carries the same envelope types; the fabric layer decides what to do with
// them on intake.
package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

// Channel names. Redis uses them verbatim; Kafka and AMQP derive topic and
// exchange names from them.
const (
	ChannelRoom   = "driftdesk:room"
	ChannelTenant = "driftdesk:tenant"
	ChannelUser   = "driftdesk:user"
)

// Handler consumes envelopes taken in from the broker. Implementations must
// not block for long; delivery to slow sockets is already decoupled by
// per-connection queues.
type Handler interface {
	HandleRoom(ctx context.Context, env *RoomEnvelope)
	HandleTenant(ctx context.Context, env *TenantEnvelope)
	HandleUser(ctx context.Context, env *UserEnvelope)
}

// Broker publishes envelopes to all instances and feeds a Handler with
// envelopes published elsewhere. Subscribe blocks until ctx is done.
type Broker interface {
	PublishRoom(ctx context.Context, env *RoomEnvelope) error
	PublishTenant(ctx context.Context, env *TenantEnvelope) error
	PublishUser(ctx context.Context, env *UserEnvelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend      string
	InstanceID   string
	Redis        *redispkg.Client
	KafkaBrokers []string
	AMQPURL      string
}

// New builds the configured backend.
func New(cfg Config, log *zap.Logger) (Broker, error) {
	switch cfg.Backend {
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisBroker(cfg.Redis, log), nil
	case "kafka":
		return NewKafkaBroker(KafkaConfig{Brokers: cfg.KafkaBrokers, InstanceID: cfg.InstanceID}, log), nil
	case "amqp":
		return NewAMQPBroker(AMQPConfig{URL: cfg.AMQPURL, InstanceID: cfg.InstanceID}, log)
	case "memory":
		return NewMemBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}
