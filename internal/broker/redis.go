package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

// RedisBroker propagates envelopes over Redis pub/sub. This is the default
// backend: every instance subscribes to the three channels and publishes to
// all of them.
type RedisBroker struct {
	client *redispkg.Client
	log    *zap.Logger
}

// NewRedisBroker wraps an established Redis client.
func NewRedisBroker(client *redispkg.Client, log *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    log.With(zap.String("component", "broker"), zap.String("backend", "redis")),
	}
}

func (b *RedisBroker) PublishRoom(ctx context.Context, env *RoomEnvelope) error {
	return b.publish(ctx, ChannelRoom, env)
}

func (b *RedisBroker) PublishTenant(ctx context.Context, env *TenantEnvelope) error {
	return b.publish(ctx, ChannelTenant, env)
}

func (b *RedisBroker) PublishUser(ctx context.Context, env *UserEnvelope) error {
	return b.publish(ctx, ChannelUser, env)
}

func (b *RedisBroker) publish(ctx context.Context, channel string, env interface{}) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(channel).Inc()
		return errors.Wrap(err, "publishing to "+channel)
	}
	metrics.BrokerPublishTotal.WithLabelValues(channel).Inc()
	return nil
}

// Subscribe consumes the three channels until ctx is done. Receive errors
// trigger capped exponential backoff and a retry rather than a crash; the
// pubsub connection re-establishes itself underneath.
func (b *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, ChannelRoom, ChannelTenant, ChannelUser)
	defer func() {
		if err := sub.Close(); err != nil {
			b.log.Warn("failed to close pubsub", zap.Error(err))
		}
	}()

	b.log.Info("subscribed to broadcast channels")
	for {
		msg, err := b.receive(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		dispatchPayload(ctx, h, msg.Channel, []byte(msg.Payload), b.log)
	}
}

func (b *RedisBroker) receive(ctx context.Context, sub *redis.PubSub) (*redis.Message, error) {
	var msg *redis.Message
	operation := func() error {
		m, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			b.log.Warn("pubsub receive failed, retrying", zap.Error(err))
			return err
		}
		msg = m
		return nil
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *RedisBroker) Close() error {
	// The redis client is shared and closed by its owner.
	return nil
}
