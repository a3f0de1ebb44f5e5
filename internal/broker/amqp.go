package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// AMQPConfig parameterizes the AMQP backend.
type AMQPConfig struct {
	URL        string
	InstanceID string
}

// AMQPBroker propagates envelopes through one fanout exchange per channel.
// Each instance consumes from its own exclusive auto-delete queue, so every
// instance sees every envelope and queues vanish with their instance.
type AMQPBroker struct {
	cfg AMQPConfig
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPBroker dials the server and declares the exchanges.
func NewAMQPBroker(cfg AMQPConfig, log *zap.Logger) (*AMQPBroker, error) {
	b := &AMQPBroker{
		cfg: cfg,
		log: log.With(zap.String("component", "broker"), zap.String("backend", "amqp")),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "dialing amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			b.log.Warn("failed to close amqp connection", zap.Error(cerr))
		}
		return errors.Wrap(err, "opening amqp channel")
	}
	for _, channel := range []string{ChannelRoom, ChannelTenant, ChannelUser} {
		if err := ch.ExchangeDeclare(topicForChannel(channel), "fanout", true, false, false, false, nil); err != nil {
			if cerr := conn.Close(); cerr != nil {
				b.log.Warn("failed to close amqp connection", zap.Error(cerr))
			}
			return errors.Wrap(err, "declaring exchange")
		}
	}

	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.mu.Unlock()
	return nil
}

func (b *AMQPBroker) channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *AMQPBroker) PublishRoom(ctx context.Context, env *RoomEnvelope) error {
	return b.publish(ctx, ChannelRoom, env)
}

func (b *AMQPBroker) PublishTenant(ctx context.Context, env *TenantEnvelope) error {
	return b.publish(ctx, ChannelTenant, env)
}

func (b *AMQPBroker) PublishUser(ctx context.Context, env *UserEnvelope) error {
	return b.publish(ctx, ChannelUser, env)
}

func (b *AMQPBroker) publish(ctx context.Context, channel string, env interface{}) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	ch := b.channel()
	if ch == nil {
		metrics.BrokerPublishFailures.WithLabelValues(channel).Inc()
		return errors.Wrap(errors.ErrUnavailable, "amqp channel not open")
	}
	err = ch.PublishWithContext(ctx, topicForChannel(channel), "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(channel).Inc()
		return errors.Wrap(err, "publishing to "+channel)
	}
	metrics.BrokerPublishTotal.WithLabelValues(channel).Inc()
	return nil
}

// Subscribe consumes until ctx is done, redialing with backoff whenever the
// connection drops.
func (b *AMQPBroker) Subscribe(ctx context.Context, h Handler) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 0

	for {
		err := b.consumeOnce(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := expBackoff.NextBackOff()
		b.log.Warn("amqp consume ended, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := b.connect(); err != nil {
			b.log.Warn("amqp reconnect failed", zap.Error(err))
			continue
		}
		expBackoff.Reset()
	}
}

func (b *AMQPBroker) consumeOnce(ctx context.Context, h Handler) error {
	ch := b.channel()
	if ch == nil {
		return errors.Wrap(errors.ErrUnavailable, "amqp channel not open")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range []string{ChannelRoom, ChannelTenant, ChannelUser} {
		channel := channel
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return errors.Wrap(err, "declaring queue")
		}
		if err := ch.QueueBind(q.Name, "", topicForChannel(channel), false, nil); err != nil {
			return errors.Wrap(err, "binding queue")
		}
		msgs, err := ch.Consume(q.Name, "driftdesk-"+b.cfg.InstanceID+"-"+topicForChannel(channel), true, true, false, false, nil)
		if err != nil {
			return errors.Wrap(err, "consuming queue")
		}
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case d, ok := <-msgs:
					if !ok {
						return fmt.Errorf("amqp deliveries closed for %s", channel)
					}
					dispatchPayload(gctx, h, channel, d.Body, b.log)
				}
			}
		})
	}
	return g.Wait()
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			b.log.Warn("failed to close amqp channel", zap.Error(err))
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
