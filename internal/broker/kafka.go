package broker

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// KafkaConfig parameterizes the Kafka backend.
type KafkaConfig struct {
	Brokers []string
	// InstanceID seeds a per-instance consumer group. Each instance must
	// consume every envelope, so instances never share a group.
	InstanceID string
}

// KafkaBroker propagates envelopes over one topic per channel. Messages are
// keyed by tenant id, which keeps per-tenant ordering within a topic.
type KafkaBroker struct {
	cfg     KafkaConfig
	writers map[string]*kafka.Writer
	log     *zap.Logger
}

// topicForChannel maps a channel name to a legal Kafka topic name.
func topicForChannel(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// NewKafkaBroker builds writers for the three channels. Readers are created
// on Subscribe.
func NewKafkaBroker(cfg KafkaConfig, log *zap.Logger) *KafkaBroker {
	writers := make(map[string]*kafka.Writer, 3)
	for _, channel := range []string{ChannelRoom, ChannelTenant, ChannelUser} {
		writers[channel] = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    topicForChannel(channel),
			Balancer: &kafka.Hash{},
		}
	}
	return &KafkaBroker{
		cfg:     cfg,
		writers: writers,
		log:     log.With(zap.String("component", "broker"), zap.String("backend", "kafka")),
	}
}

func (b *KafkaBroker) PublishRoom(ctx context.Context, env *RoomEnvelope) error {
	return b.publish(ctx, ChannelRoom, env.TenantID, env)
}

func (b *KafkaBroker) PublishTenant(ctx context.Context, env *TenantEnvelope) error {
	return b.publish(ctx, ChannelTenant, env.TenantID, env)
}

func (b *KafkaBroker) PublishUser(ctx context.Context, env *UserEnvelope) error {
	return b.publish(ctx, ChannelUser, env.TenantID, env)
}

func (b *KafkaBroker) publish(ctx context.Context, channel, key string, env interface{}) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	if err := b.writers[channel].WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		metrics.BrokerPublishFailures.WithLabelValues(channel).Inc()
		return errors.Wrap(err, "publishing to "+channel)
	}
	metrics.BrokerPublishTotal.WithLabelValues(channel).Inc()
	return nil
}

// Subscribe runs one reader per channel until ctx is done.
func (b *KafkaBroker) Subscribe(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, channel := range []string{ChannelRoom, ChannelTenant, ChannelUser} {
		channel := channel
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: b.cfg.Brokers,
			Topic:   topicForChannel(channel),
			GroupID: "driftdesk-" + b.cfg.InstanceID,
		})
		g.Go(func() error {
			defer func() {
				if err := reader.Close(); err != nil {
					b.log.Warn("failed to close kafka reader", zap.Error(err))
				}
			}()
			for {
				m, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					b.log.Warn("kafka read failed, retrying", zap.String("channel", channel), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					continue
				}
				dispatchPayload(ctx, h, channel, m.Value, b.log)
			}
		})
	}
	return g.Wait()
}

func (b *KafkaBroker) Close() error {
	var firstErr error
	for channel, w := range b.writers {
		if err := w.Close(); err != nil {
			b.log.Warn("failed to close kafka writer", zap.String("channel", channel), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
