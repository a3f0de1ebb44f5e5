package broker

import (
	"context"

	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// dispatchPayload decodes a consumed payload and routes it to the handler.
// Malformed payloads are counted and dropped, never fatal: one bad producer
// must not take down the subscriber loop.
func dispatchPayload(ctx context.Context, h Handler, channel string, payload []byte, log *zap.Logger) {
	metrics.BrokerConsumeTotal.WithLabelValues(channel).Inc()
	switch channel {
	case ChannelRoom:
		env, err := decodeRoomEnvelope(payload)
		if err != nil {
			dropMalformed(channel, err, log)
			return
		}
		h.HandleRoom(ctx, env)
	case ChannelTenant:
		env, err := decodeTenantEnvelope(payload)
		if err != nil {
			dropMalformed(channel, err, log)
			return
		}
		h.HandleTenant(ctx, env)
	case ChannelUser:
		env, err := decodeUserEnvelope(payload)
		if err != nil {
			dropMalformed(channel, err, log)
			return
		}
		h.HandleUser(ctx, env)
	default:
		log.Warn("payload on unexpected channel", zap.String("channel", channel))
	}
}

func dropMalformed(channel string, err error, log *zap.Logger) {
	metrics.BrokerMalformedTotal.WithLabelValues(channel).Inc()
	log.Warn("dropping malformed broker payload", zap.String("channel", channel), zap.Error(err))
}
