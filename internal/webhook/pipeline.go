package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/internal/platform"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/internal/repository"
	"github.com/driftdesk/driftdesk/internal/secrets"
	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/metrics"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

// Broadcaster is the slice of the fabric the pipeline publishes through.
type Broadcaster interface {
	ToRoom(ctx context.Context, tenantID, room string, ev *event.ServerEvent, excludeConnID string)
	ToTenant(ctx context.Context, tenantID string, ev *event.ServerEvent, excludeConnID string)
}

// DeadLetter receives payloads the pipeline could not process. A nil
// dead letter disables queueing; failures are still counted and logged.
type DeadLetter interface {
	Add(ctx context.Context, e redispkg.DLQEntry) error
}

// Config tunes pipeline behavior.
type Config struct {
	// AllowUnverified is the global escape hatch for channels that opted
	// out of signature verification. Both switches must be set for a
	// payload to skip verification.
	AllowUnverified bool
}

// Pipeline processes webhook POSTs end to end: route, verify,
// materialize, broadcast. Every failure is swallowed into metrics, logs,
// and the dead letter queue; the HTTP layer acknowledges regardless.
type Pipeline struct {
	cfg      Config
	db       *sql.DB
	channels *repository.ChannelRepo
	contacts *repository.ContactRepo
	convs    *repository.ConversationRepo
	messages *repository.MessageRepo
	secrets  *secrets.Store
	fabric   Broadcaster
	dlq      DeadLetter
	enricher *platform.Enricher
	tracer   trace.Tracer
	log      *zap.Logger
}

// New builds a pipeline over the shared repository base.
func New(cfg Config, base *repository.BaseRepository, secretStore *secrets.Store, fabric Broadcaster, dlq DeadLetter, enricher *platform.Enricher, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		db:       base.GetDB(),
		channels: repository.NewChannelRepo(base),
		contacts: repository.NewContactRepo(base),
		convs:    repository.NewConversationRepo(base),
		messages: repository.NewMessageRepo(base),
		secrets:  secretStore,
		fabric:   fabric,
		dlq:      dlq,
		enricher: enricher,
		tracer:   otel.Tracer("driftdesk/webhook"),
		log:      log.With(zap.String("component", "webhook")),
	}
}

// VerifyToken reports whether a subscription verify token is valid for
// the platform, consulting the secrets file first and then active
// channel records.
func (p *Pipeline) VerifyToken(ctx context.Context, platformName, token string) bool {
	if p.secrets != nil && p.secrets.TokenMatches(platformName, token) {
		return true
	}
	ok, err := p.channels.VerifyTokenMatches(ctx, platformName, token)
	if err != nil {
		p.log.Warn("verify token lookup failed", zap.String("platform", platformName), zap.Error(err))
		return false
	}
	return ok
}

// Process runs one POST through the pipeline. The returned error is
// non-nil only when the payload failed signature verification, which is
// the one outcome the HTTP layer reports back to the platform. Every
// other failure is handled internally so the caller can acknowledge
// unconditionally. Nothing is persisted or broadcast before the
// signature verifies.
func (p *Pipeline) Process(ctx context.Context, platformName string, body []byte, signatureHeader string) error {
	ctx, span := p.tracer.Start(ctx, "webhook.process",
		trace.WithAttributes(attribute.String("platform", platformName)))
	defer span.End()
	metrics.WebhookStageTotal.WithLabelValues("received", "ok").Inc()

	intake, err := ParseEnvelope(body)
	if err != nil {
		p.unroutable(ctx, platformName, body, err)
		return nil
	}
	if intake.Empty() {
		// Subscription pings and field updates we do not consume.
		metrics.WebhookStageTotal.WithLabelValues("route", "empty").Inc()
		return nil
	}

	platformChannelID := intake.PrimaryChannelID()
	if platformChannelID == "" {
		p.unroutable(ctx, platformName, body, errors.Wrap(errors.ErrUnroutableEvent, "no channel id in envelope"))
		return nil
	}

	ch, err := p.channels.GetByPlatformID(ctx, p.db, platformName, platformChannelID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			p.unroutable(ctx, platformName, body, errors.Wrap(errors.ErrUnroutableEvent, "unknown channel "+platformChannelID))
			return nil
		}
		metrics.WebhookStageTotal.WithLabelValues("route", "error").Inc()
		p.log.Warn("channel resolution failed", zap.String("platform", platformName), zap.Error(err))
		p.deadLetter(ctx, redispkg.DLQEntry{Stage: "route", Platform: platformName, Body: body, Error: err.Error()})
		return nil
	}
	metrics.WebhookStageTotal.WithLabelValues("route", "ok").Inc()

	if err := p.verifyPayload(ch, platformName, platformChannelID, body, signatureHeader); err != nil {
		return err
	}

	if err := p.materializeItems(ctx, platformName, intake); err != nil {
		metrics.WebhookStageTotal.WithLabelValues("materialize", "fail").Inc()
		p.log.Warn("webhook materialization failed",
			zap.String("platform", platformName),
			zap.String("tenant_id", ch.TenantID),
			zap.Error(err))
		p.deadLetter(ctx, redispkg.DLQEntry{
			Stage:    "materialize",
			Platform: platformName,
			TenantID: ch.TenantID,
			Body:     body,
			Error:    err.Error(),
		})
	}
	return nil
}

// Reprocess re-runs routing and materialization for a dead-lettered
// body. Signature verification is not repeated: dead letters exist past
// acceptance, and secrets may have rotated since.
func (p *Pipeline) Reprocess(ctx context.Context, platformName string, body []byte) error {
	intake, err := ParseEnvelope(body)
	if err != nil {
		return err
	}
	if intake.Empty() {
		return nil
	}
	platformChannelID := intake.PrimaryChannelID()
	if platformChannelID == "" {
		return errors.Wrap(errors.ErrUnroutableEvent, "no channel id in envelope")
	}
	if _, err := p.channels.GetByPlatformID(ctx, p.db, platformName, platformChannelID); err != nil {
		return err
	}
	return p.materializeItems(ctx, platformName, intake)
}

// verifyPayload enforces the signature policy for a resolved channel.
// A non-nil return means the payload must not be processed; the reason
// is already counted and logged.
func (p *Pipeline) verifyPayload(ch *repository.Channel, platformName, platformChannelID string, body []byte, header string) error {
	secret, verify := p.resolveSecret(ch, platformName, platformChannelID)
	if !verify {
		metrics.WebhookStageTotal.WithLabelValues("signature", "skipped").Inc()
		return nil
	}
	if secret == "" {
		metrics.WebhookStageTotal.WithLabelValues("signature", "misconfigured").Inc()
		p.log.Error("channel requires signature verification but has no app secret",
			zap.String("tenant_id", ch.TenantID),
			zap.String("channel_id", ch.ID))
		return errors.ErrChannelMisconfigured
	}
	if err := VerifySignature(header, body, secret); err != nil {
		metrics.WebhookSignatureFailures.Inc()
		metrics.WebhookStageTotal.WithLabelValues("signature", "fail").Inc()
		p.log.Warn("webhook signature rejected",
			zap.String("tenant_id", ch.TenantID),
			zap.String("channel_id", ch.ID))
		return err
	}
	metrics.WebhookStageTotal.WithLabelValues("signature", "ok").Inc()
	return nil
}

// resolveSecret returns the signing secret, preferring the hot-reloaded
// file over the channel row, and whether verification is required.
// Skipping requires both the channel opt-out and the global escape hatch.
func (p *Pipeline) resolveSecret(ch *repository.Channel, platformName, platformChannelID string) (string, bool) {
	secret := ch.AppSecret
	if p.secrets != nil {
		if sec, ok := p.secrets.Lookup(platformName, platformChannelID); ok && sec.AppSecret != "" {
			secret = sec.AppSecret
		}
	}
	if !ch.VerifySignatures && p.cfg.AllowUnverified {
		return secret, false
	}
	return secret, true
}

func (p *Pipeline) materializeItems(ctx context.Context, platformName string, intake *Intake) error {
	ctx, span := p.tracer.Start(ctx, "webhook.materialize",
		trace.WithAttributes(
			attribute.Int("messages", len(intake.Messages)),
			attribute.Int("statuses", len(intake.Statuses)),
		))
	defer span.End()

	var firstErr error
	for i := range intake.Messages {
		if err := p.processMessage(ctx, platformName, &intake.Messages[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range intake.Statuses {
		if err := p.processStatus(ctx, platformName, &intake.Statuses[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return firstErr
}

// processMessage materializes one inbound message in a single
// transaction and broadcasts after commit. Redelivered messages are
// absorbed by the insert's idempotency and broadcast nothing.
func (p *Pipeline) processMessage(ctx context.Context, platformName string, m *InboundMessage) error {
	start := time.Now()
	var (
		ch      *repository.Channel
		contact *repository.Contact
		conv    *repository.Conversation
		msg     *repository.Message
		created bool
	)

	op := func() error {
		return repository.WithTransaction(ctx, p.db, func(tx *sql.Tx) error {
			var err error
			ch, err = p.channels.GetByPlatformID(ctx, tx, platformName, m.PlatformChannelID)
			if err != nil {
				return err
			}
			contact, err = p.contacts.Upsert(ctx, tx, &repository.Contact{
				TenantID:       ch.TenantID,
				ChannelID:      ch.ID,
				PlatformUserID: m.PlatformUserID,
				DisplayName:    m.ContactName,
			})
			if err != nil {
				return err
			}
			conv, err = p.convs.FindOrCreate(ctx, tx, ch.TenantID, ch.ID, contact.ID, m.SentAt)
			if err != nil {
				return err
			}
			msg = &repository.Message{
				ConversationID:    conv.ID,
				Direction:         "inbound",
				SenderID:          contact.ID,
				Kind:              m.Kind,
				Body:              messageBody(m),
				PlatformMessageID: m.PlatformMessageID,
				SentAt:            m.SentAt,
			}
			created, err = p.messages.Insert(ctx, tx, msg)
			return err
		})
	}

	if err := p.retry(ctx, op); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			p.itemUnroutable(platformName, m.PlatformChannelID)
			return nil
		}
		return err
	}

	if !created {
		metrics.WebhookDuplicatesTotal.Inc()
		metrics.WebhookStageTotal.WithLabelValues("materialize", "duplicate").Inc()
		p.log.Debug("duplicate platform message skipped",
			zap.String("platform_message_id", m.PlatformMessageID),
			zap.String("conversation_id", conv.ID))
		return nil
	}
	metrics.WebhookStageTotal.WithLabelValues("materialize", "ok").Inc()
	metrics.MaterializeDuration.Observe(time.Since(start).Seconds())

	p.broadcastMessage(ctx, ch, conv, msg, m)
	p.enricher.EnrichAsync(platformName, m.PlatformUserID, contact.ID)
	return nil
}

// processStatus applies one delivery receipt. Receipts that match no
// message or arrive out of order are no-ops by design.
func (p *Pipeline) processStatus(ctx context.Context, platformName string, st *StatusUpdate) error {
	ch, err := p.channels.GetByPlatformID(ctx, p.db, platformName, st.PlatformChannelID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			p.itemUnroutable(platformName, st.PlatformChannelID)
			return nil
		}
		return err
	}

	if st.Watermark.IsZero() {
		change, err := p.messages.UpdateStatus(ctx, p.db, ch.ID, st.PlatformMessageID, st.Status, st.Detail)
		if err != nil {
			return p.statusOutcome(err, st)
		}
		metrics.WebhookStageTotal.WithLabelValues("status", "ok").Inc()
		p.broadcastStatus(ctx, ch.TenantID, change, st.Detail)
		return nil
	}

	changes, err := p.messages.UpdateStatusByWatermark(ctx, p.db, ch.ID, st.PlatformUserID, st.Watermark, st.Status)
	if err != nil {
		return p.statusOutcome(err, st)
	}
	if len(changes) == 0 {
		metrics.WebhookStageTotal.WithLabelValues("status", "noop").Inc()
		return nil
	}
	metrics.WebhookStageTotal.WithLabelValues("status", "ok").Inc()
	for _, change := range changes {
		p.broadcastStatus(ctx, ch.TenantID, change, st.Detail)
	}
	return nil
}

// statusOutcome maps repository errors from a status update to pipeline
// behavior: stale and unknown receipts are no-ops, invalid status
// strings are logged and dropped, everything else propagates.
func (p *Pipeline) statusOutcome(err error, st *StatusUpdate) error {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		metrics.WebhookStageTotal.WithLabelValues("status", "noop").Inc()
		p.log.Debug("status receipt matched no message",
			zap.String("platform_message_id", st.PlatformMessageID),
			zap.String("status", st.Status))
		return nil
	case errors.Is(err, errors.ErrInvalidInput):
		metrics.WebhookStageTotal.WithLabelValues("status", "invalid").Inc()
		p.log.Warn("platform sent unknown delivery status", zap.String("status", st.Status))
		return nil
	default:
		metrics.WebhookStageTotal.WithLabelValues("status", "fail").Inc()
		return err
	}
}

func (p *Pipeline) broadcastMessage(ctx context.Context, ch *repository.Channel, conv *repository.Conversation, msg *repository.Message, m *InboundMessage) {
	room := registry.RoomKey(conv.ID)
	p.fabric.ToRoom(ctx, ch.TenantID, room, &event.ServerEvent{
		Type: event.ServerMessageCreated,
		Data: event.MessageCreatedData{
			ConversationID:    conv.ID,
			MessageID:         msg.ID,
			PlatformMessageID: msg.PlatformMessageID,
			Direction:         msg.Direction,
			SenderID:          msg.SenderID,
			Kind:              msg.Kind,
			Text:              m.Text,
			SentAt:            msg.SentAt,
		},
	}, "")
	p.fabric.ToTenant(ctx, ch.TenantID, &event.ServerEvent{
		Type: event.ServerConversationUpdated,
		Data: event.ConversationUpdatedData{
			ConversationID: conv.ID,
			ChannelID:      ch.ID,
			Status:         conv.Status,
			LastActivityAt: conv.LastActivityAt,
			Preview:        preview(m.Text),
			UnreadDelta:    1,
		},
	}, "")
	metrics.WebhookStageTotal.WithLabelValues("broadcast", "ok").Inc()
}

func (p *Pipeline) broadcastStatus(ctx context.Context, tenantID string, change *repository.StatusChange, detail string) {
	p.fabric.ToRoom(ctx, tenantID, registry.RoomKey(change.ConversationID), &event.ServerEvent{
		Type: event.ServerMessageStatus,
		Data: event.MessageStatusData{
			ConversationID: change.ConversationID,
			MessageID:      change.MessageID,
			Status:         change.Status,
			Detail:         detail,
		},
	}, "")
}

func (p *Pipeline) unroutable(ctx context.Context, platformName string, body []byte, err error) {
	metrics.WebhookUnroutableTotal.Inc()
	metrics.WebhookStageTotal.WithLabelValues("route", "unroutable").Inc()
	p.log.Warn("unroutable webhook payload",
		zap.String("platform", platformName),
		zap.Error(err))
	p.deadLetter(ctx, redispkg.DLQEntry{
		Stage:    "route",
		Platform: platformName,
		Body:     body,
		Error:    err.Error(),
	})
}

// itemUnroutable covers envelopes whose individual entries address a
// channel other than the one the POST resolved to.
func (p *Pipeline) itemUnroutable(platformName, platformChannelID string) {
	metrics.WebhookUnroutableTotal.Inc()
	p.log.Warn("webhook entry addresses unknown channel",
		zap.String("platform", platformName),
		zap.String("platform_channel_id", platformChannelID))
}

func (p *Pipeline) deadLetter(ctx context.Context, e redispkg.DLQEntry) {
	if p.dlq == nil {
		return
	}
	if err := p.dlq.Add(ctx, e); err != nil {
		p.log.Error("failed to dead letter webhook payload", zap.Error(err))
	}
}

// retry runs op up to twice, backing off between attempts. Only
// transaction livelock errors retry; anything else is permanent.
func (p *Pipeline) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !retryableTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
}

// retryableTxError matches Postgres serialization failures and
// deadlocks, which resolve on a clean rerun.
func retryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func messageBody(m *InboundMessage) map[string]interface{} {
	body := map[string]interface{}{}
	if m.Text != "" {
		body["text"] = m.Text
	}
	return body
}

// preview trims message text for inbox listings.
func preview(text string) string {
	const max = 120
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
