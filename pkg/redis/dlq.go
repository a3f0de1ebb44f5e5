package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DLQ is a dead-letter queue backed by a capped Redis stream. Events that
// fail processing land here with enough context to be redriven later.
type DLQ struct {
	client *Client
	stream string
	maxLen int64
	log    *zap.Logger
}

// DLQEntry is one dead-lettered event.
type DLQEntry struct {
	ID       string
	Stage    string
	Platform string
	TenantID string
	Body     []byte
	Error    string
	Attempts int
}

// NewDLQ creates a DLQ on the given stream, trimmed to maxLen entries.
func NewDLQ(client *Client, stream string, maxLen int64, log *zap.Logger) *DLQ {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &DLQ{
		client: client,
		stream: stream,
		maxLen: maxLen,
		log:    log.With(zap.String("component", "dlq"), zap.String("stream", stream)),
	}
}

// Add appends an entry to the stream. The stream is trimmed approximately
// so a flood of failures cannot grow Redis without bound.
func (q *DLQ) Add(ctx context.Context, e DLQEntry) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"stage":     e.Stage,
			"platform":  e.Platform,
			"tenant_id": e.TenantID,
			"body":      string(e.Body),
			"error":     e.Error,
			"attempts":  strconv.Itoa(e.Attempts),
		},
	}).Result()
	if err != nil {
		q.log.Error("failed to append to dead letter stream", zap.Error(err), zap.String("stage", e.Stage))
		return err
	}
	return nil
}

// List returns up to count entries from the head of the stream, oldest first.
func (q *DLQ) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	msgs, err := q.client.XRangeN(ctx, q.stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryFromValues(m.ID, m.Values))
	}
	return entries, nil
}

// Len returns the number of entries in the stream.
func (q *DLQ) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Ack removes a processed entry from the stream.
func (q *DLQ) Ack(ctx context.Context, id string) error {
	return q.client.XDel(ctx, q.stream, id).Err()
}

// Purge drops the whole stream.
func (q *DLQ) Purge(ctx context.Context) error {
	return q.client.Del(ctx, q.stream).Err()
}

func entryFromValues(id string, values map[string]interface{}) DLQEntry {
	e := DLQEntry{ID: id}
	if v, ok := values["stage"].(string); ok {
		e.Stage = v
	}
	if v, ok := values["platform"].(string); ok {
		e.Platform = v
	}
	if v, ok := values["tenant_id"].(string); ok {
		e.TenantID = v
	}
	if v, ok := values["body"].(string); ok {
		e.Body = []byte(v)
	}
	if v, ok := values["error"].(string); ok {
		e.Error = v
	}
	if v, ok := values["attempts"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Attempts = n
		}
	}
	return e
}
