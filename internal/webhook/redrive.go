package webhook

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/metrics"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

// Queue is the dead letter surface the redriver drains.
type Queue interface {
	Add(ctx context.Context, e redispkg.DLQEntry) error
	List(ctx context.Context, count int64) ([]redispkg.DLQEntry, error)
	Len(ctx context.Context) (int64, error)
	Ack(ctx context.Context, id string) error
}

// Redriver replays dead-lettered webhook payloads on a cron schedule.
// Entries that keep failing are retired after maxAttempts.
type Redriver struct {
	dlq         Queue
	pipeline    *Pipeline
	cron        *cron.Cron
	maxAttempts int
	batchSize   int64
	log         *zap.Logger
}

func NewRedriver(dlq Queue, p *Pipeline, maxAttempts int, log *zap.Logger) *Redriver {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Redriver{
		dlq:         dlq,
		pipeline:    p,
		maxAttempts: maxAttempts,
		batchSize:   100,
		log:         log.With(zap.String("component", "dlq_redrive")),
	}
}

// Start schedules redrive passes; schedule uses six-field cron syntax.
// The scheduler stops when ctx is canceled.
func (r *Redriver) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.RedriveOnce(ctx); err != nil {
			r.log.Error("dead letter redrive pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid redrive schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	r.log.Info("dead letter redrive scheduled", zap.String("schedule", schedule))
	return nil
}

// RedriveOnce replays one batch and returns how many entries were
// reprocessed successfully.
func (r *Redriver) RedriveOnce(ctx context.Context) (int, error) {
	entries, err := r.dlq.List(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	redriven := 0
	for _, e := range entries {
		outcome := r.redriveEntry(ctx, e)
		metrics.DLQRedriveTotal.WithLabelValues(outcome).Inc()
		if outcome == "ok" {
			redriven++
		}
	}

	if depth, err := r.dlq.Len(ctx); err == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
	if len(entries) > 0 {
		r.log.Info("dead letter redrive pass finished",
			zap.Int("listed", len(entries)),
			zap.Int("redriven", redriven))
	}
	return redriven, nil
}

func (r *Redriver) redriveEntry(ctx context.Context, e redispkg.DLQEntry) string {
	switch e.Stage {
	case "route", "materialize":
	default:
		// Broadcast failures are diagnostic only. Realtime traffic is
		// stale well before a redrive pass reaches it, so replaying
		// would push confusing late events to clients.
		r.ack(ctx, e)
		return "skipped"
	}

	if e.Attempts >= r.maxAttempts {
		r.ack(ctx, e)
		r.log.Warn("dropping dead letter after max attempts",
			zap.String("id", e.ID),
			zap.String("stage", e.Stage),
			zap.Int("attempts", e.Attempts))
		return "dropped"
	}

	if err := r.pipeline.Reprocess(ctx, e.Platform, e.Body); err != nil {
		r.ack(ctx, e)
		e.Attempts++
		e.Error = err.Error()
		if addErr := r.dlq.Add(ctx, e); addErr != nil {
			r.log.Error("failed to requeue dead letter", zap.String("id", e.ID), zap.Error(addErr))
		}
		return "retry"
	}

	r.ack(ctx, e)
	return "ok"
}

func (r *Redriver) ack(ctx context.Context, e redispkg.DLQEntry) {
	if err := r.dlq.Ack(ctx, e.ID); err != nil {
		r.log.Error("failed to ack dead letter", zap.String("id", e.ID), zap.Error(err))
	}
}
