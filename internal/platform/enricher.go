package platform

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// enrichWorkers caps concurrent profile refreshes so a webhook burst
// cannot pile goroutines onto a struggling directory API.
const enrichWorkers = 4

// ContactWriter is the slice of the contact store enrichment needs.
type ContactWriter interface {
	UpdateProfile(ctx context.Context, contactID, displayName string, profile map[string]interface{}) error
}

// Enricher refreshes stored contacts from the platform directory.
// Everything here is best effort: a failed fetch leaves the contact as
// the webhook described it.
type Enricher struct {
	client   *Client
	contacts ContactWriter
	workers  *errgroup.Group
	log      *zap.Logger
	timeout  time.Duration
}

// NewEnricher wires the directory client to the contact store.
func NewEnricher(client *Client, contacts ContactWriter, log *zap.Logger) *Enricher {
	workers := &errgroup.Group{}
	workers.SetLimit(enrichWorkers)
	return &Enricher{
		client:   client,
		contacts: contacts,
		workers:  workers,
		log:      log.With(zap.String("component", "platform")),
		timeout:  10 * time.Second,
	}
}

// EnrichAsync schedules a refresh on the worker pool and returns
// immediately. With every worker busy the refresh is skipped rather
// than queued; the contact keeps whatever name the webhook carried.
// Safe to call on a nil receiver so callers can leave enrichment
// unwired.
func (e *Enricher) EnrichAsync(platform, platformUserID, contactID string) {
	if e == nil || e.client == nil || !e.client.Enabled() {
		return
	}
	scheduled := e.workers.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.Enrich(ctx, platform, platformUserID, contactID)
		return nil
	})
	if !scheduled {
		e.log.Debug("enrichment workers saturated, skipping profile refresh",
			zap.String("contact_id", contactID))
	}
}

// Enrich fetches the contact's directory profile and writes it back.
// Safe to call on a nil receiver so callers can leave enrichment unwired.
func (e *Enricher) Enrich(ctx context.Context, platform, platformUserID, contactID string) {
	if e == nil || e.client == nil || !e.client.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	profile, err := e.client.FetchProfile(ctx, platform, platformUserID)
	if err != nil {
		e.log.Debug("profile fetch failed",
			zap.String("platform", platform),
			zap.String("platform_user_id", platformUserID),
			zap.Error(err))
		return
	}

	fields := map[string]interface{}{}
	if profile.Locale != "" {
		fields["locale"] = profile.Locale
	}
	if profile.AvatarURL != "" {
		fields["avatar_url"] = profile.AvatarURL
	}

	if err := e.contacts.UpdateProfile(ctx, contactID, profile.Name, fields); err != nil {
		e.log.Warn("failed to store contact profile",
			zap.String("contact_id", contactID),
			zap.Error(err))
	}
}
