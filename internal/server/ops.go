package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/internal/repository"
	"github.com/driftdesk/driftdesk/internal/webhook"
	"github.com/driftdesk/driftdesk/pkg/json"
)

// Purger empties the dead letter stream outright. The Redis DLQ
// implements it; queues without purge support just never expose the
// endpoint.
type Purger interface {
	Purge(ctx context.Context) error
}

// ChannelLister enumerates configured webhook channels.
type ChannelLister interface {
	List(ctx context.Context) ([]*repository.Channel, error)
}

// OpsHandler serves operator endpoints: connection registry stats,
// channel inventory, and dead letter inspection. These live on the app
// port behind whatever network policy fronts it, not on the public
// webhook path.
type OpsHandler struct {
	reg      *registry.Registry
	dlq      webhook.Queue
	redriver *webhook.Redriver
	channels ChannelLister
	log      *zap.Logger
}

func NewOpsHandler(reg *registry.Registry, dlq webhook.Queue, redriver *webhook.Redriver, channels ChannelLister, log *zap.Logger) *OpsHandler {
	return &OpsHandler{
		reg:      reg,
		dlq:      dlq,
		redriver: redriver,
		channels: channels,
		log:      log.With(zap.String("component", "ops")),
	}
}

func (h *OpsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ops/stats", h.handleStats)
	mux.HandleFunc("GET /ops/channels", h.handleChannels)
	mux.HandleFunc("GET /ops/dlq", h.handleDLQList)
	mux.HandleFunc("POST /ops/dlq/redrive", h.handleRedrive)
	mux.HandleFunc("POST /ops/dlq/purge", h.handleDLQPurge)
}

func (h *OpsHandler) handleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reg.Snapshot())
}

// channelView exposes channel configuration without the credentials
// themselves. Operators need to know whether a secret is set, never
// what it is.
type channelView struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	Platform          string `json:"platform"`
	PlatformChannelID string `json:"platform_channel_id"`
	DisplayName       string `json:"display_name"`
	VerifySignatures  bool   `json:"verify_signatures"`
	SecretSet         bool   `json:"secret_set"`
	Active            bool   `json:"active"`
}

func (h *OpsHandler) handleChannels(w http.ResponseWriter, r *http.Request) {
	if h.channels == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "channel store not configured"})
		return
	}
	channels, err := h.channels.List(r.Context())
	if err != nil {
		h.log.Error("failed to list channels", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "channel listing failed"})
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, channelView{
			ID:                ch.ID,
			TenantID:          ch.TenantID,
			Platform:          ch.Platform,
			PlatformChannelID: ch.PlatformChannelID,
			DisplayName:       ch.DisplayName,
			VerifySignatures:  ch.VerifySignatures,
			SecretSet:         ch.AppSecret != "",
			Active:            ch.Active,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"channels": views})
}

// dlqEntryView summarizes a dead letter without dumping its raw body.
type dlqEntryView struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Platform  string `json:"platform"`
	TenantID  string `json:"tenant_id,omitempty"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	BodyBytes int    `json:"body_bytes"`
}

func (h *OpsHandler) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead letter queue not configured"})
		return
	}
	entries, err := h.dlq.List(r.Context(), 100)
	if err != nil {
		h.log.Error("failed to list dead letters", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead letter listing failed"})
		return
	}
	depth, err := h.dlq.Len(r.Context())
	if err != nil {
		h.log.Error("failed to read dead letter depth", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead letter listing failed"})
		return
	}

	views := make([]dlqEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, dlqEntryView{
			ID:        e.ID,
			Stage:     e.Stage,
			Platform:  e.Platform,
			TenantID:  e.TenantID,
			Error:     e.Error,
			Attempts:  e.Attempts,
			BodyBytes: len(e.Body),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"depth":   depth,
		"entries": views,
	})
}

func (h *OpsHandler) handleRedrive(w http.ResponseWriter, r *http.Request) {
	if h.redriver == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "redrive not configured"})
		return
	}
	n, err := h.redriver.RedriveOnce(r.Context())
	if err != nil {
		h.log.Error("manual redrive failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "redrive failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"redriven": n})
}

func (h *OpsHandler) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead letter queue not configured"})
		return
	}
	purger, ok := h.dlq.(Purger)
	if !ok {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "purge not supported"})
		return
	}
	if err := purger.Purge(r.Context()); err != nil {
		h.log.Error("dead letter purge failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	h.log.Warn("dead letter queue purged")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode ops response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
