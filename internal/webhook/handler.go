package webhook

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Processor is the pipeline surface the HTTP handler needs. Process
// returns an error only for signature rejection; internal failures are
// its own business.
type Processor interface {
	Process(ctx context.Context, platform string, body []byte, signatureHeader string) error
	VerifyToken(ctx context.Context, platform, token string) bool
}

const maxBodyBytes = 1 << 20

// Handler terminates the platform's webhook HTTP interface: the GET
// subscription handshake and the POST event feed.
type Handler struct {
	pipeline Processor
	log      *zap.Logger
}

func NewHandler(p Processor, log *zap.Logger) *Handler {
	return &Handler{pipeline: p, log: log.With(zap.String("component", "webhook_http"))}
}

// Register mounts the webhook routes. Non-GET, non-POST methods get 405
// from the mux itself.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhooks/{platform}", h.handleVerify)
	mux.HandleFunc("POST /webhooks/{platform}", h.handleEvent)
}

// handleVerify answers the platform's subscription handshake. The
// platform sends hub.mode=subscribe with a verify token and expects the
// raw challenge echoed back on success.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	q := r.URL.Query()

	if q.Get("hub.mode") != "subscribe" || !h.pipeline.VerifyToken(r.Context(), platformName, q.Get("hub.verify_token")) {
		h.log.Warn("webhook subscription verification rejected",
			zap.String("platform", platformName),
			zap.String("mode", q.Get("hub.mode")))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.log.Info("webhook subscription verified", zap.String("platform", platformName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// handleEvent accepts one event POST. The platform retries anything
// that is not a 2xx, so once the body is read the response is 200 no
// matter what went wrong inside the pipeline. The one exception is a
// rejected signature: a forged or tampered payload gets 401, and a
// retry of it should fail the same way.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn("failed to read webhook body",
			zap.String("platform", platformName),
			zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.pipeline.Process(r.Context(), platformName, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"received"}`))
}
