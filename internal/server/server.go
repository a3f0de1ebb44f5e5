// Package server assembles the HTTP surfaces: the app listener carrying
// the websocket endpoint, webhook routes, health probes, and ops
// endpoints, plus the metrics listener on its own port.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/internal/config"
	"github.com/driftdesk/driftdesk/internal/gateway"
	"github.com/driftdesk/driftdesk/internal/webhook"
	"github.com/driftdesk/driftdesk/pkg/auth"
	"github.com/driftdesk/driftdesk/pkg/health"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// Deps are the wired collaborators the server exposes over HTTP.
type Deps struct {
	Gateway  *gateway.Gateway
	Webhooks *webhook.Handler
	Checks   *health.Registry
	Ops      *OpsHandler
}

// Server runs the app and metrics listeners and owns their shutdown
// order: drain the gateway first, then stop the listeners.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	gateway *gateway.Gateway
	app     *http.Server
	metrics *http.Server
}

func New(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", deps.Gateway.HandleWS)
	deps.Webhooks.Register(mux)
	mux.HandleFunc("GET /healthz", deps.Checks.LivenessHandler())
	mux.HandleFunc("GET /readyz", deps.Checks.ReadinessHandler())
	if deps.Ops != nil {
		// Ops endpoints share the app port but require an operator
		// token. Webhook and probe routes stay open.
		opsMux := http.NewServeMux()
		deps.Ops.Register(opsMux)
		mux.Handle("/ops/", auth.RequireAuth(cfg.JWTSecret, opsMux))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	return &Server{
		cfg:     cfg,
		log:     log.With(zap.String("component", "server")),
		gateway: deps.Gateway,
		app: &http.Server{
			Addr:    ":" + cfg.AppPort,
			Handler: mux,
			// No ReadTimeout: websocket connections outlive any sane
			// value, and the upgrader clears deadlines after hijack.
			ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
			IdleTimeout:       60 * time.Second,
		},
		metrics: &http.Server{
			Addr:         ":" + cfg.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  15 * time.Second,
		},
	}
}

// Run serves until ctx is canceled or a listener fails, then drains the
// gateway and shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("App server listening", zap.String("address", s.app.Addr))
		if err := s.app.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		s.log.Info("Metrics server listening", zap.String("address", s.metrics.Addr))
		if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		s.log.Error("Server failed", zap.Error(runErr))
	case <-ctx.Done():
		s.log.Info("Shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.gateway != nil {
		s.gateway.Drain(shutdownCtx)
	}
	if err := s.app.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Error during app server shutdown", zap.Error(err))
	}
	if err := s.metrics.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Error during metrics server shutdown", zap.Error(err))
	}
	s.log.Info("Server gracefully stopped")
	return runErr
}
