// Package health serves liveness and readiness endpoints backed by
// named dependency probes.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/json"
)

// Status summarizes a probe or the process as a whole.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusDown    Status = "down"
)

// CheckResult is one dependency's probe outcome.
type CheckResult struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Registry holds the dependency probes behind the readiness endpoint.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	log      *zap.Logger
	timeout  time.Duration
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		log:      log.With(zap.String("component", "health")),
		timeout:  3 * time.Second,
	}
}

// Register adds a named probe. Registering the same name again replaces it.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Check runs every probe and reports the overall status with per-probe
// detail. The overall status is down if any probe fails.
func (r *Registry) Check(ctx context.Context) (Status, map[string]CheckResult) {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	overall := StatusHealthy
	results := make(map[string]CheckResult, len(checkers))
	for name, check := range checkers {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := check(probeCtx)
		cancel()

		result := CheckResult{
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			result.Status = StatusDown
			result.Error = err.Error()
			overall = StatusDown
			r.log.Warn("dependency probe failed", zap.String("dependency", name), zap.Error(err))
		}
		results[name] = result
	}
	return overall, results
}

// LivenessHandler reports process liveness. It never touches
// dependencies; a hung dependency must not get the process restarted.
func (r *Registry) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessHandler runs every probe and returns 503 until all pass.
func (r *Registry) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status       Status                 `json:"status"`
		Dependencies map[string]CheckResult `json:"dependencies"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		overall, results := r.Check(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if overall != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		body, err := json.Marshal(response{Status: overall, Dependencies: results})
		if err != nil {
			r.log.Error("failed to encode readiness response", zap.Error(err))
			return
		}
		_, _ = w.Write(body)
	}
}

// PingDB probes a SQL database.
func PingDB(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// Available matches clients that expose an availability probe, like the
// Redis wrapper.
type Available interface {
	IsAvailable(ctx context.Context) error
}

// PingAvailable probes anything with an IsAvailable method.
func PingAvailable(a Available) Checker {
	return func(ctx context.Context) error {
		return a.IsAvailable(ctx)
	}
}
