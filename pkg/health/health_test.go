package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

func TestCheckAggregates(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("ok", func(context.Context) error { return nil })
	reg.Register("down", func(context.Context) error { return errors.ErrUnavailable })

	overall, results := reg.Check(context.Background())
	assert.Equal(t, StatusDown, overall)
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["ok"].Status)
	assert.Equal(t, StatusDown, results["down"].Status)
	assert.Equal(t, "unavailable", results["down"].Error)
}

func TestReadinessReflectsProbes(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("db", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	reg.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	reg.Register("broker", func(context.Context) error { return errors.ErrUnavailable })
	rec = httptest.NewRecorder()
	reg.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"down"`)
}

func TestLivenessIgnoresProbes(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register("db", func(context.Context) error { return errors.ErrUnavailable })

	rec := httptest.NewRecorder()
	reg.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness must not depend on dependencies")
}
