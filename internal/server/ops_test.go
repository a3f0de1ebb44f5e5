package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/internal/repository"
	"github.com/driftdesk/driftdesk/pkg/json"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
)

type nopSender struct{}

func (nopSender) Enqueue(*event.ServerEvent) error { return nil }

func (nopSender) CloseWithReason(event.CloseReason) {}

type stubQueue struct {
	entries []redispkg.DLQEntry
}

func (q *stubQueue) Add(context.Context, redispkg.DLQEntry) error { return nil }

func (q *stubQueue) List(_ context.Context, count int64) ([]redispkg.DLQEntry, error) {
	n := int64(len(q.entries))
	if count < n {
		n = count
	}
	return q.entries[:n], nil
}

func (q *stubQueue) Len(context.Context) (int64, error) {
	return int64(len(q.entries)), nil
}

func (q *stubQueue) Ack(context.Context, string) error { return nil }

func (q *stubQueue) Purge(context.Context) error {
	q.entries = nil
	return nil
}

type stubChannels struct {
	channels []*repository.Channel
}

func (s *stubChannels) List(context.Context) ([]*repository.Channel, error) {
	return s.channels, nil
}

func opsServer(t *testing.T, reg *registry.Registry, dlq *stubQueue, channels ChannelLister) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewOpsHandler(reg, dlq, nil, channels, zaptest.NewLogger(t)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpsStats(t *testing.T) {
	reg := registry.New(registry.Config{}, zaptest.NewLogger(t))
	require.NoError(t, reg.Add(registry.NewConn("c1", "t1", "u1", nopSender{})))
	require.NoError(t, reg.Add(registry.NewConn("c2", "t1", "u2", nopSender{})))
	srv := opsServer(t, reg, &stubQueue{}, nil)

	resp, err := http.Get(srv.URL + "/ops/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats registry.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Tenants)
	assert.Zero(t, stats.Rooms)
}

func TestOpsDLQList(t *testing.T) {
	dlq := &stubQueue{entries: []redispkg.DLQEntry{
		{ID: "dlq-1", Stage: "route", Platform: "whatsapp", Error: "unknown channel", Attempts: 2, Body: []byte(`{"object":"whatsapp_business_account"}`)},
	}}
	srv := opsServer(t, registry.New(registry.Config{}, zaptest.NewLogger(t)), dlq, nil)

	resp, err := http.Get(srv.URL + "/ops/dlq")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Depth   int64          `json:"depth"`
		Entries []dlqEntryView `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(1), out.Depth)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "route", out.Entries[0].Stage)
	assert.Equal(t, 2, out.Entries[0].Attempts)
	assert.Equal(t, len(`{"object":"whatsapp_business_account"}`), out.Entries[0].BodyBytes)
}

func TestOpsChannels(t *testing.T) {
	channels := &stubChannels{channels: []*repository.Channel{
		{ID: "ch-1", TenantID: "t1", Platform: "whatsapp", PlatformChannelID: "pn-100",
			DisplayName: "Support", AppSecret: "top-secret", VerifySignatures: true, Active: true},
		{ID: "ch-2", TenantID: "t1", Platform: "messenger", PlatformChannelID: "page-200",
			DisplayName: "Sales", VerifySignatures: false, Active: false},
	}}
	srv := opsServer(t, registry.New(registry.Config{}, zaptest.NewLogger(t)), &stubQueue{}, channels)

	resp, err := http.Get(srv.URL + "/ops/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "top-secret", "credentials never leave the server")

	var out struct {
		Channels []channelView `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Channels, 2)
	assert.True(t, out.Channels[0].SecretSet, "secret presence is reported")
	assert.False(t, out.Channels[1].SecretSet)
}

func TestOpsDLQPurge(t *testing.T) {
	dlq := &stubQueue{entries: []redispkg.DLQEntry{{ID: "dlq-1", Stage: "route"}}}
	srv := opsServer(t, registry.New(registry.Config{}, zaptest.NewLogger(t)), dlq, nil)

	resp, err := http.Post(srv.URL+"/ops/dlq/purge", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, dlq.entries)
}

func TestOpsRedriveUnconfigured(t *testing.T) {
	srv := opsServer(t, registry.New(registry.Config{}, zaptest.NewLogger(t)), &stubQueue{}, nil)

	resp, err := http.Post(srv.URL+"/ops/dlq/redrive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
