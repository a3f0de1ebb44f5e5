package event

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

func TestParseClientEvent(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type":"join","data":{"conversation_id":"c-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientJoin, ev.Type)
	assert.Equal(t, "c-1", ev.Data["conversation_id"])
}

func TestParseClientEventErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "malformed json", raw: `{"type":`},
		{name: "missing type", raw: `{"data":{}}`},
		{name: "empty body", raw: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseClientEvent([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, errors.ErrInvalidInput))
		})
	}
}

func TestServerEventEncode(t *testing.T) {
	ev := &ServerEvent{Type: ServerWelcome, Data: WelcomeData{ConnectionID: "conn-1", HeartbeatInterval: 25}}
	raw, err := ev.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"welcome","data":{"connection_id":"conn-1","heartbeat_interval_sec":25}}`, string(raw))
}

func TestCloseReasonCodes(t *testing.T) {
	tests := []struct {
		reason CloseReason
		code   int
	}{
		{CloseAuthTimeout, 4401},
		{CloseAuthFailed, 4403},
		{CloseStaleConnection, 4408},
		{CloseConnectionReplaced, 4409},
		{CloseSlowConsumer, 4413},
		{CloseServerShutdown, websocket.CloseGoingAway},
		{CloseNormal, websocket.CloseNormalClosure},
		{CloseReason("unknown"), websocket.CloseNormalClosure},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.reason.Code())
		})
	}
}
