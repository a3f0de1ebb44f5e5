package event

import "github.com/gorilla/websocket"

// CloseReason enumerates why the server closed a connection. Every close
// path names one of these; the reason maps to the close code sent to the
// client and to the disconnect metric label.
type CloseReason string

const (
	CloseNormal             CloseReason = "normal"
	CloseAuthTimeout        CloseReason = "auth_timeout"
	CloseAuthFailed         CloseReason = "auth_failed"
	CloseConnectionReplaced CloseReason = "connection_replaced"
	CloseStaleConnection    CloseReason = "stale_connection"
	CloseSlowConsumer       CloseReason = "slow_consumer"
	CloseServerShutdown     CloseReason = "server_shutdown"
)

// Code returns the websocket close code for the reason.
func (r CloseReason) Code() int {
	switch r {
	case CloseAuthTimeout:
		return 4401
	case CloseAuthFailed:
		return 4403
	case CloseStaleConnection:
		return 4408
	case CloseConnectionReplaced:
		return 4409
	case CloseSlowConsumer:
		return 4413
	case CloseServerShutdown:
		return websocket.CloseGoingAway
	case CloseNormal:
		return websocket.CloseNormalClosure
	default:
		return websocket.CloseNormalClosure
	}
}

// String implements fmt.Stringer for logging and metric labels.
func (r CloseReason) String() string {
	return string(r)
}
