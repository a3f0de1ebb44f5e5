// Package event defines the wire protocol spoken between the realtime
// gateway and its clients, and the payloads carried across instances.
package event

import (
	"time"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/json"
)

// ClientEventType identifies an inbound frame from a connected client.
type ClientEventType string

const (
	ClientAuth        ClientEventType = "auth"
	ClientJoin        ClientEventType = "join"
	ClientLeave       ClientEventType = "leave"
	ClientTypingStart ClientEventType = "typing.start"
	ClientTypingStop  ClientEventType = "typing.stop"
	ClientRead        ClientEventType = "read"
	ClientPing        ClientEventType = "ping"
)

// ClientEvent is one inbound frame. Data is decoded per-type by the
// gateway's dispatch table.
type ClientEvent struct {
	Type ClientEventType        `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// ParseClientEvent decodes an inbound frame.
func ParseClientEvent(raw []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	if ev.Type == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "missing event type")
	}
	return &ev, nil
}

// AuthPayload carries the bearer token of the auth event.
type AuthPayload struct {
	Token string `mapstructure:"token"`
}

// RoomPayload carries the conversation id of join, leave, and typing events.
type RoomPayload struct {
	ConversationID string `mapstructure:"conversation_id"`
}

// ReadPayload marks messages up to MessageID as read.
type ReadPayload struct {
	ConversationID string `mapstructure:"conversation_id"`
	MessageID      string `mapstructure:"message_id"`
}

// ServerEventType identifies an outbound frame to connected clients.
type ServerEventType string

const (
	ServerWelcome             ServerEventType = "welcome"
	ServerJoined              ServerEventType = "joined"
	ServerLeft                ServerEventType = "left"
	ServerError               ServerEventType = "error"
	ServerPong                ServerEventType = "pong"
	ServerTypingStart         ServerEventType = "typing.start"
	ServerTypingStop          ServerEventType = "typing.stop"
	ServerMessageCreated      ServerEventType = "message.created"
	ServerMessageStatus       ServerEventType = "message.status"
	ServerMessageRead         ServerEventType = "message.read"
	ServerConversationUpdated ServerEventType = "conversation.updated"
	ServerPresenceOnline      ServerEventType = "presence.online"
	ServerPresenceOffline     ServerEventType = "presence.offline"
)

// ServerEvent is one outbound frame.
type ServerEvent struct {
	Type ServerEventType `json:"type"`
	Data interface{}     `json:"data,omitempty"`
}

// Encode serializes the event for the wire.
func (e *ServerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// WelcomeData is sent once after successful authentication.
type WelcomeData struct {
	ConnectionID      string `json:"connection_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec"`
}

// ErrorData reports a recoverable protocol error to the client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// RoomData acknowledges join and leave.
type RoomData struct {
	ConversationID string `json:"conversation_id"`
}

// TypingData relays a typing transition to the rest of a room. Start and
// stop carry the same shape; the event type is the transition.
type TypingData struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ReadData relays a read watermark to the rest of a room.
type ReadData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
}

// PresenceData announces a user entering or leaving a conversation view.
type PresenceData struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
}

// MessageCreatedData carries a freshly materialized inbound message.
type MessageCreatedData struct {
	ConversationID    string    `json:"conversation_id"`
	MessageID         string    `json:"message_id"`
	PlatformMessageID string    `json:"platform_message_id"`
	Direction         string    `json:"direction"`
	SenderID          string    `json:"sender_id"`
	Kind              string    `json:"kind"`
	Text              string    `json:"text,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

// MessageStatusData carries a delivery status transition.
type MessageStatusData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
}

// ConversationUpdatedData refreshes tenant inbox listings. UnreadDelta
// is the badge adjustment for this update, not an absolute count.
type ConversationUpdatedData struct {
	ConversationID string    `json:"conversation_id"`
	ChannelID      string    `json:"channel_id"`
	Status         string    `json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Preview        string    `json:"preview,omitempty"`
	UnreadDelta    int       `json:"unread_delta,omitempty"`
}
