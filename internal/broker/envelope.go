package broker

import (
	"github.com/driftdesk/driftdesk/internal/event"
	"github.com/driftdesk/driftdesk/pkg/json"
)

// RoomEnvelope fans an event out to one conversation room on every
// instance. OriginID names the publishing instance so intake can drop the
// instance's own envelopes; ExcludeConnID travels with the envelope because
// the excluded connection may live anywhere.
type RoomEnvelope struct {
	OriginID      string             `json:"origin_id"`
	TenantID      string             `json:"tenant_id"`
	Room          string             `json:"room"`
	ExcludeConnID string             `json:"exclude_conn_id,omitempty"`
	Event         *event.ServerEvent `json:"event"`
}

// TenantEnvelope fans an event out to every connection of a tenant.
type TenantEnvelope struct {
	OriginID      string             `json:"origin_id"`
	TenantID      string             `json:"tenant_id"`
	ExcludeConnID string             `json:"exclude_conn_id,omitempty"`
	Event         *event.ServerEvent `json:"event"`
}

// UserEnvelope fans an event out to every connection of one user.
type UserEnvelope struct {
	OriginID string             `json:"origin_id"`
	TenantID string             `json:"tenant_id"`
	UserID   string             `json:"user_id"`
	Event    *event.ServerEvent `json:"event"`
}

func encodeEnvelope(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeRoomEnvelope(raw []byte) (*RoomEnvelope, error) {
	var env RoomEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func decodeTenantEnvelope(raw []byte) (*TenantEnvelope, error) {
	var env TenantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func decodeUserEnvelope(raw []byte) (*UserEnvelope, error) {
	var env UserEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
