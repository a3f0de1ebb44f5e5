package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

// Delivery statuses, ordered. A status only ever moves up this ladder;
// failed is terminal and reachable from anywhere below it.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s string) bool {
	return statusRank[s] != 0
}

// Message is one message in a conversation.
type Message struct {
	ID                string                 `db:"id"`
	ConversationID    string                 `db:"conversation_id"`
	Direction         string                 `db:"direction"`
	SenderID          string                 `db:"sender_id"`
	Kind              string                 `db:"kind"`
	Body              map[string]interface{} `db:"body"`
	PlatformMessageID string                 `db:"platform_message_id"`
	DeliveryStatus    string                 `db:"delivery_status"`
	StatusDetail      string                 `db:"status_detail"`
	SentAt            time.Time              `db:"sent_at"`
}

// StatusChange reports which message a delivery status transition landed
// on, for the post-commit broadcast.
type StatusChange struct {
	MessageID      string
	ConversationID string
	Status         string
}

// MessageRepo writes messages, status transitions, and read watermarks.
type MessageRepo struct {
	*BaseRepository
}

func NewMessageRepo(base *BaseRepository) *MessageRepo {
	return &MessageRepo{BaseRepository: base}
}

// Insert writes the message if its platform id has not been seen in this
// conversation. Returns false without error on redelivery, which is the
// pipeline's signal to skip the broadcast.
func (r *MessageRepo) Insert(ctx context.Context, q DBTX, m *Message) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = StatusSent
	}
	body, err := ToJSONB(m.Body)
	if err != nil {
		return false, err
	}
	query := `INSERT INTO messages (id, conversation_id, direction, sender_id, kind, body, platform_message_id, delivery_status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (conversation_id, platform_message_id) DO NOTHING
		RETURNING id`
	err = q.QueryRowContext(ctx, query,
		m.ID, m.ConversationID, m.Direction, m.SenderID, m.Kind, body,
		m.PlatformMessageID, m.DeliveryStatus, m.SentAt,
	).Scan(&m.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateStatus applies a delivery status transition to the message the
// platform id maps to within the channel. Transitions never move down the
// ladder; a stale or unknown report returns ErrNotFound and changes
// nothing.
func (r *MessageRepo) UpdateStatus(ctx context.Context, q DBTX, channelID, platformMessageID, status, detail string) (*StatusChange, error) {
	if !ValidStatus(status) {
		return nil, errors.Wrap(errors.ErrInvalidInput, "delivery status "+status)
	}
	query := `UPDATE messages m
		SET delivery_status = $3,
		    status_detail = CASE WHEN $4 <> '' THEN $4 ELSE m.status_detail END
		FROM conversations c
		WHERE c.id = m.conversation_id
		  AND c.channel_id = $1
		  AND m.platform_message_id = $2
		  AND CASE m.delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END
		    < CASE $3 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END
		RETURNING m.id, m.conversation_id`

	change := &StatusChange{Status: status}
	err := q.QueryRowContext(ctx, query, channelID, platformMessageID, status, detail).
		Scan(&change.MessageID, &change.ConversationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return change, nil
}

// UpdateStatusByWatermark applies a status to every outbound message the
// contact has seen up to a point in time. Page-style receipts carry only
// a watermark, not message ids. The same ladder rules apply per row, and
// rows already at or past the status are left alone.
func (r *MessageRepo) UpdateStatusByWatermark(ctx context.Context, q DBTX, channelID, platformUserID string, upTo time.Time, status string) ([]*StatusChange, error) {
	if !ValidStatus(status) {
		return nil, errors.Wrap(errors.ErrInvalidInput, "delivery status "+status)
	}
	query := `UPDATE messages m
		SET delivery_status = $4
		FROM conversations c
		JOIN contacts ct ON ct.id = c.contact_id
		WHERE c.id = m.conversation_id
		  AND c.channel_id = $1
		  AND ct.platform_user_id = $2
		  AND m.direction = 'outbound'
		  AND m.sent_at <= $3
		  AND CASE m.delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END
		    < CASE $4 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END
		RETURNING m.id, m.conversation_id`

	rows, err := q.QueryContext(ctx, query, channelID, platformUserID, upTo, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*StatusChange
	for rows.Next() {
		change := &StatusChange{Status: status}
		if err := rows.Scan(&change.MessageID, &change.ConversationID); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// MarkRead records the user's read watermark for a conversation. The
// watermark is last-write-wins; clients report monotonically as they
// scroll. Unknown message or conversation ids change nothing.
func (r *MessageRepo) MarkRead(ctx context.Context, tenantID, userID, conversationID, messageID string) error {
	query := `INSERT INTO read_watermarks (conversation_id, user_id, message_id)
		SELECT m.conversation_id, $2, m.id
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $3 AND m.conversation_id = $1 AND c.tenant_id = $4
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET message_id = EXCLUDED.message_id, updated_at = NOW()`
	res, err := r.GetDB().ExecContext(ctx, query, conversationID, userID, messageID, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(errors.ErrNotFound, "message "+messageID)
	}
	return nil
}

// LatestMessages returns the newest messages of a conversation,
// newest first.
func (r *MessageRepo) LatestMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, conversation_id, direction, sender_id, kind, body, platform_message_id, delivery_status, status_detail, sent_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at DESC, id
		LIMIT $2`
	rows, err := r.GetDB().QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var body []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.SenderID, &m.Kind, &body,
			&m.PlatformMessageID, &m.DeliveryStatus, &m.StatusDetail, &m.SentAt); err != nil {
			return nil, err
		}
		if m.Body, err = FromJSONB(body); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
