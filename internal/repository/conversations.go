package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

// Conversation is the thread between one contact and the tenant's
// operators on one channel.
type Conversation struct {
	ID             string         `db:"id"`
	TenantID       string         `db:"tenant_id"`
	ChannelID      string         `db:"channel_id"`
	ContactID      string         `db:"contact_id"`
	Status         string         `db:"status"`
	AssignedTo     sql.NullString `db:"assigned_to"`
	LastActivityAt time.Time      `db:"last_activity_at"`
}

// ConversationRepo manages conversations and backs the gateway's
// authorization checks.
type ConversationRepo struct {
	*BaseRepository
}

func NewConversationRepo(base *BaseRepository) *ConversationRepo {
	return &ConversationRepo{BaseRepository: base}
}

// FindOrCreate returns the conversation for (channel, contact), creating
// an open one when none exists. Either way last_activity_at only moves
// forward, so replayed webhooks cannot rewind it.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, q DBTX, tenantID, channelID, contactID string, activityAt time.Time) (*Conversation, error) {
	conv := &Conversation{TenantID: tenantID, ChannelID: channelID, ContactID: contactID}
	query := `INSERT INTO conversations (id, tenant_id, channel_id, contact_id, status, last_activity_at)
		VALUES ($1, $2, $3, $4, 'open', $5)
		ON CONFLICT (channel_id, contact_id) DO UPDATE
		SET last_activity_at = GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at)
		RETURNING id, status, last_activity_at`
	err := q.QueryRowContext(ctx, query,
		uuid.NewString(), tenantID, channelID, contactID, activityAt,
	).Scan(&conv.ID, &conv.Status, &conv.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// privilegedRoles see every conversation in their tenant regardless of
// participant restrictions.
var privilegedRoles = map[string]struct{}{
	"admin":   {},
	"manager": {},
}

// Authorize reports whether the user may access the conversation. Tenant
// scoping always applies; inside the tenant, admins and managers see
// everything, the assigned agent sees their own conversations, and a
// conversation with no explicit participants is the tenant's shared inbox,
// open to every operator. Once participants are listed the conversation is
// restricted to them plus the assignee. Cross-tenant ids resolve as not
// found rather than forbidden, so existence never leaks.
func (r *ConversationRepo) Authorize(ctx context.Context, tenantID, userID string, roles []string, conversationID string) error {
	query := `SELECT c.tenant_id, c.assigned_to,
		COUNT(p.user_id) AS participants,
		COUNT(p.user_id) FILTER (WHERE p.user_id = $2) AS member
		FROM conversations c
		LEFT JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.id = $1
		GROUP BY c.tenant_id, c.assigned_to`

	var convTenant string
	var assignedTo sql.NullString
	var participants, member int
	err := r.GetDB().QueryRowContext(ctx, query, conversationID, userID).
		Scan(&convTenant, &assignedTo, &participants, &member)
	if err != nil {
		if err == sql.ErrNoRows {
			return errors.ErrNotFound
		}
		return err
	}
	if convTenant != tenantID {
		return errors.ErrNotFound
	}
	for _, role := range roles {
		if _, ok := privilegedRoles[role]; ok {
			return nil
		}
	}
	if assignedTo.Valid && assignedTo.String == userID {
		return nil
	}
	if participants > 0 && member == 0 {
		return errors.ErrForbidden
	}
	return nil
}

// AddParticipant restricts the conversation to an explicit member list.
// Adding the same user twice is a no-op.
func (r *ConversationRepo) AddParticipant(ctx context.Context, conversationID, userID string) error {
	query := `INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`
	_, err := r.GetDB().ExecContext(ctx, query, conversationID, userID)
	return err
}

// Get fetches one conversation.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	query := `SELECT id, tenant_id, channel_id, contact_id, status, assigned_to, last_activity_at
		FROM conversations WHERE id = $1`
	err := r.GetDB().QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.TenantID, &conv.ChannelID, &conv.ContactID, &conv.Status, &conv.AssignedTo, &conv.LastActivityAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}
