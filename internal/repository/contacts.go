package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Contact is one end user on the far side of a channel.
type Contact struct {
	ID             string                 `db:"id"`
	TenantID       string                 `db:"tenant_id"`
	ChannelID      string                 `db:"channel_id"`
	PlatformUserID string                 `db:"platform_user_id"`
	DisplayName    string                 `db:"display_name"`
	Profile        map[string]interface{} `db:"profile"`
	UpdatedAt      time.Time              `db:"updated_at"`
}

// ContactRepo writes contact records.
type ContactRepo struct {
	*BaseRepository
}

func NewContactRepo(base *BaseRepository) *ContactRepo {
	return &ContactRepo{BaseRepository: base}
}

// Upsert inserts the contact or refreshes its display name when the
// platform sent a non-empty one. A fresh contact with no name from the
// platform is seeded with its platform user id so lists never show a
// blank entry. Returns the stored row's id and name.
func (r *ContactRepo) Upsert(ctx context.Context, q DBTX, c *Contact) (*Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `INSERT INTO contacts (id, tenant_id, channel_id, platform_user_id, display_name)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, ''), $4))
		ON CONFLICT (channel_id, platform_user_id) DO UPDATE
		SET display_name = CASE WHEN $5 <> '' THEN $5 ELSE contacts.display_name END,
		    updated_at = NOW()
		RETURNING id, display_name`
	err := q.QueryRowContext(ctx, query,
		c.ID, c.TenantID, c.ChannelID, c.PlatformUserID, c.DisplayName,
	).Scan(&c.ID, &c.DisplayName)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateProfile writes back directory enrichment fetched from the
// platform's profile API.
func (r *ContactRepo) UpdateProfile(ctx context.Context, contactID, displayName string, profile map[string]interface{}) error {
	profileJSON, err := ToJSONB(profile)
	if err != nil {
		return err
	}
	query := `UPDATE contacts
		SET profile = $2,
		    display_name = CASE WHEN $3 <> '' THEN $3 ELSE display_name END,
		    updated_at = NOW()
		WHERE id = $1`
	_, err = r.GetDB().ExecContext(ctx, query, contactID, profileJSON, displayName)
	return err
}
