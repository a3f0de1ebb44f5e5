package repository

import (
	"context"
	"database/sql"

	"github.com/driftdesk/driftdesk/pkg/errors"
)

// Channel is one externally connected messaging account: a WhatsApp phone
// number, a page inbox, and so on. Inbound webhook traffic resolves to a
// tenant through it.
type Channel struct {
	ID                string `db:"id"`
	TenantID          string `db:"tenant_id"`
	Platform          string `db:"platform"`
	PlatformChannelID string `db:"platform_channel_id"`
	DisplayName       string `db:"display_name"`
	VerifyToken       string `db:"verify_token"`
	AppSecret         string `db:"app_secret"`
	VerifySignatures  bool   `db:"verify_signatures"`
	Active            bool   `db:"active"`
}

// ChannelRepo reads channel records.
type ChannelRepo struct {
	*BaseRepository
}

func NewChannelRepo(base *BaseRepository) *ChannelRepo {
	return &ChannelRepo{BaseRepository: base}
}

const channelColumns = `id, tenant_id, platform, platform_channel_id, display_name, verify_token, app_secret, verify_signatures, active`

func scanChannel(row *sql.Row) (*Channel, error) {
	ch := &Channel{}
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.Platform, &ch.PlatformChannelID, &ch.DisplayName,
		&ch.VerifyToken, &ch.AppSecret, &ch.VerifySignatures, &ch.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return ch, nil
}

// GetByPlatformID resolves the channel a webhook payload addresses: the
// platform family plus the platform's channel identifier (phone number id,
// page id). Inactive channels resolve like missing ones.
func (r *ChannelRepo) GetByPlatformID(ctx context.Context, q DBTX, platform, platformChannelID string) (*Channel, error) {
	query := `SELECT ` + channelColumns + `
		FROM channels
		WHERE platform = $1 AND platform_channel_id = $2 AND active`
	return scanChannel(q.QueryRowContext(ctx, query, platform, platformChannelID))
}

// GetByID fetches a channel by its id.
func (r *ChannelRepo) GetByID(ctx context.Context, id string) (*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	return scanChannel(r.GetDB().QueryRowContext(ctx, query, id))
}

// VerifyTokenMatches reports whether any active channel of the platform
// carries this subscription verify token. Platform GET verification has
// no channel id in it, only the token.
func (r *ChannelRepo) VerifyTokenMatches(ctx context.Context, platform, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	query := `SELECT EXISTS (
		SELECT 1 FROM channels WHERE platform = $1 AND verify_token = $2 AND active
	)`
	var ok bool
	if err := r.GetDB().QueryRowContext(ctx, query, platform, token).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// List returns every channel, active or not. Used by the ops surface.
func (r *ChannelRepo) List(ctx context.Context) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY platform, platform_channel_id`
	rows, err := r.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.TenantID, &ch.Platform, &ch.PlatformChannelID, &ch.DisplayName,
			&ch.VerifyToken, &ch.AppSecret, &ch.VerifySignatures, &ch.Active); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
