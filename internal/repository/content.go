package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/devicelink/internal/database"
	"github.com/openclaw/devicelink/internal/model"
)

type ContentRepository interface {
	// Append stores an entry on a connected record. It returns nil when the
	// connection does not exist or is not connected.
	Append(ctx context.Context, params model.CreateContentEntryParams) (*model.ContentEntry, error)
	// ListByConnection returns entries with id > afterID in (created_at, id) order.
	ListByConnection(ctx context.Context, connectionID string, afterID int64) ([]model.ContentEntry, error)
	ListByRecipient(ctx context.Context, recipientDeviceID string, afterID int64) ([]model.ContentEntry, error)
	// LatestIDForRecipient returns the highest entry id addressed to the
	// device, or 0 when there is none.
	LatestIDForRecipient(ctx context.Context, recipientDeviceID string) (int64, error)
}

type contentRepo struct {
	db *database.DB
}

func NewContentRepository(db *database.DB) ContentRepository {
	return &contentRepo{db: db}
}

func (r *contentRepo) Append(ctx context.Context, params model.CreateContentEntryParams) (*model.ContentEntry, error) {
	var entry *model.ContentEntry
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Serialize appends per connection so created_at and id grow together.
		var locked string
		err := tx.GetContext(ctx, &locked, `
			SELECT connection_id FROM connections
			WHERE connection_id = $1 AND status = 'connected'
			FOR UPDATE
		`, params.ConnectionID)
		found, err := HandleNotFound(&locked, err)
		if err != nil || found == nil {
			return err
		}

		var e model.ContentEntry
		err = tx.GetContext(ctx, &e, `
			INSERT INTO shared_content (
				connection_id, content_type, content,
				sender_device_id, recipient_device_id, created_at
			) VALUES (
				$1, $2, $3, $4, $5,
				GREATEST(clock_timestamp(), (SELECT MAX(created_at) FROM shared_content WHERE connection_id = $1))
			)
			RETURNING *
		`, params.ConnectionID, params.ContentType, params.Content,
			params.SenderDeviceID, params.RecipientDeviceID)
		if err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *contentRepo) ListByConnection(ctx context.Context, connectionID string, afterID int64) ([]model.ContentEntry, error) {
	var entries []model.ContentEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM shared_content
		WHERE connection_id = $1 AND id > $2
		ORDER BY created_at ASC, id ASC
	`, connectionID, afterID)
	return entries, err
}

func (r *contentRepo) ListByRecipient(ctx context.Context, recipientDeviceID string, afterID int64) ([]model.ContentEntry, error) {
	var entries []model.ContentEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM shared_content
		WHERE recipient_device_id = $1 AND id > $2
		ORDER BY id ASC
	`, recipientDeviceID, afterID)
	return entries, err
}

func (r *contentRepo) LatestIDForRecipient(ctx context.Context, recipientDeviceID string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		SELECT COALESCE(MAX(id), 0) FROM shared_content
		WHERE recipient_device_id = $1
	`, recipientDeviceID)
	return id, err
}
