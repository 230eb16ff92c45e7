package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/devicelink/internal/model"
)

type ConnectionRepository interface {
	FindByID(ctx context.Context, connectionID string) (*model.ConnectionRecord, error)
	// FindPendingByPin returns pending records holding pin, newest first.
	FindPendingByPin(ctx context.Context, pin string, createdAfter, pinIssuedAfter time.Time) ([]model.ConnectionRecord, error)
	Create(ctx context.Context, params model.CreateConnectionParams) (*model.ConnectionRecord, error)
	// SetPin overwrites the PIN of a pending record owned by the host.
	// It returns nil when no such record exists.
	SetPin(ctx context.Context, params model.SetPinParams) (*model.ConnectionRecord, error)
	// MarkConnected is the compare-and-swap pending -> connected. It returns
	// nil when the predicates no longer match, which is how a losing racer
	// learns it lost.
	MarkConnected(ctx context.Context, params model.MarkConnectedParams) (*model.ConnectionRecord, error)
	DeletePending(ctx context.Context, connectionID, hostDeviceID string) (bool, error)
	DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error)
}

type connectionRepo struct {
	db *sqlx.DB
}

func NewConnectionRepository(db *sqlx.DB) ConnectionRepository {
	return &connectionRepo{db: db}
}

func (r *connectionRepo) FindByID(ctx context.Context, connectionID string) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM connections WHERE connection_id = $1`, connectionID)
	return HandleNotFound(&rec, err)
}

func (r *connectionRepo) FindPendingByPin(ctx context.Context, pin string, createdAfter, pinIssuedAfter time.Time) ([]model.ConnectionRecord, error) {
	var recs []model.ConnectionRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM connections
		WHERE pin_code = $1
		AND status = 'pending'
		AND created_at > $2
		AND pin_issued_at > $3
		ORDER BY created_at DESC, connection_id DESC
	`, pin, createdAfter, pinIssuedAfter)
	return recs, err
}

func (r *connectionRepo) Create(ctx context.Context, params model.CreateConnectionParams) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO connections (connection_id, host_device_id)
		VALUES ($1, $2)
		RETURNING *
	`, params.ConnectionID, params.HostDeviceID)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *connectionRepo) SetPin(ctx context.Context, params model.SetPinParams) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	err := r.db.GetContext(ctx, &rec, `
		UPDATE connections SET
			pin_code = $3,
			pin_issued_at = $4
		WHERE connection_id = $1
		AND host_device_id = $2
		AND status = 'pending'
		AND created_at > $5
		RETURNING *
	`, params.ConnectionID, params.HostDeviceID, params.PinCode, params.IssuedAt, params.CreatedAfter)
	return HandleNotFound(&rec, err)
}

func (r *connectionRepo) MarkConnected(ctx context.Context, params model.MarkConnectedParams) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	err := r.db.GetContext(ctx, &rec, `
		UPDATE connections SET
			status = 'connected',
			guest_device_id = $4,
			pin_code = NULL,
			pin_issued_at = NULL,
			connected_at = NOW()
		WHERE connection_id = $1
		AND status = 'pending'
		AND ($2::text = '' OR host_device_id = $2)
		AND ($3::text = '' OR (pin_code = $3 AND pin_issued_at > $6))
		AND created_at > $5
		RETURNING *
	`, params.ConnectionID, params.HostDeviceID, params.PinCode, params.GuestDeviceID,
		params.CreatedAfter, params.PinIssuedAfter)
	return HandleNotFound(&rec, err)
}

func (r *connectionRepo) DeletePending(ctx context.Context, connectionID, hostDeviceID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM connections
		WHERE connection_id = $1 AND host_device_id = $2 AND status = 'pending'
	`, connectionID, hostDeviceID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *connectionRepo) DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM connections
		WHERE status = 'pending' AND created_at <= $1
	`, createdBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
