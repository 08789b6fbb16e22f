package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type SessionRepository interface {
	FindByTenantID(ctx context.Context, tenantID string) (*model.TenantSession, error)
	// FindResumable returns sessions whose phase indicates a client should be
	// re-established after a process restart.
	FindResumable(ctx context.Context) ([]model.TenantSession, error)
	Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.TenantSession, error)
}

type sessionRepo struct {
	db sqlxDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByTenantID(ctx context.Context, tenantID string) (*model.TenantSession, error) {
	var session model.TenantSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM tenant_sessions WHERE tenant_id = $1
	`, tenantID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindResumable(ctx context.Context) ([]model.TenantSession, error) {
	var sessions []model.TenantSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM tenant_sessions
		WHERE phase IN ('initializing', 'qr', 'authenticated', 'ready')
		  AND device_ref IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.TenantSession, error) {
	var session model.TenantSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO tenant_sessions (tenant_id, phase, device_ref, connected_phone, qr_payload, last_transition_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			device_ref = EXCLUDED.device_ref,
			connected_phone = EXCLUDED.connected_phone,
			qr_payload = EXCLUDED.qr_payload,
			last_transition_at = CASE
				WHEN tenant_sessions.phase IS DISTINCT FROM EXCLUDED.phase THEN now()
				ELSE tenant_sessions.last_transition_at
			END,
			updated_at = now()
		RETURNING *
	`, params.TenantID, params.Phase, params.DeviceRef, params.ConnectedPhone, params.QRPayload)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
