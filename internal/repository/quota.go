package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type QuotaRepository interface {
	// TryReserve atomically increments used for (tenant, channel, period) if
	// used < limit, creating the counter row on first use of a period.
	// Returns false when the quota is exhausted. The check and increment are
	// a single conditional statement, so concurrent callers can never push
	// used past limit.
	TryReserve(ctx context.Context, tenantID string, channel model.Channel, periodKey string, limit int) (bool, error)
	// ReleaseOne decrements used, flooring at zero. Used when a reservation
	// is abandoned (sender failure or orphaned in-flight message).
	ReleaseOne(ctx context.Context, tenantID string, channel model.Channel, periodKey string) error
	Get(ctx context.Context, tenantID string, channel model.Channel, periodKey string) (*model.QuotaCounter, error)
}

type quotaRepo struct {
	db sqlxDB
}

func NewQuotaRepository(db *sqlx.DB) QuotaRepository {
	return &quotaRepo{db: db}
}

func (r *quotaRepo) TryReserve(ctx context.Context, tenantID string, channel model.Channel, periodKey string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	var used int
	err := r.db.GetContext(ctx, &used, `
		INSERT INTO quota_counters (tenant_id, channel, period_key, used, quota_limit)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (tenant_id, channel, period_key) DO UPDATE
			SET used = quota_counters.used + 1, quota_limit = $4
			WHERE quota_counters.used < $4
		RETURNING used
	`, tenantID, channel, periodKey, limit)
	if errors.Is(err, sql.ErrNoRows) {
		// Conditional update skipped: counter is at the limit.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *quotaRepo) ReleaseOne(ctx context.Context, tenantID string, channel model.Channel, periodKey string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE quota_counters
		SET used = GREATEST(used - 1, 0)
		WHERE tenant_id = $1 AND channel = $2 AND period_key = $3
	`, tenantID, channel, periodKey)
	return err
}

func (r *quotaRepo) Get(ctx context.Context, tenantID string, channel model.Channel, periodKey string) (*model.QuotaCounter, error) {
	var counter model.QuotaCounter
	err := r.db.GetContext(ctx, &counter, `
		SELECT * FROM quota_counters
		WHERE tenant_id = $1 AND channel = $2 AND period_key = $3
	`, tenantID, channel, periodKey)
	return HandleNotFound(&counter, err)
}
