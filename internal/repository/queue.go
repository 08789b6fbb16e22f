package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type QueueRepository interface {
	FindByID(ctx context.Context, id string) (*model.QueuedMessage, error)
	Create(ctx context.Context, params model.EnqueueMessageParams) (*model.QueuedMessage, error)
	// ClaimNext atomically picks the oldest due pending message (priority
	// first, then age) and flips it to in_flight. Messages to a counterparty
	// that already has an earlier pending or in-flight message are skipped so
	// delivery order per (tenant, recipient) matches enqueue order. Returns
	// nil when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (*model.QueuedMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errorMsg string) error
	MarkQuotaBlocked(ctx context.Context, id string) error
	// Requeue puts an in-flight message back to pending after a sender
	// failure, recording the attempt and the next retry time.
	Requeue(ctx context.Context, id string, nextAttemptAt time.Time, errorMsg string) error
	// Defer puts an in-flight message back to pending without counting an
	// attempt. Used when the tenant's session is simply not ready yet: the
	// message waits for a reconnect instead of burning its retry budget.
	Defer(ctx context.Context, id string, nextAttemptAt time.Time) error
	// ReleaseQuotaBlocked returns quota-blocked messages to pending; run at
	// billing period rollover.
	ReleaseQuotaBlocked(ctx context.Context) (int64, error)
	// RecoverStale requeues in-flight messages with no outcome for longer
	// than the given window (crashed worker) and returns them so the caller
	// can release their quota reservations.
	RecoverStale(ctx context.Context, olderThan time.Duration) ([]model.QueuedMessage, error)
	FindByTenantAndStatus(ctx context.Context, tenantID string, status model.MessageStatus, limit, offset int) ([]model.QueuedMessage, error)
	CountByTenantAndStatus(ctx context.Context, tenantID string, status model.MessageStatus) (int, error)
}

type queueRepo struct {
	db sqlxDB
}

func NewQueueRepository(db *sqlx.DB) QueueRepository {
	return &queueRepo{db: db}
}

func (r *queueRepo) FindByID(ctx context.Context, id string) (*model.QueuedMessage, error) {
	var msg model.QueuedMessage
	err := r.db.GetContext(ctx, &msg, `SELECT * FROM outbound_messages WHERE id = $1`, id)
	return HandleNotFound(&msg, err)
}

func (r *queueRepo) Create(ctx context.Context, params model.EnqueueMessageParams) (*model.QueuedMessage, error) {
	var msg model.QueuedMessage
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO outbound_messages (tenant_id, channel, recipient, body, priority, correlation_id, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', now())
		RETURNING *
	`, params.TenantID, params.Channel, params.Recipient, params.Body, params.Priority, params.CorrelationID)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *queueRepo) ClaimNext(ctx context.Context, now time.Time) (*model.QueuedMessage, error) {
	var msg model.QueuedMessage
	err := r.db.GetContext(ctx, &msg, `
		UPDATE outbound_messages SET status = 'in_flight', updated_at = now()
		WHERE id = (
			SELECT c.id FROM outbound_messages c
			WHERE c.status = 'pending'
			  AND c.next_attempt_at <= $1
			  AND NOT EXISTS (
				SELECT 1 FROM outbound_messages b
				WHERE b.tenant_id = c.tenant_id
				  AND b.recipient = c.recipient
				  AND b.status = 'in_flight'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM outbound_messages e
				WHERE e.tenant_id = c.tenant_id
				  AND e.recipient = c.recipient
				  AND e.status = 'pending'
				  AND e.created_at < c.created_at
			  )
			ORDER BY c.priority DESC, c.created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, now)
	return HandleNotFound(&msg, err)
}

func (r *queueRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'sent', sent_at = now(), last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
	`, id)
	return err
}

func (r *queueRepo) MarkFailed(ctx context.Context, id string, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
	`, id, errorMsg)
	return err
}

func (r *queueRepo) MarkQuotaBlocked(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'quota_blocked', updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
	`, id)
	return err
}

func (r *queueRepo) Requeue(ctx context.Context, id string, nextAttemptAt time.Time, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'pending', attempt_count = attempt_count + 1,
		    next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
	`, id, nextAttemptAt, errorMsg)
	return err
}

func (r *queueRepo) Defer(ctx context.Context, id string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'pending', next_attempt_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
	`, id, nextAttemptAt)
	return err
}

func (r *queueRepo) ReleaseQuotaBlocked(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = 'pending', next_attempt_at = now(), updated_at = now()
		WHERE status = 'quota_blocked'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *queueRepo) RecoverStale(ctx context.Context, olderThan time.Duration) ([]model.QueuedMessage, error) {
	var msgs []model.QueuedMessage
	err := r.db.SelectContext(ctx, &msgs, `
		UPDATE outbound_messages
		SET status = 'pending', next_attempt_at = now(), updated_at = now()
		WHERE status = 'in_flight' AND updated_at < now() - $1::interval
		RETURNING *
	`, olderThan.String())
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *queueRepo) FindByTenantAndStatus(ctx context.Context, tenantID string, status model.MessageStatus, limit, offset int) ([]model.QueuedMessage, error) {
	var msgs []model.QueuedMessage
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM outbound_messages
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *queueRepo) CountByTenantAndStatus(ctx context.Context, tenantID string, status model.MessageStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM outbound_messages WHERE tenant_id = $1 AND status = $2
	`, tenantID, status)
	return count, err
}
