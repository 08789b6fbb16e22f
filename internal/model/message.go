package model

import (
	"time"
)

// QueuedMessage is one outbound message awaiting delivery. Status moves
// pending → in_flight → sent, with quota_blocked and retry loops back to
// pending along the way. Only the outbound queue and delivery workers
// mutate it after creation.
type QueuedMessage struct {
	ID            string        `db:"id" json:"id"`
	TenantID      string        `db:"tenant_id" json:"tenantId"`
	Channel       Channel       `db:"channel" json:"channel"`
	Recipient     string        `db:"recipient" json:"recipient"`
	Body          string        `db:"body" json:"body"`
	Priority      Priority      `db:"priority" json:"priority"`
	AttemptCount  int           `db:"attempt_count" json:"attemptCount"`
	NextAttemptAt time.Time     `db:"next_attempt_at" json:"nextAttemptAt"`
	Status        MessageStatus `db:"status" json:"status"`
	CorrelationID *string       `db:"correlation_id" json:"correlationId,omitempty"`
	LastError     *string       `db:"last_error" json:"lastError,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
	SentAt        *time.Time    `db:"sent_at" json:"sentAt,omitempty"`
}

type EnqueueMessageParams struct {
	TenantID      string
	Channel       Channel
	Recipient     string
	Body          string
	Priority      Priority
	CorrelationID *string
}
