// Package queue implements the durable outbound message queue shared by all
// channels. Messages are enqueued fire-and-forget; a bounded pool of
// delivery workers claims due messages, reserves quota, and hands them to
// the channel's sender. Delivery is at-least-once: a crash between a
// successful send and the sent-status write is resolved by re-sending on
// recovery rather than risking silent loss.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/audit"
	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/quota"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// notReadyDeferral is how long a WhatsApp message waits when the tenant's
// session is down. Deferrals do not consume retry attempts; the message
// simply resumes once the session reconnects.
const notReadyDeferral = 30 * time.Second

// infraDeferral is how long a message waits after an infrastructure error
// (tenant lookup, quota store). These also do not consume retry attempts;
// the attempt budget is for failures of the message itself.
const infraDeferral = 30 * time.Second

type Options struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	IdleInterval time.Duration
}

type Queue struct {
	repo    repository.QueueRepository
	tenants repository.TenantRepository
	ledger  *quota.Ledger
	senders map[model.Channel]Sender
	opts    Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	repo repository.QueueRepository,
	tenants repository.TenantRepository,
	ledger *quota.Ledger,
	senders map[model.Channel]Sender,
	opts Options,
) *Queue {
	return &Queue{
		repo:    repo,
		tenants: tenants,
		ledger:  ledger,
		senders: senders,
		opts:    opts,
	}
}

// Enqueue validates and persists a message, returning immediately. Delivery
// happens asynchronously through the worker pool.
func (q *Queue) Enqueue(ctx context.Context, params model.EnqueueMessageParams) (*model.QueuedMessage, error) {
	if params.TenantID == "" {
		return nil, apperrors.MissingRequired("tenantId")
	}
	if !params.Channel.Valid() {
		return nil, apperrors.InvalidInput("channel", "must be whatsapp, email or sms")
	}
	if params.Recipient == "" {
		return nil, apperrors.MissingRequired("recipient")
	}
	if params.Body == "" {
		return nil, apperrors.MissingRequired("body")
	}

	msg, err := q.repo.Create(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("tenantId", msg.TenantID).
		Str("channel", string(msg.Channel)).
		Msg("message enqueued")
	return msg, nil
}

// Start launches the delivery worker pool.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	log.Info().Int("workers", q.opts.Workers).Msg("delivery workers started")
}

// Stop drains the worker pool. In-flight deliveries finish their current
// message.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	log.Info().Msg("delivery workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := q.repo.ClaimNext(ctx, time.Now())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Int("worker", id).Msg("failed to claim message")
			}
			q.idle(ctx)
			continue
		}
		if msg == nil {
			q.idle(ctx)
			continue
		}

		q.deliver(ctx, msg)
	}
}

func (q *Queue) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.opts.IdleInterval):
	}
}

// deliver runs one claimed message through quota reservation and the
// channel sender. Every path out of here settles the message status and the
// reservation exactly once.
func (q *Queue) deliver(ctx context.Context, msg *model.QueuedMessage) {
	logger := log.With().
		Str("messageId", msg.ID).
		Str("tenantId", msg.TenantID).
		Str("channel", string(msg.Channel)).
		Logger()

	tenant, err := q.tenants.FindByID(ctx, msg.TenantID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load tenant, deferring")
		q.deferRetry(ctx, msg)
		return
	}
	if tenant == nil || tenant.DisabledAt != nil {
		logger.Warn().Msg("tenant missing or disabled, failing message")
		q.fail(ctx, msg, "tenant missing or disabled")
		return
	}

	periodKey := quota.PeriodKey(time.Now())
	reservation, err := q.ledger.Reserve(ctx, msg.TenantID, msg.Channel, periodKey, tenant.QuotaLimit(msg.Channel))
	if err != nil {
		logger.Error().Err(err).Msg("quota reservation error, deferring")
		q.deferRetry(ctx, msg)
		return
	}
	if reservation == nil {
		// Quota exhausted: not an error, the message waits for the next
		// billing period.
		logger.Info().Str("periodKey", periodKey).Msg("quota exhausted, message blocked until rollover")
		if err := q.repo.MarkQuotaBlocked(ctx, msg.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark message quota_blocked")
		}
		audit.Log(ctx, audit.Event{
			Type:     audit.EventQuotaExhausted,
			TenantID: msg.TenantID,
			Details: map[string]interface{}{
				"channel":   string(msg.Channel),
				"periodKey": periodKey,
			},
		})
		return
	}

	sender, ok := q.senders[msg.Channel]
	if !ok {
		reservation.Release(ctx)
		q.fail(ctx, msg, fmt.Sprintf("no sender registered for channel %s", msg.Channel))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	sendErr := sender.Send(sendCtx, msg)
	cancel()

	if sendErr == nil {
		reservation.Finalize()
		if err := q.repo.MarkSent(ctx, msg.ID); err != nil {
			// At-least-once: the send succeeded but the status write did
			// not. The maintenance job will requeue this message and it may
			// be delivered twice.
			logger.Error().Err(err).Msg("send succeeded but failed to persist sent status")
			return
		}
		logger.Info().Int("attempt", msg.AttemptCount+1).Msg("message delivered")
		return
	}

	reservation.Release(ctx)

	if apperrors.GetCode(sendErr) == apperrors.ErrCodeSessionNotReady {
		logger.Info().Msg("session not ready, deferring message")
		if err := q.repo.Defer(ctx, msg.ID, time.Now().Add(notReadyDeferral)); err != nil {
			logger.Error().Err(err).Msg("failed to defer message")
		}
		return
	}

	attempts := msg.AttemptCount + 1
	if attempts >= q.opts.MaxAttempts {
		logger.Error().Err(sendErr).Int("attempts", attempts).Msg("delivery attempts exhausted")
		q.fail(ctx, msg, sendErr.Error())
		return
	}

	delay := retryDelay(attempts, q.opts.BackoffBase, q.opts.BackoffMax)
	logger.Warn().Err(sendErr).Int("attempt", attempts).Dur("retryIn", delay).Msg("delivery failed, will retry")
	if err := q.repo.Requeue(ctx, msg.ID, time.Now().Add(delay), sendErr.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to requeue message")
	}
}

func (q *Queue) deferRetry(ctx context.Context, msg *model.QueuedMessage) {
	if err := q.repo.Defer(ctx, msg.ID, time.Now().Add(infraDeferral)); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to defer message")
	}
}

func (q *Queue) fail(ctx context.Context, msg *model.QueuedMessage, reason string) {
	if err := q.repo.MarkFailed(ctx, msg.ID, reason); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to mark message failed")
		return
	}
	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeliveryFailed,
		TenantID: msg.TenantID,
		Details: map[string]interface{}{
			"messageId": msg.ID,
			"channel":   string(msg.Channel),
			"reason":    reason,
		},
	})
}
