package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/quota"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// MaintenanceJob requeues in-flight messages orphaned by a crashed worker
// and releases the quota reservations they held.
type MaintenanceJob struct {
	queueRepo  repository.QueueRepository
	ledger     *quota.Ledger
	staleAfter time.Duration
	interval   time.Duration
	done       chan struct{}
}

func NewMaintenanceJob(
	queueRepo repository.QueueRepository,
	ledger *quota.Ledger,
	staleAfter, interval time.Duration,
) *MaintenanceJob {
	return &MaintenanceJob{
		queueRepo:  queueRepo,
		ledger:     ledger,
		staleAfter: staleAfter,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.done)
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.recover()
		}
	}
}

func (j *MaintenanceJob) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := j.queueRepo.RecoverStale(ctx, j.staleAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale in-flight messages")
		return
	}
	if len(msgs) == 0 {
		return
	}

	// Each recovered message held a reservation whose in-memory handle died
	// with the worker. A message whose send actually succeeded will be sent
	// again; the duplicate is the accepted cost of never losing a message.
	for _, msg := range msgs {
		periodKey := quota.PeriodKey(msg.NextAttemptAt)
		if err := j.ledger.ReleaseOrphaned(ctx, msg.TenantID, msg.Channel, periodKey); err != nil {
			log.Error().Err(err).
				Str("messageId", msg.ID).
				Str("tenantId", msg.TenantID).
				Msg("failed to release orphaned quota reservation")
		}
	}

	log.Warn().Int("count", len(msgs)).Msg("recovered stale in-flight messages")
}
