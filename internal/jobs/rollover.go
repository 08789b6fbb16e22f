package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/audit"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// rolloverSchedule fires at midnight UTC on the first of each month, when a
// fresh period key takes effect.
const rolloverSchedule = "0 0 1 * *"

// RolloverJob returns quota-blocked messages to pending at billing period
// rollover. The fresh period's counters start at zero, so the released
// messages reserve against the new budget.
type RolloverJob struct {
	queueRepo repository.QueueRepository
	cron      *cron.Cron
}

func NewRolloverJob(queueRepo repository.QueueRepository) *RolloverJob {
	return &RolloverJob{
		queueRepo: queueRepo,
		cron:      cron.New(cron.WithLocation(time.UTC)),
	}
}

func (j *RolloverJob) Start() error {
	if _, err := j.cron.AddFunc(rolloverSchedule, j.Run); err != nil {
		return err
	}
	j.cron.Start()
	log.Info().Str("schedule", rolloverSchedule).Msg("quota rollover job started")
	return nil
}

func (j *RolloverJob) Stop() {
	j.cron.Stop()
	log.Info().Msg("quota rollover job stopped")
}

// Run releases all quota-blocked messages. Exported so tests and operator
// tooling can trigger a rollover directly.
func (j *RolloverJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.queueRepo.ReleaseQuotaBlocked(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to release quota-blocked messages")
		return
	}

	if count > 0 {
		log.Info().Int64("count", count).Msg("released quota-blocked messages at rollover")
		audit.Log(ctx, audit.Event{
			Type:    audit.EventQuotaRollover,
			Details: map[string]interface{}{"released": count},
		})
	}
}
