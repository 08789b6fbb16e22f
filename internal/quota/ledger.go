// Package quota implements the per-tenant, per-channel monthly usage ledger.
// Reservation and increment are a single conditional database update, so
// used can never exceed limit no matter how many delivery workers race.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// PeriodKey returns the billing period for a point in time, e.g. "2026-08".
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type Ledger struct {
	repo repository.QuotaRepository
}

func NewLedger(repo repository.QuotaRepository) *Ledger {
	return &Ledger{repo: repo}
}

// Reservation is a provisional quota increment. Exactly one of Finalize or
// Release settles it; both are idempotent no-ops afterwards.
type Reservation struct {
	TenantID  string
	Channel   model.Channel
	PeriodKey string

	ledger  *Ledger
	settled atomic.Bool
}

// Reserve atomically claims one unit of quota for (tenant, channel) in the
// current period. Returns (nil, nil) when the quota is exhausted; denial is
// an expected outcome, not an error.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, channel model.Channel, periodKey string, limit int) (*Reservation, error) {
	ok, err := l.repo.TryReserve(ctx, tenantID, channel, periodKey, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return &Reservation{
		TenantID:  tenantID,
		Channel:   channel,
		PeriodKey: periodKey,
		ledger:    l,
	}, nil
}

// Finalize makes the reservation permanent: the counter increment persists.
func (r *Reservation) Finalize() {
	r.settled.Store(true)
}

// Release returns the reserved unit to the pool. Safe to call on an already
// finalized or already released reservation.
func (r *Reservation) Release(ctx context.Context) {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	if err := r.ledger.repo.ReleaseOne(ctx, r.TenantID, r.Channel, r.PeriodKey); err != nil {
		log.Error().Err(err).
			Str("tenantId", r.TenantID).
			Str("channel", string(r.Channel)).
			Str("periodKey", r.PeriodKey).
			Msg("failed to release quota reservation")
	}
}

// ReleaseOrphaned compensates for a reservation whose in-memory handle was
// lost (crashed worker). Used by the maintenance job when it requeues stale
// in-flight messages.
func (l *Ledger) ReleaseOrphaned(ctx context.Context, tenantID string, channel model.Channel, periodKey string) error {
	return l.repo.ReleaseOne(ctx, tenantID, channel, periodKey)
}

// Usage reports the used/limit pair for the current period. A missing
// counter row means nothing was sent this period yet.
func (l *Ledger) Usage(ctx context.Context, tenantID string, channel model.Channel, periodKey string, limit int) (used, total int, err error) {
	counter, err := l.repo.Get(ctx, tenantID, channel, periodKey)
	if err != nil {
		return 0, 0, fmt.Errorf("get quota counter: %w", err)
	}
	if counter == nil {
		return 0, limit, nil
	}
	return counter.Used, counter.Limit, nil
}
