package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/quota"
)

type stubQueueRepo struct {
	recoverStaleFunc        func(ctx context.Context, olderThan time.Duration) ([]model.QueuedMessage, error)
	releaseQuotaBlockedFunc func(ctx context.Context) (int64, error)

	mu                  sync.Mutex
	releaseBlockedCalls int
}

func (r *stubQueueRepo) RecoverStale(ctx context.Context, olderThan time.Duration) ([]model.QueuedMessage, error) {
	if r.recoverStaleFunc != nil {
		return r.recoverStaleFunc(ctx, olderThan)
	}
	return nil, nil
}

func (r *stubQueueRepo) ReleaseQuotaBlocked(ctx context.Context) (int64, error) {
	r.mu.Lock()
	r.releaseBlockedCalls++
	r.mu.Unlock()
	if r.releaseQuotaBlockedFunc != nil {
		return r.releaseQuotaBlockedFunc(ctx)
	}
	return 0, nil
}

func (r *stubQueueRepo) FindByID(context.Context, string) (*model.QueuedMessage, error) {
	return nil, nil
}

func (r *stubQueueRepo) Create(context.Context, model.EnqueueMessageParams) (*model.QueuedMessage, error) {
	return nil, nil
}

func (r *stubQueueRepo) ClaimNext(context.Context, time.Time) (*model.QueuedMessage, error) {
	return nil, nil
}

func (r *stubQueueRepo) MarkSent(context.Context, string) error { return nil }

func (r *stubQueueRepo) MarkFailed(context.Context, string, string) error { return nil }

func (r *stubQueueRepo) MarkQuotaBlocked(context.Context, string) error { return nil }

func (r *stubQueueRepo) Requeue(context.Context, string, time.Time, string) error { return nil }

func (r *stubQueueRepo) Defer(context.Context, string, time.Time) error { return nil }

func (r *stubQueueRepo) FindByTenantAndStatus(context.Context, string, model.MessageStatus, int, int) ([]model.QueuedMessage, error) {
	return nil, nil
}

func (r *stubQueueRepo) CountByTenantAndStatus(context.Context, string, model.MessageStatus) (int, error) {
	return 0, nil
}

// releaseRecordingQuotaRepo records every ReleaseOne call by its full key.
type releaseRecordingQuotaRepo struct {
	mu       sync.Mutex
	releases []string
}

func (r *releaseRecordingQuotaRepo) TryReserve(context.Context, string, model.Channel, string, int) (bool, error) {
	return true, nil
}

func (r *releaseRecordingQuotaRepo) ReleaseOne(_ context.Context, tenantID string, channel model.Channel, periodKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, tenantID+"|"+string(channel)+"|"+periodKey)
	return nil
}

func (r *releaseRecordingQuotaRepo) Get(context.Context, string, model.Channel, string) (*model.QuotaCounter, error) {
	return nil, nil
}

func TestMaintenanceRecoverReleasesOneReservationPerMessage(t *testing.T) {
	attemptAt := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	stale := []model.QueuedMessage{
		{ID: "msg-1", TenantID: "school-1", Channel: model.ChannelWhatsApp, NextAttemptAt: attemptAt},
		{ID: "msg-2", TenantID: "school-1", Channel: model.ChannelEmail, NextAttemptAt: attemptAt},
		{ID: "msg-3", TenantID: "school-2", Channel: model.ChannelWhatsApp, NextAttemptAt: attemptAt},
	}

	var gotOlderThan time.Duration
	queueRepo := &stubQueueRepo{
		recoverStaleFunc: func(_ context.Context, olderThan time.Duration) ([]model.QueuedMessage, error) {
			gotOlderThan = olderThan
			return stale, nil
		},
	}
	quotaRepo := &releaseRecordingQuotaRepo{}
	job := NewMaintenanceJob(queueRepo, quota.NewLedger(quotaRepo), 10*time.Minute, time.Minute)

	job.recover()

	assert.Equal(t, 10*time.Minute, gotOlderThan)
	require.Len(t, quotaRepo.releases, 3)
	periodKey := quota.PeriodKey(attemptAt)
	assert.Equal(t, []string{
		"school-1|whatsapp|" + periodKey,
		"school-1|email|" + periodKey,
		"school-2|whatsapp|" + periodKey,
	}, quotaRepo.releases)
}

func TestMaintenanceRecoverPeriodKeyFollowsMessageTime(t *testing.T) {
	// A message claimed just before rollover holds a reservation in the old
	// period; the release must target that period, not the current one.
	july := time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC)
	queueRepo := &stubQueueRepo{
		recoverStaleFunc: func(context.Context, time.Duration) ([]model.QueuedMessage, error) {
			return []model.QueuedMessage{
				{ID: "msg-1", TenantID: "school-1", Channel: model.ChannelSMS, NextAttemptAt: july},
			}, nil
		},
	}
	quotaRepo := &releaseRecordingQuotaRepo{}
	job := NewMaintenanceJob(queueRepo, quota.NewLedger(quotaRepo), 10*time.Minute, time.Minute)

	job.recover()

	require.Len(t, quotaRepo.releases, 1)
	assert.Equal(t, "school-1|sms|2026-07", quotaRepo.releases[0])
}

func TestMaintenanceRecoverNothingStale(t *testing.T) {
	quotaRepo := &releaseRecordingQuotaRepo{}
	job := NewMaintenanceJob(&stubQueueRepo{}, quota.NewLedger(quotaRepo), 10*time.Minute, time.Minute)

	job.recover()

	assert.Empty(t, quotaRepo.releases)
}

func TestMaintenanceRecoverSurvivesRepoError(t *testing.T) {
	queueRepo := &stubQueueRepo{
		recoverStaleFunc: func(context.Context, time.Duration) ([]model.QueuedMessage, error) {
			return nil, errors.New("connection refused")
		},
	}
	quotaRepo := &releaseRecordingQuotaRepo{}
	job := NewMaintenanceJob(queueRepo, quota.NewLedger(quotaRepo), 10*time.Minute, time.Minute)

	job.recover()

	assert.Empty(t, quotaRepo.releases)
}

func TestRolloverRunReleasesBlockedMessages(t *testing.T) {
	queueRepo := &stubQueueRepo{
		releaseQuotaBlockedFunc: func(context.Context) (int64, error) {
			return 7, nil
		},
	}
	job := NewRolloverJob(queueRepo)

	job.Run()

	assert.Equal(t, 1, queueRepo.releaseBlockedCalls)
}

func TestRolloverRunSurvivesRepoError(t *testing.T) {
	queueRepo := &stubQueueRepo{
		releaseQuotaBlockedFunc: func(context.Context) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}
	job := NewRolloverJob(queueRepo)

	job.Run()
	job.Run()

	assert.Equal(t, 2, queueRepo.releaseBlockedCalls)
}
