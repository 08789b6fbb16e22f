package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolhub/messaging-server-go/internal/model"
)

type memQuotaRepo struct {
	mu       sync.Mutex
	counters map[string]*model.QuotaCounter
	releases int
}

func newMemQuotaRepo() *memQuotaRepo {
	return &memQuotaRepo{counters: make(map[string]*model.QuotaCounter)}
}

func quotaKey(tenantID string, channel model.Channel, periodKey string) string {
	return tenantID + "|" + string(channel) + "|" + periodKey
}

func (r *memQuotaRepo) TryReserve(_ context.Context, tenantID string, channel model.Channel, periodKey string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := quotaKey(tenantID, channel, periodKey)
	counter, ok := r.counters[key]
	if !ok {
		counter = &model.QuotaCounter{TenantID: tenantID, Channel: channel, PeriodKey: periodKey, Limit: limit}
		r.counters[key] = counter
	}
	counter.Limit = limit
	if counter.Used >= limit {
		return false, nil
	}
	counter.Used++
	return true, nil
}

func (r *memQuotaRepo) ReleaseOne(_ context.Context, tenantID string, channel model.Channel, periodKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.releases++
	if counter, ok := r.counters[quotaKey(tenantID, channel, periodKey)]; ok && counter.Used > 0 {
		counter.Used--
	}
	return nil
}

func (r *memQuotaRepo) Get(_ context.Context, tenantID string, channel model.Channel, periodKey string) (*model.QuotaCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[quotaKey(tenantID, channel, periodKey)]
	if !ok {
		return nil, nil
	}
	copied := *counter
	return &copied, nil
}

func (r *memQuotaRepo) used(tenantID string, channel model.Channel, periodKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[quotaKey(tenantID, channel, periodKey)]; ok {
		return counter.Used
	}
	return 0
}

func TestPeriodKey(t *testing.T) {
	key := PeriodKey(time.Date(2026, 8, 29, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "2026-08", key)

	// Local time close to a month boundary resolves in UTC.
	loc := time.FixedZone("UTC+9", 9*3600)
	key = PeriodKey(time.Date(2026, 9, 1, 3, 0, 0, 0, loc))
	assert.Equal(t, "2026-08", key)
}

func TestReserveDeniedWhenExhausted(t *testing.T) {
	repo := newMemQuotaRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := ledger.Reserve(ctx, "school-1", model.ChannelWhatsApp, "2026-08", 3)
		require.NoError(t, err)
		require.NotNil(t, res)
		res.Finalize()
	}

	res, err := ledger.Reserve(ctx, "school-1", model.ChannelWhatsApp, "2026-08", 3)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 3, repo.used("school-1", model.ChannelWhatsApp, "2026-08"))
}

func TestReserveZeroLimitAlwaysDenied(t *testing.T) {
	ledger := NewLedger(newMemQuotaRepo())

	res, err := ledger.Reserve(context.Background(), "school-1", model.ChannelSMS, "2026-08", 0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestNewPeriodStartsFresh(t *testing.T) {
	repo := newMemQuotaRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "school-1", model.ChannelEmail, "2026-08", 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	res.Finalize()

	denied, err := ledger.Reserve(ctx, "school-1", model.ChannelEmail, "2026-08", 1)
	require.NoError(t, err)
	assert.Nil(t, denied)

	res, err = ledger.Reserve(ctx, "school-1", model.ChannelEmail, "2026-09", 1)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := newMemQuotaRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "school-1", model.ChannelWhatsApp, "2026-08", 5)
	require.NoError(t, err)
	require.NotNil(t, res)

	res.Release(ctx)
	res.Release(ctx)
	res.Release(ctx)

	assert.Equal(t, 1, repo.releases)
	assert.Equal(t, 0, repo.used("school-1", model.ChannelWhatsApp, "2026-08"))
}

func TestReleaseAfterFinalizeIsNoop(t *testing.T) {
	repo := newMemQuotaRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "school-1", model.ChannelWhatsApp, "2026-08", 5)
	require.NoError(t, err)
	require.NotNil(t, res)

	res.Finalize()
	res.Release(ctx)

	assert.Equal(t, 0, repo.releases)
	assert.Equal(t, 1, repo.used("school-1", model.ChannelWhatsApp, "2026-08"))
}

func TestConcurrentReservationStorm(t *testing.T) {
	repo := newMemQuotaRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	const limit = 25
	const callers = 200

	var granted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Reserve(ctx, "school-1", model.ChannelWhatsApp, "2026-08", limit)
			require.NoError(t, err)
			if res != nil {
				res.Finalize()
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, granted)
	assert.Equal(t, limit, repo.used("school-1", model.ChannelWhatsApp, "2026-08"))
}

func TestUsageWithNoCounter(t *testing.T) {
	ledger := NewLedger(newMemQuotaRepo())

	used, total, err := ledger.Usage(context.Background(), "school-1", model.ChannelWhatsApp, "2026-08", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.Equal(t, 100, total)
}
