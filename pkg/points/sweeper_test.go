package points_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
	"github.com/mihaimyh/gopoints/storage/memory"
)

func TestSweepExpired_ZeroesExpiredBlock(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()
	blockC := mustCredit(t, manager, "user1", 100, day1.Add(24*time.Hour))
	clock.Advance(48 * time.Hour)
	require.Equal(t, int64(100), mustBalance(t, manager, "user1"))

	report, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int64(100), report.Forfeited)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	blocks := storage.Blocks("user1")
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(0), blocks[0].RemainingAmount)
	assert.Equal(t, int64(0), mustBalance(t, manager, "user1"))

	forfeitures, err := manager.ListForfeitures(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, forfeitures, 1)
	assert.Equal(t, blockC.ID, forfeitures[0].BlockID)
	assert.Equal(t, int64(100), forfeitures[0].Amount)
	assert.Equal(t, blockC.ExpiresAt, forfeitures[0].ExpiredAt)
	assert.Equal(t, clock.Now(), forfeitures[0].ForfeitedAt)
}

func TestSweepExpired_PartiallySpentBlock(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()
	mustCredit(t, manager, "user1", 30, day1.Add(24*time.Hour))
	mustCredit(t, manager, "user1", 50, day1.Add(72*time.Hour))

	_, err := manager.Debit(ctx, "user1", 40)
	require.NoError(t, err)
	_, err = manager.Credit(ctx, "user1", 25, day1.Add(36*time.Hour))
	require.NoError(t, err)
	_, err = manager.Debit(ctx, "user1", 5)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	report, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)

	// the first block was spent out; the second credit expired holding 20
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, int64(20), report.Forfeited)
	assert.Equal(t, int64(40), mustBalance(t, manager, "user1"))
	assert.Equal(t, liveSum(storage, "user1", clock.Now()), mustBalance(t, manager, "user1"))
}

func TestSweepExpired_Idempotent(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()
	mustCredit(t, manager, "user1", 10, day1.Add(time.Hour))
	mustCredit(t, manager, "user1", 15, day1.Add(48*time.Hour))
	clock.Advance(2 * time.Hour)

	first, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	balanceAfterFirst := mustBalance(t, manager, "user1")

	second, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, int64(0), second.Forfeited)
	assert.Equal(t, balanceAfterFirst, mustBalance(t, manager, "user1"))
	assert.Equal(t, int64(15), balanceAfterFirst)
}

func TestSweepExpired_BoundaryIsExpired(t *testing.T) {
	manager, _, clock := newTestManager(t)
	expiresAt := day1.Add(time.Hour)
	mustCredit(t, manager, "user1", 10, expiresAt)

	report, err := manager.SweepExpired(context.Background(), expiresAt.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)

	clock.Advance(time.Hour)
	report, err = manager.SweepExpired(context.Background(), expiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, int64(0), mustBalance(t, manager, "user1"))
}

func TestSweepExpired_ManyBlocksAcrossPages(t *testing.T) {
	storage := memory.New()
	clock := newManualClock(day1)
	manager, err := points.NewManager(storage, nil, points.Config{
		Clock:            clock,
		SweepBatchSize:   3,
		SweepConcurrency: 2,
	})
	require.NoError(t, err)
	ctx := context.Background()

	const users, perUser = 4, 5
	for u := 0; u < users; u++ {
		for b := 0; b < perUser; b++ {
			mustCredit(t, manager, fmt.Sprintf("user%d", u), int64(b+1), day1.Add(time.Duration(b+1)*time.Minute))
		}
	}
	clock.Advance(time.Hour)

	report, err := manager.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, users*perUser, report.Processed)
	assert.Equal(t, int64(users*15), report.Forfeited)

	for u := 0; u < users; u++ {
		assert.Equal(t, int64(0), mustBalance(t, manager, fmt.Sprintf("user%d", u)))
	}
}

// failingUserStorage rejects every unit for one user
type failingUserStorage struct {
	points.Storage
	userID string
	calls  atomic.Int32
}

func (s *failingUserStorage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	if userID == s.userID {
		s.calls.Add(1)
		return fmt.Errorf("%w: disk on fire", points.ErrStorageUnavailable)
	}
	return s.Storage.RunInTx(ctx, userID, fn)
}

func TestSweepExpired_ContinuesPastFailures(t *testing.T) {
	mem := memory.New()
	clock := newManualClock(day1)
	seed, err := points.NewManager(mem, nil, points.Config{Clock: clock})
	require.NoError(t, err)
	mustCredit(t, seed, "good", 10, day1.Add(time.Hour))
	mustCredit(t, seed, "bad", 20, day1.Add(2*time.Hour))
	mustCredit(t, seed, "bad", 30, day1.Add(3*time.Hour))
	mustCredit(t, seed, "good", 40, day1.Add(4*time.Hour))
	clock.Advance(5 * time.Hour)

	storage := &failingUserStorage{Storage: mem, userID: "bad"}
	manager, err := points.NewManager(storage, nil, points.Config{
		Clock:          clock,
		SweepBatchSize: 1,
	})
	require.NoError(t, err)

	report, err := manager.SweepExpired(context.Background(), clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, int64(50), report.Forfeited)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Equal(t, "bad", f.UserID)
		assert.ErrorIs(t, f.Err, points.ErrStorageUnavailable)
	}
	// unavailable storage is not a conflict, so each failing block was tried once
	assert.Equal(t, int32(2), storage.calls.Load())

	assert.Equal(t, int64(0), mustBalance(t, manager, "good"))
	assert.Equal(t, int64(50), mustBalance(t, manager, "bad"))
}

func TestSweepExpired_InvariantViolationLeavesBlock(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	mustCredit(t, manager, "user1", 100, day1.Add(time.Hour))
	storage.SetBalance(&points.Balance{UserID: "user1", Total: 30, UpdatedAt: day1})
	clock.Advance(2 * time.Hour)

	report, err := manager.SweepExpired(context.Background(), clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)
	require.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, report.Failures[0].Err, points.ErrInvariantViolation)

	blocks := storage.Blocks("user1")
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(100), blocks[0].RemainingAmount)
	assert.Equal(t, int64(30), mustBalance(t, manager, "user1"))
}

type listErrorStorage struct {
	points.Storage
}

func (listErrorStorage) ListExpiredBlocks(context.Context, time.Time, int) ([]*points.CreditBlock, error) {
	return nil, errors.New("connection refused")
}

func TestSweepExpired_ListFailure(t *testing.T) {
	manager, err := points.NewManager(listErrorStorage{memory.New()}, nil, points.Config{})
	require.NoError(t, err)

	report, err := manager.SweepExpired(context.Background(), time.Now())
	assert.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Processed)
}

func TestSweepExpired_CanceledContext(t *testing.T) {
	manager, _, clock := newTestManager(t)
	mustCredit(t, manager, "user1", 10, day1.Add(time.Hour))
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.SweepExpired(ctx, clock.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(10), mustBalance(t, manager, "user1"))
}

func TestSweepExpired_RecordsMetrics(t *testing.T) {
	metrics := newMockMetrics()
	clock := newManualClock(day1)
	manager, err := points.NewManager(memory.New(), nil, points.Config{Clock: clock, Metrics: metrics})
	require.NoError(t, err)
	mustCredit(t, manager, "user1", 12, day1.Add(time.Hour))
	clock.Advance(2 * time.Hour)

	_, err = manager.SweepExpired(context.Background(), clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.sweeps)
	assert.Equal(t, int64(12), metrics.forfeited)
}

func TestSweeper_RunOnce(t *testing.T) {
	manager, _, clock := newTestManager(t)
	mustCredit(t, manager, "user1", 10, day1.Add(time.Hour))
	clock.Advance(2 * time.Hour)

	sweeper := points.NewSweeper(manager, points.SweeperConfig{})
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}

func TestSweeper_StartStop(t *testing.T) {
	manager, _, clock := newTestManager(t)
	mustCredit(t, manager, "user1", 10, day1.Add(time.Hour))
	clock.Advance(2 * time.Hour)

	sweeper := points.NewSweeper(manager, points.SweeperConfig{
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
	})
	require.NoError(t, sweeper.Start(context.Background()))
	assert.ErrorIs(t, sweeper.Start(context.Background()), points.ErrSweeperRunning)

	assert.Eventually(t, func() bool {
		return mustBalance(t, manager, "user1") == 0
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop() // second stop is a no-op

	// restartable after stop
	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
}

func TestSweeper_StopsWithContext(t *testing.T) {
	manager, _, _ := newTestManager(t)
	sweeper := points.NewSweeper(manager, points.SweeperConfig{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sweeper.Start(ctx))
	cancel()
	sweeper.Stop()
}
