// Package storagetest provides a behavioral test suite shared by every points.Storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// Factory returns a ready, empty storage for one subtest
type Factory func(t *testing.T) points.Storage

// Options tunes the suite for a backend
type Options struct {
	// ConcurrentDebits is the number of goroutines in the concurrency test (default: 20)
	ConcurrentDebits int

	// MaxRetries for the manager; optimistic backends need more under contention (default: 3)
	MaxRetries int
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	storage points.Storage
	manager *points.Manager
	clock   *manualClock
	userID  string
}

func setup(t *testing.T, factory Factory, opts Options) *env {
	t.Helper()
	storage := factory(t)
	clock := &manualClock{now: time.Now().UTC().Truncate(time.Millisecond)}
	manager, err := points.NewManager(storage, nil, points.Config{
		Clock:          clock,
		MaxRetries:     opts.MaxRetries,
		RetryBaseDelay: 2 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	return &env{
		storage: storage,
		manager: manager,
		clock:   clock,
		userID:  "user-" + uuid.NewString(),
	}
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	b, err := e.manager.GetBalance(context.Background(), e.userID)
	require.NoError(t, err)
	return b
}

// Run executes the suite against storages produced by factory
func Run(t *testing.T, factory Factory, opts Options) {
	if opts.ConcurrentDebits <= 0 {
		opts.ConcurrentDebits = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	t.Run("BalanceMissing", func(t *testing.T) {
		e := setup(t, factory, opts)
		b, err := e.storage.GetBalance(context.Background(), e.userID)
		require.NoError(t, err)
		assert.Nil(t, b)
		assert.Equal(t, int64(0), e.balance(t))
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		boom := errors.New("boom")

		err := e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			if err := tx.InsertBlock(ctx, &points.CreditBlock{
				ID:              uuid.NewString(),
				UserID:          e.userID,
				Amount:          10,
				RemainingAmount: 10,
				EarnedAt:        e.clock.Now(),
				ExpiresAt:       e.clock.Now().Add(time.Hour),
			}); err != nil {
				return err
			}
			if err := tx.PutBalance(ctx, &points.Balance{UserID: e.userID, Total: 10, UpdatedAt: e.clock.Now()}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		b, err := e.storage.GetBalance(ctx, e.userID)
		require.NoError(t, err)
		assert.Nil(t, b)

		err = e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			live, expired, err := tx.SumRemaining(ctx, e.userID, e.clock.Now())
			require.NoError(t, err)
			assert.Zero(t, live)
			assert.Zero(t, expired)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ReadsOwnWrites", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()
		blockID := uuid.NewString()

		err := e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			require.NoError(t, tx.InsertBlock(ctx, &points.CreditBlock{
				ID: blockID, UserID: e.userID, Amount: 10, RemainingAmount: 10,
				EarnedAt: now, ExpiresAt: now.Add(time.Hour),
			}))
			require.NoError(t, tx.UpdateBlockRemaining(ctx, blockID, 4))

			block, err := tx.GetBlock(ctx, blockID)
			require.NoError(t, err)
			assert.Equal(t, int64(4), block.RemainingAmount)

			live, err := tx.LiveBlocks(ctx, e.userID, now)
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, int64(4), live[0].RemainingAmount)

			require.NoError(t, tx.PutBalance(ctx, &points.Balance{UserID: e.userID, Total: 4, UpdatedAt: now}))
			b, err := tx.GetBalance(ctx, e.userID)
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, int64(4), b.Total)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4), e.balance(t))
	})

	t.Run("GetBlockNotFound", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		err := e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			_, err := tx.GetBlock(ctx, uuid.NewString())
			return err
		})
		assert.ErrorIs(t, err, points.ErrBlockNotFound)
	})

	t.Run("RemainingOutOfBounds", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()
		blockID := uuid.NewString()

		require.NoError(t, e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			return tx.InsertBlock(ctx, &points.CreditBlock{
				ID: blockID, UserID: e.userID, Amount: 10, RemainingAmount: 10,
				EarnedAt: now, ExpiresAt: now.Add(time.Hour),
			})
		}))

		err := e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			return tx.UpdateBlockRemaining(ctx, blockID, 11)
		})
		assert.ErrorIs(t, err, points.ErrInvariantViolation)

		err = e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			b, err := tx.GetBlock(ctx, blockID)
			require.NoError(t, err)
			assert.Equal(t, int64(10), b.RemainingAmount)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("EarliestExpiryFirst", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()

		blockB, err := e.manager.Credit(ctx, e.userID, 50, now.Add(48*time.Hour))
		require.NoError(t, err)
		blockA, err := e.manager.Credit(ctx, e.userID, 30, now.Add(24*time.Hour))
		require.NoError(t, err)

		usage, err := e.manager.Debit(ctx, e.userID, 40)
		require.NoError(t, err)
		require.Len(t, usage.Details, 2)
		assert.Equal(t, blockA.ID, usage.Details[0].BlockID)
		assert.Equal(t, int64(30), usage.Details[0].Amount)
		assert.Equal(t, blockB.ID, usage.Details[1].BlockID)
		assert.Equal(t, int64(10), usage.Details[1].Amount)
		assert.Equal(t, int64(40), e.balance(t))

		err = e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			a, err := tx.GetBlock(ctx, blockA.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), a.RemainingAmount)
			b, err := tx.GetBlock(ctx, blockB.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(40), b.RemainingAmount)
			assert.True(t, b.ExpiresAt.Equal(blockB.ExpiresAt))
			return nil
		})
		require.NoError(t, err)

		usages, err := e.manager.ListUsages(ctx, e.userID, 10)
		require.NoError(t, err)
		require.Len(t, usages, 1)
		assert.Equal(t, usage.ID, usages[0].ID)
		require.Len(t, usages[0].Details, 2)
		assert.Equal(t, 0, usages[0].Details[0].Seq)
		assert.Equal(t, blockA.ID, usages[0].Details[0].BlockID)
	})

	t.Run("Insufficient", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()
		_, err := e.manager.Credit(ctx, e.userID, 30, now.Add(time.Hour))
		require.NoError(t, err)
		_, err = e.manager.Credit(ctx, e.userID, 50, now.Add(2*time.Hour))
		require.NoError(t, err)

		_, err = e.manager.Debit(ctx, e.userID, 81)
		var insufficient *points.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(80), insufficient.Available)
		assert.Equal(t, int64(80), e.balance(t))

		usages, err := e.manager.ListUsages(ctx, e.userID, 10)
		require.NoError(t, err)
		assert.Empty(t, usages)
	})

	t.Run("SweepExpired", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()
		expiring, err := e.manager.Credit(ctx, e.userID, 100, now.Add(time.Hour))
		require.NoError(t, err)
		_, err = e.manager.Credit(ctx, e.userID, 25, now.Add(72*time.Hour))
		require.NoError(t, err)

		e.clock.Advance(2 * time.Hour)
		report, err := e.manager.SweepExpired(ctx, e.clock.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, report.Processed, 1)
		assert.Equal(t, int64(25), e.balance(t))

		forfeitures, err := e.manager.ListForfeitures(ctx, e.userID, 10)
		require.NoError(t, err)
		require.Len(t, forfeitures, 1)
		assert.Equal(t, expiring.ID, forfeitures[0].BlockID)
		assert.Equal(t, int64(100), forfeitures[0].Amount)

		// second pass over the same user is a no-op
		_, err = e.manager.SweepExpired(ctx, e.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(25), e.balance(t))
		forfeitures, err = e.manager.ListForfeitures(ctx, e.userID, 10)
		require.NoError(t, err)
		assert.Len(t, forfeitures, 1)

		expired, err := e.storage.ListExpiredBlocks(ctx, e.clock.Now(), 1000)
		require.NoError(t, err)
		for _, b := range expired {
			assert.NotEqual(t, expiring.ID, b.ID)
		}
	})

	t.Run("Reconcile", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		now := e.clock.Now()
		_, err := e.manager.Credit(ctx, e.userID, 40, now.Add(time.Hour))
		require.NoError(t, err)
		_, err = e.manager.Credit(ctx, e.userID, 60, now.Add(48*time.Hour))
		require.NoError(t, err)

		require.NoError(t, e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			return tx.PutBalance(ctx, &points.Balance{UserID: e.userID, Total: 1, UpdatedAt: now})
		}))
		e.clock.Advance(2 * time.Hour)

		result, err := e.manager.Reconcile(ctx, e.userID)
		require.NoError(t, err)
		assert.True(t, result.Repaired)
		assert.Equal(t, int64(60), result.Live)
		assert.Equal(t, int64(40), result.PendingExpiry)
		assert.Equal(t, int64(100), e.balance(t))
	})

	t.Run("ConcurrentDebits", func(t *testing.T) {
		e := setup(t, factory, opts)
		ctx := context.Background()
		n := opts.ConcurrentDebits
		_, err := e.manager.Credit(ctx, e.userID, int64(n), e.clock.Now().Add(time.Hour))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, n+5)
		for i := 0; i < n+5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.manager.Debit(ctx, e.userID, 1)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var succeeded, insufficient, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, points.ErrInsufficientBalance):
				insufficient++
			case errors.Is(err, points.ErrStoreConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}

		// exhausted retries may reject a debit but never double-spend
		assert.Equal(t, n+5, succeeded+insufficient+conflicts)
		assert.LessOrEqual(t, succeeded, n)
		assert.Equal(t, int64(n-succeeded), e.balance(t))

		require.NoError(t, e.storage.RunInTx(ctx, e.userID, func(tx points.Tx) error {
			live, _, err := tx.SumRemaining(ctx, e.userID, e.clock.Now())
			require.NoError(t, err)
			assert.Equal(t, int64(n-succeeded), live)
			return nil
		}))
	})
}
