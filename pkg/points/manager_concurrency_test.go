package points_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
)

func TestManager_ConcurrentDebits_ExactTotal(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	const workers = 40
	mustCredit(t, manager, "user1", 25, day1.Add(24*time.Hour))
	mustCredit(t, manager, "user1", 15, day1.Add(48*time.Hour))

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Debit(ctx, "user1", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(0), mustBalance(t, manager, "user1"))
	for _, b := range storage.Blocks("user1") {
		assert.Equal(t, int64(0), b.RemainingAmount)
	}
	assert.Equal(t, liveSum(storage, "user1", clock.Now()), mustBalance(t, manager, "user1"))
}

func TestManager_ConcurrentDebits_Oversubscribed(t *testing.T) {
	manager, storage, _ := newTestManager(t)
	ctx := context.Background()

	const workers = 30
	mustCredit(t, manager, "user1", 100, day1.Add(24*time.Hour))

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Debit(ctx, "user1", 7)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, points.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 14 debits of 7 fit into 100
	assert.Equal(t, 14, succeeded)
	assert.Equal(t, workers-14, insufficient)
	assert.Equal(t, int64(2), mustBalance(t, manager, "user1"))

	blocks := storage.Blocks("user1")
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(2), blocks[0].RemainingAmount)

	usages, err := manager.ListUsages(ctx, "user1", 100)
	require.NoError(t, err)
	assert.Len(t, usages, 14)
}

func TestManager_ConcurrentMixedOperations(t *testing.T) {
	manager, storage, clock := newTestManager(t)
	ctx := context.Background()

	const users = 5
	const rounds = 20
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user%d", u)
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := manager.Credit(ctx, userID, 5, day1.Add(time.Duration(i+1)*time.Hour))
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := manager.Debit(ctx, userID, 3)
				if err != nil && !errors.Is(err, points.ErrInsufficientBalance) {
					t.Errorf("unexpected debit error: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := manager.SweepExpired(ctx, clock.Now())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user%d", u)
		balance := mustBalance(t, manager, userID)
		assert.GreaterOrEqual(t, balance, int64(0))
		assert.Equal(t, liveSum(storage, userID, clock.Now()), balance, userID)
		for _, b := range storage.Blocks(userID) {
			assert.GreaterOrEqual(t, b.RemainingAmount, int64(0))
			assert.LessOrEqual(t, b.RemainingAmount, b.Amount)
		}
	}
}
