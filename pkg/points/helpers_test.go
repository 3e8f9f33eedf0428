package points_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
	"github.com/mihaimyh/gopoints/storage/memory"
)

var day1 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// manualClock is a points.Clock moved by tests
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
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

// Helper function to create a test manager with in-memory storage
func newTestManager(t *testing.T) (*points.Manager, *memory.Storage, *manualClock) {
	t.Helper()
	storage := memory.New()
	clock := newManualClock(day1)
	manager, err := points.NewManager(storage, nil, points.Config{
		Clock:          clock,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return manager, storage, clock
}

func mustCredit(t *testing.T, m *points.Manager, userID string, amount int64, expiresAt time.Time) *points.CreditBlock {
	t.Helper()
	block, err := m.Credit(context.Background(), userID, amount, expiresAt)
	require.NoError(t, err)
	return block
}

func mustBalance(t *testing.T, m *points.Manager, userID string) int64 {
	t.Helper()
	balance, err := m.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

// liveSum recomputes the spendable total from the stored blocks
func liveSum(s *memory.Storage, userID string, now time.Time) int64 {
	var total int64
	for _, b := range s.Blocks(userID) {
		if b.IsLive(now) {
			total += b.RemainingAmount
		}
	}
	return total
}

// conflictStorage fails the first n units with ErrStoreConflict
type conflictStorage struct {
	points.Storage
	remaining atomic.Int32
	calls     atomic.Int32
}

func newConflictStorage(next points.Storage, conflicts int32) *conflictStorage {
	s := &conflictStorage{Storage: next}
	s.remaining.Store(conflicts)
	return s
}

func (s *conflictStorage) RunInTx(ctx context.Context, userID string, fn func(tx points.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return points.ErrStoreConflict
	}
	return s.Storage.RunInTx(ctx, userID, fn)
}

// mockMetrics counts recorded events
type mockMetrics struct {
	mu            sync.Mutex
	credits       map[bool]int
	debits        map[string]int
	sweeps        int
	forfeited     int64
	retries       int
	storageErrors int
	states        []string
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{credits: map[bool]int{}, debits: map[string]int{}}
}

func (m *mockMetrics) RecordCredit(_ int64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[success]++
}

func (m *mockMetrics) RecordDebit(_ int64, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debits[outcome]++
}

func (m *mockMetrics) RecordSweep(_, _ int, forfeited int64, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.forfeited += forfeited
}

func (m *mockMetrics) RecordConflictRetry(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockMetrics) RecordStorageOperation(_ string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.storageErrors++
	}
}

func (m *mockMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}
