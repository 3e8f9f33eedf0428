package points

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

// RunInTx guards the whole unit; an error returned by fn is judged like any other storage error.
func (s *CircuitBreakerStorage) RunInTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.RunInTx(ctx, userID, fn)
	})
}

func (s *CircuitBreakerStorage) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var balance *Balance
	err := s.cb.Execute(ctx, func() error {
		var e error
		balance, e = s.storage.GetBalance(ctx, userID)
		return e
	})
	return balance, err
}

func (s *CircuitBreakerStorage) ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*CreditBlock, error) {
	var blocks []*CreditBlock
	err := s.cb.Execute(ctx, func() error {
		var e error
		blocks, e = s.storage.ListExpiredBlocks(ctx, now, limit)
		return e
	})
	return blocks, err
}

func (s *CircuitBreakerStorage) ListUsages(ctx context.Context, userID string, limit int) ([]*Usage, error) {
	var usages []*Usage
	err := s.cb.Execute(ctx, func() error {
		var e error
		usages, e = s.storage.ListUsages(ctx, userID, limit)
		return e
	})
	return usages, err
}

func (s *CircuitBreakerStorage) ListForfeitures(ctx context.Context, userID string, limit int) ([]*Forfeiture, error) {
	var forfeitures []*Forfeiture
	err := s.cb.Execute(ctx, func() error {
		var e error
		forfeitures, e = s.storage.ListForfeitures(ctx, userID, limit)
		return e
	})
	return forfeitures, err
}

// State returns the state of the underlying circuit breaker
func (s *CircuitBreakerStorage) State() CircuitBreakerState {
	return s.cb.State()
}
