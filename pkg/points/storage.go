package points

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// RunInTx executes fn as one all-or-nothing unit scoped to userID.
	// Conflicting units for the same user are serialized by the backend; units for
	// different users may run in parallel. If fn returns an error nothing is persisted.
	// Contention the backend cannot resolve is reported as ErrStoreConflict.
	RunInTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	// GetBalance returns the user's balance record, or nil if none exists yet
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// ListExpiredBlocks returns up to limit blocks with ExpiresAt <= now and
	// RemainingAmount > 0, earliest expiry first
	ListExpiredBlocks(ctx context.Context, now time.Time, limit int) ([]*CreditBlock, error)

	// ListUsages returns the user's usages with their details, newest first
	ListUsages(ctx context.Context, userID string, limit int) ([]*Usage, error)

	// ListForfeitures returns the user's forfeiture records, newest first
	ListForfeitures(ctx context.Context, userID string, limit int) ([]*Forfeiture, error)
}

// Tx is the view of storage available inside one atomic unit.
// Reads observe the unit's own writes.
type Tx interface {
	// GetBalance returns the user's balance record, or nil if none exists yet
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// PutBalance creates or replaces the balance record
	PutBalance(ctx context.Context, balance *Balance) error

	// LiveBlocks returns the user's blocks with ExpiresAt strictly after now that still
	// hold points, ordered by ascending ExpiresAt. The returned blocks are copies.
	LiveBlocks(ctx context.Context, userID string, now time.Time) ([]*CreditBlock, error)

	// SumRemaining returns the user's remaining amount split into blocks that are
	// live at now and blocks that have expired but still hold points
	SumRemaining(ctx context.Context, userID string, now time.Time) (live, expired int64, err error)

	// GetBlock returns a block by ID, or ErrBlockNotFound
	GetBlock(ctx context.Context, blockID string) (*CreditBlock, error)

	// InsertBlock persists a new block
	InsertBlock(ctx context.Context, block *CreditBlock) error

	// UpdateBlockRemaining persists a block's new remaining amount
	UpdateBlockRemaining(ctx context.Context, blockID string, remaining int64) error

	// InsertUsage persists a usage together with its details
	InsertUsage(ctx context.Context, usage *Usage) error

	// InsertForfeiture persists a forfeiture record
	InsertForfeiture(ctx context.Context, forfeiture *Forfeiture) error
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
