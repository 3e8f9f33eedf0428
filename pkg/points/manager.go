package points

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Manager is the ledger engine. It credits and debits points per user and expires
// unused credit, keeping each user's cached balance equal to their spendable points.
type Manager struct {
	storage Storage
	users   UserResolver
	config  Config
	clock   Clock
	metrics Metrics
	logger  Logger
}

// NewManager creates a new ledger manager with the given storage, user resolver and configuration.
// A nil resolver accepts every user.
func NewManager(storage Storage, users UserResolver, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if users == nil {
		users = AcceptAllUsers
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		storage: storage,
		users:   users,
		config:  config,
		clock:   config.Clock,
		metrics: config.Metrics,
		logger:  config.Logger,
	}, nil
}

// Config returns the effective configuration after defaults
func (m *Manager) Config() Config {
	return m.config
}

// GetBalance returns the user's cached balance, or 0 when no balance record exists yet
func (m *Manager) GetBalance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		return 0, err
	}

	start := time.Now()
	balance, err := m.storage.GetBalance(ctx, userID)
	m.metrics.RecordStorageOperation("get_balance", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, nil
	}
	return balance.Total, nil
}

// Credit grants amount points to the user, spendable until expiresAt
func (m *Manager) Credit(ctx context.Context, userID string, amount int64, expiresAt time.Time) (*CreditBlock, error) {
	if amount <= 0 {
		m.metrics.RecordCredit(amount, false)
		return nil, ErrInvalidAmount
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		m.metrics.RecordCredit(amount, false)
		return nil, err
	}

	now := m.clock.Now()
	if err := m.validateExpiry(expiresAt, now); err != nil {
		m.metrics.RecordCredit(amount, false)
		return nil, err
	}

	block := &CreditBlock{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		RemainingAmount: amount,
		EarnedAt:        now,
		ExpiresAt:       expiresAt.UTC(),
	}

	err := m.withRetry(ctx, "credit", func() error {
		return m.storage.RunInTx(ctx, userID, func(tx Tx) error {
			if err := tx.InsertBlock(ctx, block); err != nil {
				return err
			}
			_, err := m.adjustBalance(ctx, tx, userID, amount, now)
			return err
		})
	})
	if err != nil {
		m.metrics.RecordCredit(amount, false)
		m.logger.Warn("credit failed",
			Field{"user_id", userID},
			Field{"amount", amount},
			Field{"error", err.Error()},
		)
		return nil, err
	}

	m.metrics.RecordCredit(amount, true)
	m.logger.Debug("points credited",
		Field{"user_id", userID},
		Field{"block_id", block.ID},
		Field{"amount", amount},
		Field{"expires_at", block.ExpiresAt},
	)
	return block, nil
}

// Debit spends amount points from the user's live blocks, earliest expiry first.
// It either applies fully or leaves every block and the balance unchanged.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64) (*Usage, error) {
	if amount <= 0 {
		m.metrics.RecordDebit(amount, OutcomeRejected)
		return nil, ErrInvalidAmount
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		m.metrics.RecordDebit(amount, OutcomeRejected)
		return nil, err
	}

	var usage *Usage
	err := m.withRetry(ctx, "debit", func() error {
		usage = nil
		now := m.clock.Now()
		return m.storage.RunInTx(ctx, userID, func(tx Tx) error {
			blocks, err := tx.LiveBlocks(ctx, userID, now)
			if err != nil {
				return err
			}

			available := liveTotal(blocks)
			if available < amount {
				return &InsufficientBalanceError{UserID: userID, Requested: amount, Available: available}
			}

			allocs, shortfall := Allocate(amount, blocks)
			if shortfall > 0 {
				return fmt.Errorf("%w: allocation of %d left a shortfall of %d with %d available",
					ErrInvariantViolation, amount, shortfall, available)
			}

			u := &Usage{
				ID:      uuid.NewString(),
				UserID:  userID,
				Amount:  amount,
				UsedAt:  now,
				Details: make([]UsageDetail, 0, len(allocs)),
			}
			for i, alloc := range allocs {
				if err := tx.UpdateBlockRemaining(ctx, alloc.Block.ID, alloc.Block.RemainingAmount); err != nil {
					return err
				}
				u.Details = append(u.Details, UsageDetail{
					UsageID: u.ID,
					BlockID: alloc.Block.ID,
					Seq:     i,
					Amount:  alloc.Amount,
				})
			}
			if err := tx.InsertUsage(ctx, u); err != nil {
				return err
			}
			if _, err := m.adjustBalance(ctx, tx, userID, -amount, now); err != nil {
				return err
			}

			usage = u
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			m.metrics.RecordDebit(amount, OutcomeInsufficient)
		default:
			m.metrics.RecordDebit(amount, OutcomeError)
			m.logger.Warn("debit failed",
				Field{"user_id", userID},
				Field{"amount", amount},
				Field{"error", err.Error()},
			)
		}
		return nil, err
	}

	m.metrics.RecordDebit(amount, OutcomeSuccess)
	m.logger.Debug("points debited",
		Field{"user_id", userID},
		Field{"usage_id", usage.ID},
		Field{"amount", amount},
		Field{"blocks", len(usage.Details)},
	)
	return usage, nil
}

// ListUsages returns the user's usages newest first. A non-positive limit uses the default.
func (m *Manager) ListUsages(ctx context.Context, userID string, limit int) ([]*Usage, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		return nil, err
	}

	start := time.Now()
	usages, err := m.storage.ListUsages(ctx, userID, clampLimit(limit))
	m.metrics.RecordStorageOperation("list_usages", time.Since(start), err)
	return usages, err
}

// ListForfeitures returns the points the sweep removed from the user, newest first
func (m *Manager) ListForfeitures(ctx context.Context, userID string, limit int) ([]*Forfeiture, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		return nil, err
	}

	start := time.Now()
	forfeitures, err := m.storage.ListForfeitures(ctx, userID, clampLimit(limit))
	m.metrics.RecordStorageOperation("list_forfeitures", time.Since(start), err)
	return forfeitures, err
}

// Reconcile recomputes the user's balance from their blocks and rewrites it if it drifted.
// Expired blocks the sweep has not reached yet still count, since the sweep removes them.
func (m *Manager) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.resolveUser(ctx, userID); err != nil {
		return nil, err
	}

	var result *ReconcileResult
	err := m.withRetry(ctx, "reconcile", func() error {
		result = nil
		now := m.clock.Now()
		return m.storage.RunInTx(ctx, userID, func(tx Tx) error {
			balance, err := tx.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			live, expired, err := tx.SumRemaining(ctx, userID, now)
			if err != nil {
				return err
			}

			var before int64
			if balance != nil {
				before = balance.Total
			}
			r := &ReconcileResult{
				UserID:        userID,
				Before:        before,
				After:         before,
				Live:          live,
				PendingExpiry: expired,
			}

			if target := live + expired; target != before {
				if err := tx.PutBalance(ctx, &Balance{UserID: userID, Total: target, UpdatedAt: now}); err != nil {
					return err
				}
				r.After = target
				r.Repaired = true
			}

			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if result.Repaired {
		m.logger.Warn("balance drift repaired",
			Field{"user_id", userID},
			Field{"before", result.Before},
			Field{"after", result.After},
		)
	}
	return result, nil
}

// adjustBalance applies delta to the user's balance inside tx.
// A result below zero aborts the unit with ErrInvariantViolation.
func (m *Manager) adjustBalance(ctx context.Context, tx Tx, userID string, delta int64, now time.Time) (*Balance, error) {
	balance, err := tx.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var current int64
	if balance != nil {
		current = balance.Total
	}

	next := current + delta
	if next < 0 {
		m.logger.Error("balance adjustment would go negative",
			Field{"user_id", userID},
			Field{"balance", current},
			Field{"delta", delta},
		)
		return nil, fmt.Errorf("%w: balance of user %s would become %d", ErrInvariantViolation, userID, next)
	}

	updated := &Balance{UserID: userID, Total: next, UpdatedAt: now}
	if err := tx.PutBalance(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *Manager) resolveUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	user, err := m.users.ResolveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	return nil
}

func (m *Manager) validateExpiry(expiresAt, now time.Time) error {
	if !expiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is not after %s",
			ErrInvalidExpiry, expiresAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if m.config.MaxExpiryHorizon > 0 && expiresAt.After(now.Add(m.config.MaxExpiryHorizon)) {
		return fmt.Errorf("%w: expiry %s is beyond the %s horizon",
			ErrInvalidExpiry, expiresAt.UTC().Format(time.RFC3339), m.config.MaxExpiryHorizon)
	}
	return nil
}

// withTimeout bounds ctx by OperationTimeout unless the caller already set a deadline
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.config.OperationTimeout)
}

// withRetry runs fn again after a store conflict, up to MaxRetries extra attempts.
// A negative MaxRetries runs fn exactly once.
func (m *Manager) withRetry(ctx context.Context, operation string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := fn()
		m.metrics.RecordStorageOperation(operation, time.Since(start), storageError(err))

		if err == nil || !errors.Is(err, ErrStoreConflict) || attempt >= m.config.MaxRetries {
			return err
		}

		m.metrics.RecordConflictRetry(operation)
		m.logger.Debug("retrying after store conflict",
			Field{"operation", operation},
			Field{"attempt", attempt + 1},
		)

		timer := time.NewTimer(m.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// backoff returns the delay before retry attempt+1: exponential with jitter in [d/2, d]
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.config.RetryBaseDelay << min(attempt, 20)
	if d <= 0 || d > m.config.RetryMaxDelay {
		d = m.config.RetryMaxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
}

// storageError hides business outcomes from storage metrics
func storageError(err error) error {
	if err == nil || isBusinessError(err) {
		return nil
	}
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
