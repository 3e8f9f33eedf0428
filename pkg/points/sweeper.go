package points

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SweepExpired zeroes every block that expired at or before now and still holds points,
// removing the remainder from its owner's balance and recording a Forfeiture.
// Each block is its own atomic unit; failures are collected in the report and do not stop the pass.
// Running it again over the same blocks is a no-op.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (*SweepReport, error) {
	report := &SweepReport{StartedAt: m.clock.Now()}
	defer func() {
		report.FinishedAt = m.clock.Now()
		m.metrics.RecordSweep(report.Processed, report.Failed, report.Forfeited,
			report.FinishedAt.Sub(report.StartedAt))
	}()

	var mu sync.Mutex
	// blocks already handled in this pass that may still be returned by the query
	skipped := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		limit := m.config.SweepBatchSize + len(skipped)
		start := time.Now()
		blocks, err := m.storage.ListExpiredBlocks(ctx, now, limit)
		m.metrics.RecordStorageOperation("list_expired_blocks", time.Since(start), err)
		if err != nil {
			return report, fmt.Errorf("failed to list expired blocks: %w", err)
		}

		pending := make([]*CreditBlock, 0, len(blocks))
		for _, b := range blocks {
			if _, ok := skipped[b.ID]; !ok {
				pending = append(pending, b)
			}
		}
		if len(pending) == 0 {
			return report, nil
		}

		var g errgroup.Group
		g.SetLimit(m.config.SweepConcurrency)
		for _, block := range pending {
			g.Go(func() error {
				forfeited, err := m.expireBlock(ctx, block, now)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					skipped[block.ID] = struct{}{}
					report.Failed++
					report.Failures = append(report.Failures, SweepFailure{
						BlockID: block.ID,
						UserID:  block.UserID,
						Err:     err,
					})
					m.logger.Warn("failed to expire block",
						Field{"block_id", block.ID},
						Field{"user_id", block.UserID},
						Field{"error", err.Error()},
					)
				case forfeited > 0:
					report.Processed++
					report.Forfeited += forfeited
				default:
					// already zero; the query may keep returning it until its index catches up
					skipped[block.ID] = struct{}{}
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(blocks) < limit {
			return report, nil
		}
	}
}

// expireBlock runs one sweep step and returns the number of points forfeited
func (m *Manager) expireBlock(ctx context.Context, candidate *CreditBlock, now time.Time) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var forfeited int64
	err := m.withRetry(ctx, "sweep", func() error {
		forfeited = 0
		return m.storage.RunInTx(ctx, candidate.UserID, func(tx Tx) error {
			block, err := tx.GetBlock(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if block.RemainingAmount == 0 || block.IsLive(now) {
				return nil
			}

			sweptAt := m.clock.Now()
			if _, err := m.adjustBalance(ctx, tx, block.UserID, -block.RemainingAmount, sweptAt); err != nil {
				return err
			}
			if err := tx.UpdateBlockRemaining(ctx, block.ID, 0); err != nil {
				return err
			}
			if err := tx.InsertForfeiture(ctx, &Forfeiture{
				ID:          uuid.NewString(),
				UserID:      block.UserID,
				BlockID:     block.ID,
				Amount:      block.RemainingAmount,
				ExpiredAt:   block.ExpiresAt,
				ForfeitedAt: sweptAt,
			}); err != nil {
				return err
			}

			forfeited = block.RemainingAmount
			return nil
		})
	})
	return forfeited, err
}

// SweeperConfig configures the background sweep loop
type SweeperConfig struct {
	// Interval between sweep passes (default: 1 hour)
	Interval time.Duration

	// RunOnStart runs a pass immediately when the loop starts
	RunOnStart bool
}

// ErrSweeperRunning is returned by Start when the loop is already running
var ErrSweeperRunning = errors.New("sweeper already running")

// Sweeper invokes Manager.SweepExpired on a fixed interval
type Sweeper struct {
	manager *Manager
	config  SweeperConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.Mutex // serializes passes
}

// NewSweeper creates a sweep loop for manager
func NewSweeper(manager *Manager, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Sweeper{
		manager: manager,
		config:  config,
	}
}

// Start launches the loop in a goroutine. It stops when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSweeperRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs a single pass at the manager's current time
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	log := s.manager.logger
	report, err := s.manager.SweepExpired(ctx, s.manager.clock.Now())
	if err != nil {
		log.Error("sweep pass aborted", Field{"error", err.Error()})
	}
	if report != nil {
		log.Info("sweep pass finished",
			Field{"processed", report.Processed},
			Field{"failed", report.Failed},
			Field{"forfeited", report.Forfeited},
			Field{"duration", report.FinishedAt.Sub(report.StartedAt).String()},
		)
	}
	return report, err
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.config.RunOnStart {
		_, _ = s.RunOnce(ctx) //nolint:errcheck // logged by RunOnce
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx) //nolint:errcheck // logged by RunOnce
		}
	}
}
