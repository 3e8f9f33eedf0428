package points

import (
	"fmt"
	"time"
)

// User is the minimal view of an account owned by the user collaborator
type User struct {
	ID string
}

// CreditBlock is a quantum of points granted to a user with its own expiry.
// RemainingAmount stays within [0, Amount]; a block at zero is inert.
type CreditBlock struct {
	ID              string
	UserID          string
	Amount          int64
	RemainingAmount int64
	EarnedAt        time.Time
	ExpiresAt       time.Time
}

// IsLive reports whether the block can still be spent at now
func (b *CreditBlock) IsLive(now time.Time) bool {
	return b.ExpiresAt.After(now)
}

// Usage is a single debit event. Details are in block-consumption order.
type Usage struct {
	ID      string
	UserID  string
	Amount  int64
	UsedAt  time.Time
	Details []UsageDetail
}

// UsageDetail is the amount a Usage drew from one CreditBlock
type UsageDetail struct {
	UsageID string
	BlockID string
	Seq     int
	Amount  int64
}

// Balance is the cached total of a user's spendable points
type Balance struct {
	UserID    string
	Total     int64
	UpdatedAt time.Time
}

// Forfeiture records the unused remainder of a block zeroed by the expiration sweep
type Forfeiture struct {
	ID          string
	UserID      string
	BlockID     string
	Amount      int64
	ExpiredAt   time.Time
	ForfeitedAt time.Time
}

// SweepFailure describes one block the sweep could not process
type SweepFailure struct {
	BlockID string
	UserID  string
	Err     error
}

// SweepReport summarizes one expiration pass
type SweepReport struct {
	// Processed is the number of blocks zeroed in this pass
	Processed int

	// Failed is the number of blocks whose step failed
	Failed int

	// Forfeited is the total number of points removed from balances
	Forfeited int64

	// Failures holds the per-block errors, in no particular order
	Failures []SweepFailure

	StartedAt  time.Time
	FinishedAt time.Time
}

// ReconcileResult reports the outcome of a balance recomputation
type ReconcileResult struct {
	UserID string

	// Before is the cached total prior to reconciliation
	Before int64

	// After is the cached total once reconciliation finished
	After int64

	// Live is the remaining amount held by unexpired blocks
	Live int64

	// PendingExpiry is the remaining amount held by expired blocks the sweep has not reached yet
	PendingExpiry int64

	// Repaired is true when the cached total had drifted and was rewritten
	Repaired bool
}

// Config holds ledger manager configuration
type Config struct {
	// MaxExpiryHorizon bounds how far in the future a credit may expire (0 = unbounded)
	MaxExpiryHorizon time.Duration

	// OperationTimeout applies to operations whose context has no deadline (default: 10 seconds)
	OperationTimeout time.Duration

	// MaxRetries is the number of extra attempts after a store conflict.
	// Zero selects the default of 3; a negative value disables retries.
	MaxRetries int

	// RetryBaseDelay is the initial backoff between attempts (default: 10ms)
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff (default: 500ms)
	RetryMaxDelay time.Duration

	// SweepBatchSize is the page size used when scanning expired blocks (default: 500)
	SweepBatchSize int

	// SweepConcurrency bounds how many blocks are expired in parallel (default: 4)
	SweepConcurrency int

	// Clock supplies the current time (default: system clock in UTC)
	Clock Clock

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 10 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   10 * time.Millisecond,
		RetryMaxDelay:    500 * time.Millisecond,
		SweepBatchSize:   500,
		SweepConcurrency: 4,
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.MaxExpiryHorizon < 0 {
		return fmtConfigError("max expiry horizon must not be negative")
	}
	if c.RetryMaxDelay > 0 && c.RetryBaseDelay > c.RetryMaxDelay {
		return fmtConfigError("retry base delay exceeds retry max delay")
	}
	if c.SweepBatchSize < 0 || c.SweepConcurrency < 0 {
		return fmtConfigError("sweep batch size and concurrency must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.OperationTimeout == 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = def.SweepBatchSize
	}
	if c.SweepConcurrency == 0 {
		c.SweepConcurrency = def.SweepConcurrency
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
}

func fmtConfigError(msg string) error {
	return fmt.Errorf("invalid config: %s", msg)
}
