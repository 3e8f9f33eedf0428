package points

import "time"

// Debit outcomes reported to Metrics.RecordDebit
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordCredit records a credit attempt.
	RecordCredit(amount int64, success bool)

	// RecordDebit records a debit attempt and its outcome.
	RecordDebit(amount int64, outcome string)

	// RecordSweep records the result of one expiration pass.
	RecordSweep(processed, failed int, forfeited int64, duration time.Duration)

	// RecordConflictRetry records a unit retried after a store conflict.
	RecordConflictRetry(operation string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCredit(amount int64, success bool)                                    {}
func (n *NoopMetrics) RecordDebit(amount int64, outcome string)                                   {}
func (n *NoopMetrics) RecordSweep(processed, failed int, forfeited int64, duration time.Duration) {}
func (n *NoopMetrics) RecordConflictRetry(operation string)                                       {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
