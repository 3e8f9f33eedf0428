// Package prommetrics implements points.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// Metrics implements points.Metrics using Prometheus.
type Metrics struct {
	creditsTotal               *prometheus.CounterVec
	creditedPoints             prometheus.Counter
	debitsTotal                *prometheus.CounterVec
	debitedPoints              prometheus.Counter
	debitAmount                prometheus.Histogram
	sweepsTotal                prometheus.Counter
	sweepBlocksTotal           *prometheus.CounterVec
	forfeitedPoints            prometheus.Counter
	sweepDuration              prometheus.Histogram
	conflictRetriesTotal       *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Total number of credit attempts.",
		}, []string{"success"}),

		creditedPoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_points_total",
			Help:      "Total number of points granted.",
		}),

		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Total number of debit attempts by outcome.",
		}, []string{"outcome"}),

		debitedPoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debited_points_total",
			Help:      "Total number of points spent.",
		}),

		debitAmount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debit_amount",
			Help:      "Distribution of successful debit amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}),

		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total number of expiration passes.",
		}),

		sweepBlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_blocks_total",
			Help:      "Total number of blocks handled by expiration passes.",
		}, []string{"result"}),

		forfeitedPoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forfeited_points_total",
			Help:      "Total number of expired points removed from balances.",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Latency of expiration passes.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),

		conflictRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Total number of units retried after a store conflict.",
		}, []string{"operation"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCredit(amount int64, success bool) {
	m.creditsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		m.creditedPoints.Add(float64(amount))
	}
}

func (m *Metrics) RecordDebit(amount int64, outcome string) {
	m.debitsTotal.WithLabelValues(outcome).Inc()
	if outcome == points.OutcomeSuccess {
		m.debitedPoints.Add(float64(amount))
		m.debitAmount.Observe(float64(amount))
	}
}

func (m *Metrics) RecordSweep(processed, failed int, forfeited int64, duration time.Duration) {
	m.sweepsTotal.Inc()
	m.sweepBlocksTotal.WithLabelValues("expired").Add(float64(processed))
	m.sweepBlocksTotal.WithLabelValues("failed").Add(float64(failed))
	m.forfeitedPoints.Add(float64(forfeited))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordConflictRetry(operation string) {
	m.conflictRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

var _ points.Metrics = (*Metrics)(nil)

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
