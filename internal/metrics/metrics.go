package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verifier counters and histograms. Node-scoped series are labelled with
// the ledger node id in hex ("0001").

var (
	// Engine
	UnknownLogEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "engine",
		Name:      "unknown_log_entries_total",
		Help:      "Log entries whose type/type_no pair has no accounting rule",
	}, []string{"type", "type_no"})

	EntriesClassifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "engine",
		Name:      "entries_classified_total",
		Help:      "Log entries folded into a balance sum",
	}, []string{"type"})

	BalanceChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "engine",
		Name:      "balance_checks_total",
		Help:      "Balance reconciliation checks by outcome",
	}, []string{"outcome"})

	// Reconciliation runs
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation runs",
	}, []string{"node"})

	ReconciliationMismatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Accounts whose logged history does not sum to their balance",
	}, []string{"node"})

	ReconciliationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Accounts that could not be fetched or decoded",
	}, []string{"node"})

	ReconciliationRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escverify",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of a full reconciliation run",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Fee sharing
	FeeShareChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "feeshare",
		Name:      "checks_total",
		Help:      "profit_shared values compared against the pool model, by outcome",
	}, []string{"outcome"})

	// Ledger node client
	NodeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "node",
		Name:      "calls_total",
		Help:      "Ledger node invocations by command and outcome",
	}, []string{"command", "outcome"})

	NodeCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escverify",
		Subsystem: "node",
		Name:      "call_duration_seconds",
		Help:      "Ledger node invocation duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"command"})

	NodeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "node",
		Name:      "retries_total",
		Help:      "Retried ledger node invocations after a transient failure",
	}, []string{"command"})

	RateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "node",
		Name:      "rate_limit_waits_total",
		Help:      "Invocations that had to wait for the rate limiter",
	}, []string{"command"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escverify",
		Subsystem: "node",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// Cursor store
	CursorStoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "cursor",
		Name:      "store_ops_total",
		Help:      "Event cursor store operations by backend, op and outcome",
	}, []string{"backend", "op", "outcome"})

	// Reports
	ReportsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "report",
		Name:      "published_total",
		Help:      "Reconciliation reports handed to a sink, by outcome",
	}, []string{"sink", "outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel",
	}, []string{"type", "channel"})

	AlertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "alert",
		Name:      "suppressed_total",
		Help:      "Alerts dropped by the cooldown window",
	}, []string{"type"})

	// Admin API
	AdminRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Admin API requests rejected by the per-IP limiter",
	}, []string{"endpoint"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escverify",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Open connections in the snapshot database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escverify",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escverify",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Idle connections",
	})

	SnapshotsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escverify",
		Subsystem: "postgres",
		Name:      "snapshots_saved_total",
		Help:      "Reconciliation snapshots persisted",
	})
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)
