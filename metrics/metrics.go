// Package metrics holds the Prometheus collectors of the ledger engine.
// Collectors register on the default registry; the API server exposes them
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

// =============================================================================
// UNIT OF WORK
// =============================================================================

// TransactionsTotal counts committed transactions.
var TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "unit",
	Name:      "transactions_total",
	Help:      "Committed ledger transactions by currency and kind.",
}, []string{"currency", "kind"})

var RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "unit",
	Name:      "rejections_total",
	Help:      "Units rejected by a business rule, by operation and reason code.",
}, []string{"operation", "code"})

var RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "unit",
	Name:      "retries_total",
	Help:      "Units re-run after a transient storage failure.",
}, []string{"operation"})

var FatalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "unit",
	Name:      "fatal_errors_total",
	Help:      "Units aborted by an unexpected or exhausted failure.",
}, []string{"operation"})

// NoOpsTotal counts operations that returned without touching the ledger.
var NoOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "unit",
	Name:      "noops_total",
	Help:      "Operations that were a no-op, by operation and reason code.",
}, []string{"operation", "reason"})

// =============================================================================
// SAKA CYCLES
// =============================================================================

var CompostCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "compost",
	Name:      "cycle_duration_seconds",
	Help:      "Wall time of compost cycles.",
	Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
}, []string{"dry_run"})

var CompostWalletsAffected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "compost",
	Name:      "wallets_affected_total",
	Help:      "Wallets decayed by committed compost cycles.",
})

var CompostedAmount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "compost",
	Name:      "amount_total",
	Help:      "SAKA moved from wallets to the common pool by compost.",
})

var RedistributedAmount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "redistribution",
	Name:      "amount_total",
	Help:      "SAKA paid out of the common pool to active wallets.",
})

// PoolBalance is the last observed common pool balance.
var PoolBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "pool",
	Name:      "balance",
	Help:      "Common pool balance after the last cycle.",
}, []string{"currency"})

// =============================================================================
// EUR
// =============================================================================

var EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "escrow",
	Name:      "transitions_total",
	Help:      "Escrows created, released or refunded.",
}, []string{"status"})

var NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "failures_total",
	Help:      "Settlement notifications that could not be delivered.",
})
