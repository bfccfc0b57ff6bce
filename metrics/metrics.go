/*
Package metrics exposes Prometheus instrumentation for the compliance engine.

Counters and histograms use the default registry; serve them with
promhttp.Handler() on /metrics.
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_reconciliations_total",
		Help: "Supplementary version reconciliations by scenario and result.",
	}, []string{"scenario", "result"})

	reconciliationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "compliance_reconciliation_duration_seconds",
		Help:    "Wall time of one supplementary version orchestration.",
		Buckets: prometheus.DefBuckets,
	})

	effects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_post_commit_effects_total",
		Help: "Post-commit effects executed, by effect name and result.",
	}, []string{"effect", "result"})

	unappliedRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compliance_unapplied_refund_pool_total",
		Help: "Reconciliations that left refund pool unapplied because not every invoice cleared.",
	})
)

// ObserveReconciliation records one orchestration outcome.
func ObserveReconciliation(scenario, result string, duration time.Duration) {
	reconciliations.WithLabelValues(scenario, result).Inc()
	reconciliationDuration.Observe(duration.Seconds())
}

// CountEffect records one post-commit effect execution.
func CountEffect(effect, result string) {
	effects.WithLabelValues(effect, result).Inc()
}

// CountUnappliedRefund records a reconciliation that retained leftover pool.
func CountUnappliedRefund() {
	unappliedRefunds.Inc()
}
