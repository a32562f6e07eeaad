// Package metrics provides Prometheus instrumentation for the sync core:
// counters for reconciled deltas and self-heal deletions, gauges for live
// subscriptions and the unseen total, and a histogram for reconcile latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeltasReconciled counts remote deltas applied to the local cache,
	// labeled by op: "added", "modified", or "removed".
	DeltasReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_deltas_reconciled_total",
		Help: "Remote deltas applied to the local cache",
	}, []string{"op"})

	// ReconcileLatency records per-delta reconcile latency in seconds.
	ReconcileLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_reconcile_latency_seconds",
		Help:    "Per-delta reconcile latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// LiveSubscriptions tracks the current number of remote change-stream
	// subscriptions (presence watches plus message windows).
	LiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_live_subscriptions",
		Help: "Current number of remote change-stream subscriptions",
	})

	// UnseenTotal mirrors the process-wide unseen-message counter.
	UnseenTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unseen_total",
		Help: "Process-wide unseen message count",
	})

	// SelfHealDeletes counts local messages deleted by the post-reconnect
	// window diff.
	SelfHealDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_selfheal_deletes_total",
		Help: "Local messages deleted by the post-reconnect window diff",
	})

	// DroppedDeltas counts malformed or unapplicable deltas that were logged
	// and skipped.
	DroppedDeltas = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_dropped_deltas_total",
		Help: "Deltas dropped due to decode or apply errors",
	})
)

func init() {
	prometheus.MustRegister(
		DeltasReconciled,
		ReconcileLatency,
		LiveSubscriptions,
		UnseenTotal,
		SelfHealDeletes,
		DroppedDeltas,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
