package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	orphanedClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "orphaned_claims",
		Help:      "Negotiation claims without a matching order found in the last run.",
	})

	mismatchedAmounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "mismatched_amounts",
		Help:      "Orders whose amount differs from their negotiated price in the last run.",
	})

	claimsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "claims_released_total",
		Help:      "Orphaned negotiation claims released.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		orphanedClaims,
		mismatchedAmounts,
		claimsReleased,
		runDuration,
		runErrors,
	)
}
