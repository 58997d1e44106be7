package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation check runs by check name.",
	}, []string{"check"})

	runErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check failures by check name.",
	}, []string{"check"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keymux",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation check runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		runErrors,
		runDuration,
	)
}
