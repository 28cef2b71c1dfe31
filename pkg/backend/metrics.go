package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// invocations counts backend runs.
	// Labels: kind (pyramid, third_party, external), outcome (ok, error)
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stereocorr",
		Subsystem: "backend",
		Name:      "invocations_total",
		Help:      "Total correlation backend invocations",
	}, []string{"kind", "outcome"})

	// duration measures wall-clock time per invocation.
	// Labels: kind
	duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stereocorr",
		Subsystem: "backend",
		Name:      "duration_seconds",
		Help:      "Correlation backend run time in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind"})
)

func observe(kind Kind, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	invocations.WithLabelValues(kind.String(), outcome).Inc()
	duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}
