package oracle

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Oracle calls by backend, purpose and outcome",
		},
		[]string{"backend", "purpose", "outcome"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "turnd",
			Subsystem: "oracle",
			Name:      "call_duration_seconds",
			Help:      "Oracle call latency including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "purpose"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "oracle",
			Name:      "retries_total",
			Help:      "Oracle retry attempts by purpose",
		},
		[]string{"purpose"},
	)

	// ParseFallbacks counts structured responses that needed the marker parser
	// or the neutral default.
	ParseFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "oracle",
			Name:      "parse_fallbacks_total",
			Help:      "Structured responses decoded by fallback, by purpose and mode",
		},
		[]string{"purpose", "mode"},
	)
)

func observeCall(backend string, purpose Purpose, elapsed time.Duration, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyResponse):
		outcome = "empty"
	case isRetryableError(err):
		outcome = "transient"
	default:
		outcome = "error"
	}
	callsTotal.WithLabelValues(backend, string(purpose), outcome).Inc()
	callDuration.WithLabelValues(backend, string(purpose)).Observe(elapsed.Seconds())
}
