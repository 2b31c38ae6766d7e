package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Background jobs accepted by name",
		},
		[]string{"job"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "jobs",
			Name:      "rejected_total",
			Help:      "Background jobs refused by name and reason",
		},
		[]string{"job", "reason"},
	)

	failedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Background jobs that returned an error or panicked",
		},
		[]string{"job"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "turnd",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Background job run time",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"job"},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turnd",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Jobs waiting for a worker",
	})
)
