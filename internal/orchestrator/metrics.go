package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "turnd",
		Subsystem: "engine",
		Name:      "turn_duration_seconds",
		Help:      "Time from request to reply, background jobs excluded",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	taskCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "engine",
			Name:      "task_completions_total",
			Help:      "Tasks moved to sufficient or completed by the completion check",
		},
		[]string{"status"},
	)

	moduleChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turnd",
		Subsystem: "engine",
		Name:      "module_changes_total",
		Help:      "Turns that switched technique module",
	})

	planMaintenanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "engine",
			Name:      "plan_maintenance_total",
			Help:      "Plan maintenance runs by outcome",
		},
		[]string{"outcome"},
	)
)
