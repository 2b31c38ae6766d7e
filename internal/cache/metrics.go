package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the session cache.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Size      prometheus.Gauge
}

// NewMetrics registers the cache metrics once per process.
//
//   - turnd_session_cache_hits_total
//   - turnd_session_cache_misses_total
//   - turnd_session_cache_evictions_total
//   - turnd_session_cache_size
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Hits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "turnd_session_cache_hits_total",
				Help: "Session cache hits",
			}),
			Misses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "turnd_session_cache_misses_total",
				Help: "Session cache misses, expired entries included",
			}),
			Evictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "turnd_session_cache_evictions_total",
				Help: "Sessions evicted to make room",
			}),
			Size: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "turnd_session_cache_size",
				Help: "Number of cached sessions",
			}),
		}
	})
	return globalMetrics
}

// The helpers below tolerate a nil receiver so metrics stay optional.

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) size(n int) {
	if m != nil {
		m.Size.Set(float64(n))
	}
}
