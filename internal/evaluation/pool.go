package evaluation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var (
	poolWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "turnd",
		Subsystem: "evaluation",
		Name:      "pool_wait_seconds",
		Help:      "Time evaluator calls waited for a pool slot",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	poolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turnd",
		Subsystem: "evaluation",
		Name:      "pool_in_flight",
		Help:      "Evaluator calls currently holding a pool slot",
	})
)

// DefaultPoolSize is the number of concurrent evaluator calls.
const DefaultPoolSize = 3

// Pool bounds concurrent evaluator work across all turns.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with size slots.
func NewPool(size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do runs fn once a slot is free. It returns ctx.Err() without running fn
// when ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context)) error {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	poolWait.Observe(time.Since(start).Seconds())
	poolInFlight.Inc()
	defer func() {
		poolInFlight.Dec()
		p.sem.Release(1)
	}()

	fn(ctx)
	return nil
}
