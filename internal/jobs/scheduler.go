// Package jobs runs the follow-up work of a turn on a bounded worker pool.
//
// Submit never blocks the turn. A full queue rejects the job instead, and
// every failure is logged, counted and delivered on Errors.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("jobs: queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("jobs: scheduler closed")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64

	errorBuffer = 64
)

// Job is one unit of background work.
type Job struct {
	Name           string
	ConversationID string
	Run            func(ctx context.Context) error
}

// JobError reports a failed job.
type JobError struct {
	Job            string
	ConversationID string
	Err            error
	At             time.Time
}

func (e JobError) Error() string {
	return fmt.Sprintf("job %s for %s: %v", e.Job, e.ConversationID, e.Err)
}

func (e JobError) Unwrap() error { return e.Err }

// Options configures a Scheduler.
type Options struct {
	Workers   int
	QueueSize int

	// Timeout bounds each job run. Zero means no deadline.
	Timeout time.Duration

	// OnError is called for every failed job, after logging.
	OnError func(ctx context.Context, e JobError)
}

// Scheduler is a bounded queue drained by a fixed set of workers.
type Scheduler struct {
	opts   Options
	logger *logging.Logger

	queue  chan Job
	errors chan JobError

	// ctx is the parent of every job context; cancel aborts running jobs
	// when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// pending counts submitted jobs that have not finished.
	idleMu  sync.Mutex
	idle    *sync.Cond
	pending int
}

// New starts a Scheduler with opts.Workers workers.
func New(opts Options, logger *logging.Logger) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:   opts,
		logger: logger.Named("jobs"),
		queue:  make(chan Job, opts.QueueSize),
		errors: make(chan JobError, errorBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.idle = sync.NewCond(&s.idleMu)
	s.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.worker()
	}
	return s
}

// Submit enqueues job without blocking.
func (s *Scheduler) Submit(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		rejectedTotal.WithLabelValues(job.Name, "closed").Inc()
		return ErrClosed
	}
	s.track(1)
	select {
	case s.queue <- job:
		submittedTotal.WithLabelValues(job.Name).Inc()
		queueDepth.Inc()
		return nil
	default:
		s.track(-1)
		rejectedTotal.WithLabelValues(job.Name, "queue_full").Inc()
		s.logger.Warn(logging.WithConversationID(context.Background(), job.ConversationID),
			"job rejected, queue full", zap.String("job", job.Name))
		return ErrQueueFull
	}
}

// Errors delivers failed jobs. Errors are dropped when the buffer is full.
func (s *Scheduler) Errors() <-chan JobError {
	return s.errors
}

// Wait blocks until no submitted job is queued or running. Jobs submitted
// while it waits are waited for too.
func (s *Scheduler) Wait() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
}

func (s *Scheduler) track(delta int) {
	s.idleMu.Lock()
	s.pending += delta
	if s.pending == 0 {
		s.idle.Broadcast()
	}
	s.idleMu.Unlock()
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// ends first, running jobs are cancelled and ctx.Err() is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		queueDepth.Dec()
		s.run(job)
		s.track(-1)
	}
}

func (s *Scheduler) run(job Job) {
	ctx := logging.WithConversationID(s.ctx, job.ConversationID)
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, job)
	jobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}

	failedTotal.WithLabelValues(job.Name).Inc()
	s.logger.Error(ctx, "background job failed", zap.String("job", job.Name), zap.Error(err))

	je := JobError{Job: job.Name, ConversationID: job.ConversationID, Err: err, At: time.Now()}
	if s.opts.OnError != nil {
		s.opts.OnError(ctx, je)
	}
	select {
	case s.errors <- je:
	default:
	}
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
