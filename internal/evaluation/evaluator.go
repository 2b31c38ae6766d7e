package evaluation

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/turnd/internal/evaluation")

// Result is the fan-in of one evaluation round.
type Result struct {
	// Completion is nil when no task was evaluated.
	Completion *CompletionResult
	State      UserState
}

// Evaluator fans the completion check and state detection out onto the
// shared pool and waits for both.
type Evaluator struct {
	pool       *Pool
	completion *CompletionEvaluator
	detector   *StateDetector
	logger     *logging.Logger
}

// New creates an Evaluator. timeout bounds each oracle call.
func New(o oracle.Oracle, pool *Pool, logger *logging.Logger, timeout time.Duration) *Evaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if pool == nil {
		pool = NewPool(DefaultPoolSize)
	}
	logger = logger.Named("evaluation")
	return &Evaluator{
		pool:       pool,
		completion: NewCompletionEvaluator(o, logger, timeout),
		detector:   NewStateDetector(o, logger, timeout),
		logger:     logger,
	}
}

// Evaluate runs both evaluators concurrently. The completion check only
// runs when task is non-nil.
func (e *Evaluator) Evaluate(ctx context.Context, task *session.Task, history []session.Message) Result {
	ctx, span := tracer.Start(ctx, "evaluation.fanout")
	defer span.End()

	var (
		res Result
		wg  sync.WaitGroup
	)

	if task != nil {
		span.SetAttributes(attribute.String("task.id", task.ID))
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.pool.Do(ctx, func(ctx context.Context) {
				res.Completion = e.completion.Evaluate(ctx, task, history)
			})
			if err != nil {
				e.logger.Warn(ctx, "completion check not scheduled", zap.Error(err))
				res.Completion = notCompleted(task.ID)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := e.pool.Do(ctx, func(ctx context.Context) {
			res.State = e.detector.Detect(ctx, history)
		})
		if err != nil {
			e.logger.Warn(ctx, "state detection not scheduled", zap.Error(err))
		}
	}()

	wg.Wait()

	if res.Completion != nil {
		span.SetAttributes(
			attribute.Bool("completion.completed", res.Completion.Completed),
			attribute.String("completion.new_status", string(res.Completion.NewStatus)),
		)
	}
	span.SetAttributes(attribute.Bool("state.needs_replan", res.State.NeedsReplan()))
	return res
}
