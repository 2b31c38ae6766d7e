package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/cache"
	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/evaluation"
	"github.com/fyrsmithlabs/turnd/internal/events"
	"github.com/fyrsmithlabs/turnd/internal/jobs"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/phase"
	"github.com/fyrsmithlabs/turnd/internal/planner"
	"github.com/fyrsmithlabs/turnd/internal/review"
	"github.com/fyrsmithlabs/turnd/internal/selector"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/fyrsmithlabs/turnd/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/turnd/internal/orchestrator")

// Deps are the collaborators of an Engine. Store and Oracle are required.
type Deps struct {
	Store   store.Repository
	Oracle  oracle.Oracle
	Catalog *catalog.Catalog
	Cache   *cache.Cache
	Pool    *evaluation.Pool
	Events  events.Publisher
	Logger  *logging.Logger

	// Jobs configures the engine's scheduler. OnError is chained after the
	// engine's own handler.
	Jobs jobs.Options
}

// Engine runs turns. It is safe for concurrent use; turns of one
// conversation are serialized.
type Engine struct {
	opts    Options
	store   store.Repository
	cache   *cache.Cache
	oracle  oracle.Oracle
	catalog *catalog.Catalog

	evaluator  *evaluation.Evaluator
	selector   *selector.Selector
	planner    *planner.Planner
	machine    *phase.Machine
	supervisor *review.Supervisor
	reviewer   *review.SessionReviewer

	jobs   *jobs.Scheduler
	events events.Publisher
	logger *logging.Logger
	now    func() time.Time
}

// New creates an Engine and starts its job workers.
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Oracle == nil {
		return nil, errors.New("orchestrator: oracle is required")
	}
	opts.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	c := deps.Cache
	if c == nil {
		c = cache.New(30*time.Minute, 1000)
	}
	pool := deps.Pool
	if pool == nil {
		pool = evaluation.NewPool(evaluation.DefaultPoolSize)
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}

	pl := planner.New(deps.Oracle, cat, logger, opts.JobTimeout)
	e := &Engine{
		opts:       opts,
		store:      deps.Store,
		cache:      c,
		oracle:     deps.Oracle,
		catalog:    cat,
		evaluator:  evaluation.New(deps.Oracle, pool, logger, opts.EvaluationTimeout),
		selector:   selector.New(deps.Oracle, cat, logger, opts.EvaluationTimeout),
		planner:    pl,
		machine:    phase.NewMachine(pl, logger),
		supervisor: review.NewSupervisor(deps.Oracle, logger, opts.JobTimeout),
		reviewer:   review.NewSessionReviewer(deps.Oracle, logger, opts.JobTimeout),
		events:     pub,
		logger:     logger.Named("engine"),
		now:        time.Now,
	}

	jobOpts := deps.Jobs
	if jobOpts.Timeout == 0 {
		jobOpts.Timeout = opts.JobTimeout
	}
	next := jobOpts.OnError
	jobOpts.OnError = func(ctx context.Context, je jobs.JobError) {
		e.events.Publish(ctx, events.New(events.JobFailed, je.ConversationID, map[string]any{
			"job":   je.Job,
			"error": je.Err.Error(),
		}))
		if next != nil {
			next(ctx, je)
		}
	}
	e.jobs = jobs.New(jobOpts, logger)
	return e, nil
}

// Jobs returns the engine's scheduler.
func (e *Engine) Jobs() *jobs.Scheduler { return e.jobs }

// Catalog returns the technique catalog in use.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Session returns the stored session, refreshing the cache.
func (e *Engine) Session(ctx context.Context, id string) (*session.Session, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cache.Put(id, sess)
	return sess, nil
}

// Close drains queued jobs. Running jobs are cancelled when ctx ends first.
func (e *Engine) Close(ctx context.Context) error {
	return e.jobs.Close(ctx)
}

// Turn produces the reply to one user message.
func (e *Engine) Turn(ctx context.Context, req Request) (*Result, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	switch {
	case req.ConversationID == "":
		turnsTotal.WithLabelValues(string(KindInvalid)).Inc()
		return nil, turnError(KindInvalid, "", ErrMissingConversation)
	case strings.TrimSpace(req.Message) == "":
		turnsTotal.WithLabelValues(string(KindInvalid)).Inc()
		return nil, turnError(KindInvalid, req.ConversationID, ErrEmptyMessage)
	}

	turnID := uuid.NewString()
	ctx = logging.WithConversationID(ctx, req.ConversationID)
	ctx = logging.WithTurnID(ctx, turnID)
	ctx, span := tracer.Start(ctx, "turn")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID), attribute.String("turn.id", turnID))

	start := e.now()
	unlock := e.cache.Lock(req.ConversationID)
	res, err := e.turn(ctx, req)
	if err != nil {
		// Writes made before the failure are in the store only.
		e.cache.Delete(req.ConversationID)
	}
	unlock()
	turnDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var te *TurnError
		kind := KindStore
		if errors.As(err, &te) {
			kind = te.Kind
		}
		turnsTotal.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		e.logger.Error(ctx, "turn failed", zap.String("kind", string(kind)), zap.Error(err))
		e.events.Publish(ctx, events.New(events.TurnFailed, req.ConversationID, map[string]any{"kind": string(kind)}))
		return nil, err
	}

	res.TurnID = turnID
	turnsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Int("session.phase", int(res.Phase)),
		attribute.String("task.id", res.TaskID),
		attribute.String("module.id", res.ModuleID),
		attribute.Int("message.count", res.MessageCount),
	)
	e.events.Publish(ctx, events.New(events.TurnCompleted, req.ConversationID, map[string]any{
		"phase":          int(res.Phase),
		"task_id":        res.TaskID,
		"module_id":      res.ModuleID,
		"module_changed": res.ModuleChanged,
		"task_completed": res.TaskCompleted,
		"message_count":  res.MessageCount,
	}))
	return res, nil
}

// turn runs under the conversation lock.
func (e *Engine) turn(ctx context.Context, req Request) (*Result, error) {
	id := req.ConversationID
	storeErr := func(err error) error { return turnError(KindStore, id, err) }

	sess, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	messageCount := sess.MessageCount + 1
	history := withMessage(req.History, req.Message)

	task, err := e.currentTask(ctx, sess)
	if err != nil {
		return nil, storeErr(err)
	}

	ev := e.evaluator.Evaluate(ctx, task, history)

	res := &Result{MessageCount: messageCount}
	var guide string
	if task != nil && ev.Completion != nil && ev.Completion.Completed {
		if err := e.setTaskStatus(ctx, sess, task.ID, ev.Completion.NewStatus); err != nil {
			return nil, storeErr(err)
		}
		res.TaskCompleted = true
		taskCompletionsTotal.WithLabelValues(string(ev.Completion.NewStatus)).Inc()
		e.logger.Info(ctx, "task completed",
			zap.String("task.id", task.ID),
			zap.String("status", string(ev.Completion.NewStatus)))

		sel, ok := e.selector.SelectTask(ctx, sess.Phase, sess.Tasks, history)
		var tr *phase.Transition
		if !ok {
			if _, ready := phase.Next(sess.Phase, sess.Tasks); ready {
				if tr, err = e.advance(ctx, sess, history, messageCount, "turn"); err != nil {
					return nil, storeErr(err)
				}
				res.PhaseAdvanced = tr != nil
			}
			// The machine starts the first task of a non-empty batch itself.
			if tr != nil && tr.Selected == "" {
				sel, ok = e.selector.SelectTask(ctx, sess.Phase, sess.Tasks, history)
			}
		}

		switch {
		case ok:
			if err := e.startTask(ctx, sess, sel.Task.ID); err != nil {
				return nil, storeErr(err)
			}
			guide = sel.Guide
			task = findTask(sess, sel.Task.ID)
		case tr != nil:
			task = findTask(sess, tr.Selected)
		default:
			task = findTask(sess, task.ID)
		}
	}

	if task == nil {
		if open := session.Open(sess.Tasks, sess.Phase); len(open) > 0 {
			if err := e.startTask(ctx, sess, open[0].ID); err != nil {
				return nil, storeErr(err)
			}
			task = findTask(sess, open[0].ID)
		}
	}
	if task != nil && guide == "" {
		guide = task.Guide
	}

	// The cache may lag behind background writes; feedback is read from
	// the store.
	fresh, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	feedback, _ := selector.FeedbackFor(fresh.SupervisionLog, messageCount)

	choice := selector.ModuleChoice{ModuleID: sess.CurrentModuleID}
	if task != nil {
		choice = e.selector.SelectModule(ctx, task, ev.State, sess.CurrentModuleID, feedback)
		if choice.ModuleID != sess.CurrentModuleID {
			if err := e.store.SetModule(ctx, id, choice.ModuleID, choice.Reason); err != nil {
				return nil, storeErr(err)
			}
			if sess.CurrentModuleID != "" {
				sess.PreviousModuleID = sess.CurrentModuleID
				sess.ModuleChangeReason = choice.Reason
			}
			sess.CurrentModuleID = choice.ModuleID
		}
	}
	if choice.Changed {
		moduleChangesTotal.Inc()
		e.logger.Info(ctx, "module changed",
			zap.String("from", sess.PreviousModuleID),
			zap.String("to", choice.ModuleID))
	}

	system := buildSystem(e.opts.Instructions, replyContext{
		phase:         sess.Phase,
		feedback:      feedback,
		moduleChanged: choice.Changed,
		changeReason:  choice.Reason,
		task:          task,
		guide:         guide,
		guidelines:    e.catalog.Excerpt(choice.ModuleID, guidelineLines),
	})

	reply, err := e.reply(ctx, system, replyHistory(req.History, req.Message), req.Message)
	if err != nil {
		return nil, turnError(KindOracle, id, err)
	}

	if _, err := e.store.IncrementMessageCount(ctx, id); err != nil {
		e.logger.Error(ctx, "message count commit failed", zap.Error(err))
	}
	e.refresh(ctx, id)

	snapshot := turnSnapshot{
		id:           id,
		messageCount: messageCount,
		message:      req.Message,
		reply:        reply,
		history:      append(history, session.Message{Role: session.RoleAssistant, Content: reply, Timestamp: e.now()}),
		state:        ev.State,
		phase:        sess.Phase,
		canReplan:    sess.CanReplan(),
	}
	if task != nil {
		t := task.Clone()
		snapshot.task = &t
	}
	e.dispatch(ctx, snapshot)

	res.Reply = reply
	res.Phase = sess.Phase
	res.ModuleID = choice.ModuleID
	res.ModuleChanged = choice.Changed
	if task != nil {
		res.TaskID = task.ID
	}
	e.logger.Info(ctx, "turn completed",
		zap.Int("phase", int(res.Phase)),
		zap.String("task.id", res.TaskID),
		zap.String("module.id", res.ModuleID),
		zap.Bool("task_completed", res.TaskCompleted),
		zap.Bool("module_changed", res.ModuleChanged),
		zap.Int("message_count", messageCount),
		logging.TextLen("reply", reply))
	return res, nil
}

// loadSession returns the session from the cache, then the store, creating
// and seeding it on first contact. Caller holds the conversation lock.
func (e *Engine) loadSession(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := e.cache.Get(id); ok {
		return sess, nil
	}

	sess, err := e.store.Get(ctx, id)
	if err == nil {
		e.cache.Put(id, sess)
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess, err = e.store.Create(ctx, id, session.KindFirstSession)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	tasks := session.InitialTasks(sess.Kind)
	if err := e.store.SetTasks(ctx, id, tasks); err != nil {
		return nil, fmt.Errorf("seed tasks: %w", err)
	}
	sess.Tasks = tasks
	e.logger.Info(ctx, "session created", zap.String("kind", sess.Kind), zap.Int("tasks", len(tasks)))
	e.cache.Put(id, sess)
	return sess, nil
}

// currentTask resolves CurrentTaskID. A task of another phase is stale and
// cleared in the store.
func (e *Engine) currentTask(ctx context.Context, sess *session.Session) (*session.Task, error) {
	t, ok := sess.CurrentTask()
	if !ok {
		return nil, nil
	}
	if t.Part != sess.Phase {
		e.logger.Debug(ctx, "dropping current task of another phase",
			zap.String("task.id", t.ID),
			zap.Int("task.phase", int(t.Part)),
			zap.Int("phase", int(sess.Phase)))
		if err := e.store.SetCurrentTask(ctx, sess.ID, ""); err != nil {
			return nil, fmt.Errorf("clear current task: %w", err)
		}
		sess.CurrentTaskID = ""
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func findTask(sess *session.Session, id string) *session.Task {
	t, ok := session.Find(sess.Tasks, id)
	if !ok {
		return nil
	}
	c := t.Clone()
	return &c
}

// setTaskStatus persists a status change and mirrors it on sess. A refused
// transition is logged and ignored.
func (e *Engine) setTaskStatus(ctx context.Context, sess *session.Session, taskID string, status session.Status) error {
	tasks, err := session.SetStatus(sess.Tasks, taskID, status, e.now())
	if errors.Is(err, session.ErrInvalidTransition) {
		e.logger.Warn(ctx, "ignoring invalid task transition", zap.String("task.id", taskID), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.store.SetTaskStatus(ctx, sess.ID, taskID, status); err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	sess.Tasks = tasks
	return nil
}

// startTask marks taskID in progress and makes it current.
func (e *Engine) startTask(ctx context.Context, sess *session.Session, taskID string) error {
	if err := e.setTaskStatus(ctx, sess, taskID, session.StatusInProgress); err != nil {
		return err
	}
	if err := e.store.SetCurrentTask(ctx, sess.ID, taskID); err != nil {
		return fmt.Errorf("set current task: %w", err)
	}
	sess.CurrentTaskID = taskID
	return nil
}

// advance moves sess to the next phase and persists the result. It returns
// nil without error when the phase is not ready.
func (e *Engine) advance(ctx context.Context, sess *session.Session, history []session.Message, messageCount int, source string) (*phase.Transition, error) {
	tr, err := e.machine.Advance(ctx, sess, history)
	if errors.Is(err, phase.ErrNotReady) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.SetTasks(ctx, sess.ID, sess.Tasks); err != nil {
		return nil, fmt.Errorf("persist tasks: %w", err)
	}
	if err := e.store.SetPhase(ctx, sess.ID, sess.Phase); err != nil {
		return nil, fmt.Errorf("persist phase: %w", err)
	}
	if err := e.store.SetCurrentTask(ctx, sess.ID, sess.CurrentTaskID); err != nil {
		return nil, fmt.Errorf("persist current task: %w", err)
	}
	entry := session.PhaseReviewEntry{
		MessageIndex: messageCount,
		FromPhase:    tr.From,
		ToPhase:      tr.To,
		Note:         source,
		CreatedAt:    e.now(),
	}
	if tr.EmptyBatch {
		entry.Note = source + ": no tasks"
	}
	if err := e.store.AppendPhaseReviewLog(ctx, sess.ID, entry); err != nil {
		return nil, fmt.Errorf("append phase review: %w", err)
	}
	sess.PhaseReviewLog = append(sess.PhaseReviewLog, entry)

	e.events.Publish(ctx, events.New(events.PhaseAdvanced, sess.ID, map[string]any{
		"from":        int(tr.From),
		"to":          int(tr.To),
		"source":      source,
		"added":       len(tr.Added),
		"swept":       len(tr.Swept),
		"empty_batch": tr.EmptyBatch,
	}))
	return tr, nil
}

func (e *Engine) reply(ctx context.Context, system string, history []session.Message, message string) (string, error) {
	if e.opts.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ReplyTimeout)
		defer cancel()
	}
	out, err := e.oracle.Invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeReply,
		System:   system,
		History:  history,
		UserText: message,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", oracle.ErrEmptyResponse
	}
	return out, nil
}

// refresh reloads the stored session into the cache. On failure the entry
// is dropped so the next turn reads the store.
func (e *Engine) refresh(ctx context.Context, id string) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Warn(ctx, "cache refresh failed", zap.Error(err))
		e.cache.Delete(id)
		return
	}
	e.cache.Put(id, sess)
}
