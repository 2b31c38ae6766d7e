package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/turnd/internal/evaluation"
	"github.com/fyrsmithlabs/turnd/internal/events"
	"github.com/fyrsmithlabs/turnd/internal/jobs"
	"github.com/fyrsmithlabs/turnd/internal/phase"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// Job names.
const (
	JobQualityReview   = "quality_review"
	JobPhaseRecheck    = "phase_recheck"
	JobPlanMaintenance = "plan_maintenance"
	JobSessionReview   = "session_review"
)

// turnSnapshot is what follow-up jobs know about the turn that spawned them.
type turnSnapshot struct {
	id           string
	messageCount int
	message      string
	reply        string
	task         *session.Task
	history      []session.Message
	state        evaluation.UserState
	phase        session.Phase
	canReplan    bool
}

// dispatch submits the follow-up jobs of a turn. A rejected job is logged
// and skipped.
func (e *Engine) dispatch(ctx context.Context, t turnSnapshot) {
	submit := func(name string, run func(ctx context.Context) error) {
		err := e.jobs.Submit(jobs.Job{Name: name, ConversationID: t.id, Run: func(jctx context.Context) error {
			// Keep the turn's correlation ids on the job's logs and events.
			return run(detach(ctx, jctx))
		}})
		if err != nil {
			e.logger.Warn(ctx, "follow-up job not scheduled", zap.String("job", name), zap.Error(err))
		}
	}

	if t.messageCount%e.opts.SupervisionInterval == 0 {
		submit(JobQualityReview, func(ctx context.Context) error { return e.qualityReview(ctx, t) })
	}
	submit(JobPhaseRecheck, func(ctx context.Context) error { return e.phaseRecheck(ctx, t) })
	if t.phase == session.Phase2 && t.canReplan && t.state.NeedsReplan() {
		submit(JobPlanMaintenance, func(ctx context.Context) error { return e.planMaintenance(ctx, t) })
	}
	if t.phase >= session.Phase2 && t.messageCount%e.opts.SessionReviewInterval == 0 {
		submit(JobSessionReview, func(ctx context.Context) error { return e.sessionReview(ctx, t) })
	}
}

// qualityReview grades the turn's reply. The entry is tagged with the
// turn's message count so that the next turn finds it at messageCount-1.
func (e *Engine) qualityReview(ctx context.Context, t turnSnapshot) error {
	v := e.supervisor.Review(ctx, t.message, t.reply, t.task, t.history)

	unlock := e.cache.Lock(t.id)
	defer unlock()

	if err := e.store.AppendSupervisionLog(ctx, t.id, v.Entry(t.messageCount, e.now())); err != nil {
		return fmt.Errorf("append supervision log: %w", err)
	}
	e.refresh(ctx, t.id)

	e.logger.Info(ctx, "reply reviewed",
		zap.Int("score", v.Score),
		zap.Bool("needs_improvement", v.NeedsImprovement),
		zap.Int("message_index", t.messageCount))
	e.events.Publish(ctx, events.New(events.QualityReview, t.id, map[string]any{
		"score":             v.Score,
		"needs_improvement": v.NeedsImprovement,
		"message_index":     t.messageCount,
	}))
	return nil
}

// phaseRecheck re-derives the phase transition from stored state, and
// refills a phase 2 that was entered without tasks.
func (e *Engine) phaseRecheck(ctx context.Context, t turnSnapshot) error {
	unlock := e.cache.Lock(t.id)
	defer unlock()

	sess, err := e.store.Get(ctx, t.id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if _, ready := phase.Next(sess.Phase, sess.Tasks); ready {
		if _, err := e.advance(ctx, sess, t.history, t.messageCount, "recheck"); err != nil {
			return err
		}
		e.refresh(ctx, t.id)
		return nil
	}

	added, ok := e.machine.Refill(ctx, sess, t.history)
	if !ok {
		return nil
	}
	if err := e.store.SetTasks(ctx, t.id, sess.Tasks); err != nil {
		return fmt.Errorf("persist refill: %w", err)
	}
	if err := e.store.SetCurrentTask(ctx, t.id, sess.CurrentTaskID); err != nil {
		return fmt.Errorf("persist refill: %w", err)
	}
	entry := session.PhaseReviewEntry{
		MessageIndex: t.messageCount,
		FromPhase:    sess.Phase,
		Note:         fmt.Sprintf("refill: %d tasks", len(added)),
		CreatedAt:    e.now(),
	}
	if err := e.store.AppendPhaseReviewLog(ctx, t.id, entry); err != nil {
		return fmt.Errorf("append phase review: %w", err)
	}
	e.refresh(ctx, t.id)
	return nil
}

// planMaintenance regenerates the phase-2 plan and merges it into the
// stored tasks, keeping the status of every reused id.
func (e *Engine) planMaintenance(ctx context.Context, t turnSnapshot) error {
	unlock := e.cache.Lock(t.id)
	defer unlock()

	sess, err := e.store.Get(ctx, t.id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !sess.CanReplan() {
		planMaintenanceTotal.WithLabelValues("skipped").Inc()
		e.logger.Debug(ctx, "plan maintenance skipped",
			zap.Int("phase", int(sess.Phase)),
			zap.Int("phase_update_counter", sess.PhaseUpdateCounter))
		return nil
	}

	batch, err := e.planner.Regenerate(ctx, t.history, sess.Tasks)
	if err != nil {
		planMaintenanceTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("regenerate plan: %w", err)
	}
	merged, stats := session.Merge(sess.Tasks, batch, session.Phase2)
	if err := e.store.SetTasks(ctx, t.id, merged); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	n, err := e.store.IncrementPhaseUpdateCounter(ctx, t.id)
	if err != nil {
		return fmt.Errorf("increment phase update counter: %w", err)
	}
	e.refresh(ctx, t.id)

	planMaintenanceTotal.WithLabelValues("ok").Inc()
	e.logger.Info(ctx, "plan maintained",
		zap.Strings("added", stats.Added),
		zap.Strings("updated", stats.Updated),
		zap.Int("phase_update_counter", n))
	e.events.Publish(ctx, events.New(events.PlanMaintained, t.id, map[string]any{
		"added":                len(stats.Added),
		"updated":              len(stats.Updated),
		"phase_update_counter": n,
	}))
	return nil
}

// sessionReview scores the session goals, updates the session status and
// appends suggested wrap-up tasks to the current phase.
func (e *Engine) sessionReview(ctx context.Context, t turnSnapshot) error {
	unlock := e.cache.Lock(t.id)
	defer unlock()

	sess, err := e.store.Get(ctx, t.id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	v, err := e.reviewer.Review(ctx, t.history, sess.Tasks)
	if err != nil {
		return err
	}

	status := v.Recommendation.SessionStatus()
	if sess.Status != status && sess.Status != session.SessionCompleted {
		if err := e.store.SetStatus(ctx, t.id, status); err != nil {
			return fmt.Errorf("set session status: %w", err)
		}
	}

	var added []string
	if len(v.WrapUpTasks) > 0 {
		var tasks []session.Task
		tasks, added = session.Append(sess.Tasks, v.WrapUpTasks, sess.Phase)
		if len(added) > 0 {
			if err := e.store.SetTasks(ctx, t.id, tasks); err != nil {
				return fmt.Errorf("persist wrap-up tasks: %w", err)
			}
		}
	}

	if err := e.store.AppendPhaseReviewLog(ctx, t.id, v.Entry(t.messageCount, sess.Phase, e.now())); err != nil {
		return fmt.Errorf("append phase review: %w", err)
	}
	e.refresh(ctx, t.id)

	e.logger.Info(ctx, "session reviewed",
		zap.Float64("completion_score", v.CompletionScore),
		zap.String("recommendation", string(v.Recommendation)),
		zap.Strings("wrap_up_tasks", added))
	e.events.Publish(ctx, events.New(events.SessionReview, t.id, map[string]any{
		"completion_score": v.CompletionScore,
		"recommendation":   string(v.Recommendation),
		"goals_met":        v.GoalsMet(),
		"wrap_up_tasks":    len(added),
	}))
	return nil
}

// detach carries the correlation values of parent onto the job context jctx
// without inheriting parent's cancellation.
func detach(parent, jctx context.Context) context.Context {
	return mergeValues{Context: jctx, values: parent}
}

type mergeValues struct {
	context.Context
	values context.Context
}

func (m mergeValues) Value(key any) any {
	if v := m.Context.Value(key); v != nil {
		return v
	}
	return m.values.Value(key)
}
