// Package phase implements the phase state machine of a session.
//
// A phase advances only when every one of its tasks is sufficient or
// completed. Advancing sweeps the outgoing sufficient tasks to completed,
// instantiates the next batch and starts its first pending task.
package phase

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrNotReady is returned by Advance when the current phase cannot advance.
var ErrNotReady = errors.New("phase: not ready to advance")

var tracer = otel.Tracer("github.com/fyrsmithlabs/turnd/internal/phase")

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnd",
			Subsystem: "phase",
			Name:      "transitions_total",
			Help:      "Phase transitions by source and target phase",
		},
		[]string{"from", "to"},
	)

	emptyBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turnd",
		Subsystem: "phase",
		Name:      "empty_batches_total",
		Help:      "Phase transitions that produced no tasks",
	})
)

// Next returns the phase to move to, if the current one is exhausted.
func Next(current session.Phase, tasks []session.Task) (session.Phase, bool) {
	next, ok := current.Next()
	if !ok {
		return session.PhaseNone, false
	}
	if !session.AllSufficientOrCompleted(tasks, current) {
		return session.PhaseNone, false
	}
	return next, true
}

// Planner generates the phase-2 batch.
type Planner interface {
	PhaseTwo(ctx context.Context, history []session.Message, tasks []session.Task) ([]session.Task, error)
}

// Transition describes one phase change.
type Transition struct {
	From session.Phase
	To   session.Phase

	// Swept lists the outgoing tasks moved from sufficient to completed.
	Swept []string

	// Added lists the tasks instantiated for the new phase.
	Added []string

	// EmptyBatch is set when the new phase started without tasks.
	EmptyBatch bool

	// Selected is the task started in the new phase, if any.
	Selected string
}

// Machine applies transitions to session snapshots. It never persists.
type Machine struct {
	planner Planner
	logger  *logging.Logger
	now     func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(planner Planner, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Machine{planner: planner, logger: logger.Named("phase"), now: time.Now}
}

// Advance moves sess to the next phase in place. It returns ErrNotReady
// when Next refuses. A failed or empty phase-2 batch still advances the
// session and is reported through Transition.EmptyBatch.
func (m *Machine) Advance(ctx context.Context, sess *session.Session, history []session.Message) (*Transition, error) {
	to, ok := Next(sess.Phase, sess.Tasks)
	if !ok {
		return nil, ErrNotReady
	}

	ctx, span := tracer.Start(ctx, "phase.advance")
	defer span.End()
	span.SetAttributes(attribute.Int("phase.from", int(sess.Phase)), attribute.Int("phase.to", int(to)))

	tr := &Transition{From: sess.Phase, To: to}
	now := m.now()

	sess.Tasks, tr.Swept = session.SweepSufficient(sess.Tasks, tr.From, now)
	sess.Phase = to
	sess.CurrentTaskID = ""

	batch := m.batch(ctx, to, sess, history)
	sess.Tasks, tr.Added = session.Append(sess.Tasks, batch, to)
	if len(tr.Added) == 0 {
		tr.EmptyBatch = true
		emptyBatchesTotal.Inc()
		m.logger.Warn(ctx, "phase advanced without tasks", zap.Int("phase", int(to)))
	} else {
		tr.Selected = m.startFirstPending(sess, now)
	}

	transitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	span.SetAttributes(
		attribute.Int("tasks.swept", len(tr.Swept)),
		attribute.Int("tasks.added", len(tr.Added)),
		attribute.Bool("batch.empty", tr.EmptyBatch),
	)
	m.logger.Info(ctx, "phase advanced",
		zap.Int("from", int(tr.From)),
		zap.Int("to", int(tr.To)),
		zap.Strings("swept", tr.Swept),
		zap.Int("added", len(tr.Added)),
		zap.String("selected", tr.Selected))
	return tr, nil
}

// Refill regenerates the batch of a phase-2 session that advanced without
// tasks. It reports the added ids and whether anything was added.
func (m *Machine) Refill(ctx context.Context, sess *session.Session, history []session.Message) ([]string, bool) {
	if sess.Phase != session.Phase2 || len(session.FilterByPhase(sess.Tasks, session.Phase2)) > 0 {
		return nil, false
	}

	batch := m.batch(ctx, session.Phase2, sess, history)
	var added []string
	sess.Tasks, added = session.Append(sess.Tasks, batch, session.Phase2)
	if len(added) == 0 {
		m.logger.Warn(ctx, "phase advanced without tasks", zap.Int("phase", int(session.Phase2)), zap.Bool("refill", true))
		return nil, false
	}
	if cur, ok := sess.CurrentTask(); !ok || cur.Part != sess.Phase {
		sess.CurrentTaskID = ""
		m.startFirstPending(sess, m.now())
	}
	m.logger.Info(ctx, "phase refilled", zap.Int("phase", int(session.Phase2)), zap.Int("added", len(added)))
	return added, true
}

func (m *Machine) batch(ctx context.Context, to session.Phase, sess *session.Session, history []session.Message) []session.Task {
	switch to {
	case session.Phase2:
		if m.planner == nil {
			return nil
		}
		batch, err := m.planner.PhaseTwo(ctx, history, sess.Tasks)
		if err != nil {
			m.logger.Warn(ctx, "phase two planning failed", zap.Error(err))
			return nil
		}
		return batch
	case session.Phase3:
		return session.ClosingTasks()
	default:
		return nil
	}
}

// startFirstPending marks the first pending task of the current phase
// in progress and makes it current.
func (m *Machine) startFirstPending(sess *session.Session, now time.Time) string {
	first, ok := session.FirstPending(sess.Tasks, sess.Phase)
	if !ok {
		return ""
	}
	tasks, err := session.SetStatus(sess.Tasks, first.ID, session.StatusInProgress, now)
	if err != nil {
		return ""
	}
	sess.Tasks = tasks
	sess.CurrentTaskID = first.ID
	return first.ID
}
