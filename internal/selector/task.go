// Package selector chooses the task and the technique module of a turn.
//
// The oracle proposes; the selector validates. Any proposal that does not
// name a valid candidate is replaced by a deterministic fallback, so
// selection never fails.
package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

const (
	taskWindow = 6
	taskWidth  = 150
)

// Selection is the task chosen for a turn.
type Selection struct {
	Task session.Task

	// Guide tells the reply how to pursue the task this turn.
	Guide string

	// FromOracle is false when the fallback chain picked the task.
	FromOracle bool
}

// Selector picks tasks and modules.
type Selector struct {
	oracle  oracle.Oracle
	catalog *catalog.Catalog
	logger  *logging.Logger
	timeout time.Duration
}

// New creates a Selector. A zero timeout disables the per-call deadline.
func New(o oracle.Oracle, cat *catalog.Catalog, logger *logging.Logger, timeout time.Duration) *Selector {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &Selector{oracle: o, catalog: cat, logger: logger.Named("selector"), timeout: timeout}
}

func (s *Selector) invoke(ctx context.Context, req oracle.Request) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.oracle.Invoke(ctx, req)
}

const taskInstructions = `You manage the progress of a counseling conversation. Choose the task to pursue next.
Prefer high priority tasks, tasks that follow naturally from the conversation,
and tasks that fit the user's current needs. Give a concrete execution guide:
tone, questions and order.`

type taskJSON struct {
	SelectedTaskID string `json:"selected_task_id"`
	ExecutionGuide string `json:"execution_guide"`
}

// SelectTask returns the task to pursue in phase, or false when there is
// nothing to select. A phase with a successor whose open tasks are all
// sufficient selects nothing so that it can advance.
func (s *Selector) SelectTask(ctx context.Context, phase session.Phase, tasks []session.Task, history []session.Message) (*Selection, bool) {
	candidates := session.Open(tasks, phase)
	if len(candidates) == 0 {
		return nil, false
	}
	if phase.HasNext() && allSufficient(candidates) {
		return nil, false
	}

	raw, err := s.invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeSelectTask,
		System:   taskInstructions,
		UserText: taskPrompt(candidates, history),
		Schema:   taskSchema(candidates),
	})
	if err != nil {
		s.logger.Warn(ctx, "task selection failed, using fallback", zap.Error(err))
	} else if id, guide := parseTask(raw); id != "" {
		if t, ok := session.Find(candidates, id); ok {
			if guide == "" {
				guide = t.Guide
			}
			return &Selection{Task: *t, Guide: guide, FromOracle: true}, true
		}
		s.logger.Debug(ctx, "oracle chose an unknown task, using fallback", zap.String("task_id", id))
	}

	t, ok := Fallback(candidates)
	if !ok {
		return nil, false
	}
	return &Selection{Task: t, Guide: t.Guide}, true
}

// Fallback picks from candidates in order: the first high-priority pending
// task, any pending task, any in-progress task, any sufficient task.
// Completed tasks are never returned.
func Fallback(candidates []session.Task) (session.Task, bool) {
	pick := func(match func(session.Task) bool) (session.Task, bool) {
		for _, t := range candidates {
			if match(t) {
				return t.Clone(), true
			}
		}
		return session.Task{}, false
	}

	rules := []func(session.Task) bool{
		func(t session.Task) bool {
			return t.Status == session.StatusPending && t.Priority == session.PriorityHigh
		},
		func(t session.Task) bool { return t.Status == session.StatusPending },
		func(t session.Task) bool { return t.Status == session.StatusInProgress },
		func(t session.Task) bool { return t.Status == session.StatusSufficient },
	}
	for _, rule := range rules {
		if t, ok := pick(rule); ok {
			return t, true
		}
	}
	return session.Task{}, false
}

func allSufficient(tasks []session.Task) bool {
	for _, t := range tasks {
		if t.Status != session.StatusSufficient {
			return false
		}
	}
	return true
}

func taskSchema(candidates []session.Task) *oracle.Schema {
	ids := make([]string, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	return oracle.Object(map[string]*oracle.Schema{
		"selected_task_id": oracle.String("id of the chosen task", ids...),
		"execution_guide":  oracle.String("how to pursue the task this turn"),
	})
}

func taskPrompt(candidates []session.Task, history []session.Message) string {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	b.WriteString(oracle.Transcript(history, taskWindow, taskWidth))
	b.WriteString("\n\nAvailable tasks:\n")
	for _, t := range candidates {
		fmt.Fprintf(&b, "- [%s] %s: %s - %s (status: %s)\n", t.Priority, t.ID, t.Title, t.Description, t.Status)
	}
	b.WriteString("\nIf you cannot answer in JSON, answer with these lines:\nSELECTED_TASK_ID: id\nEXECUTION_GUIDE: guide")
	return b.String()
}

func parseTask(raw string) (id, guide string) {
	var js taskJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil && strings.TrimSpace(js.SelectedTaskID) != "" {
		return strings.TrimSpace(js.SelectedTaskID), strings.TrimSpace(js.ExecutionGuide)
	}
	m := oracle.Markers(raw)
	id = m["SELECTED_TASK_ID"]
	if oracle.IsNone(id) {
		oracle.RecordFallback(oracle.PurposeSelectTask, oracle.ModeDefault)
		return "", ""
	}
	oracle.RecordFallback(oracle.PurposeSelectTask, oracle.ModeMarkers)
	return strings.Trim(id, "[]"), m["EXECUTION_GUIDE"]
}
