package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// NoChange is the NewStatus of a task that is not done yet.
const NoChange session.Status = ""

// CompletionResult is the verdict on the current task.
type CompletionResult struct {
	TaskID    string
	Completed bool

	// NewStatus is StatusSufficient, StatusCompleted or NoChange.
	NewStatus session.Status
	Reason    string
}

func notCompleted(taskID string) *CompletionResult {
	return &CompletionResult{TaskID: taskID, NewStatus: NoChange}
}

const (
	completionWindow = 6
	completionWidth  = 150
)

const completionInstructions = `You judge whether the counselor has met the current task of a conversation.
Use "sufficient" when the task was covered well enough to move on, even if not perfectly.
Use "completed" when the task was fully achieved.
Use "none" when more work is needed.`

var completionSchema = oracle.Object(map[string]*oracle.Schema{
	"new_status": oracle.String("task verdict", "sufficient", "completed", "none"),
	"reason":     oracle.String("short reason for the verdict, or none"),
})

type completionJSON struct {
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

// CompletionEvaluator decides whether a task has been met.
type CompletionEvaluator struct {
	oracle  oracle.Oracle
	logger  *logging.Logger
	timeout time.Duration
}

// NewCompletionEvaluator creates an evaluator. A zero timeout disables the
// per-call deadline.
func NewCompletionEvaluator(o oracle.Oracle, logger *logging.Logger, timeout time.Duration) *CompletionEvaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CompletionEvaluator{oracle: o, logger: logger.Named("completion"), timeout: timeout}
}

// Evaluate never fails: oracle errors and unusable output yield a
// not-completed result.
func (e *CompletionEvaluator) Evaluate(ctx context.Context, task *session.Task, history []session.Message) *CompletionResult {
	if task == nil {
		return notCompleted("")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	raw, err := e.oracle.Invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeCompletion,
		System:   completionInstructions,
		UserText: completionPrompt(task, history),
		Schema:   completionSchema,
	})
	if err != nil {
		e.logger.Warn(ctx, "completion check failed, assuming not completed",
			zap.String("task_id", task.ID), zap.Error(err))
		return notCompleted(task.ID)
	}

	res := parseCompletion(raw)
	res.TaskID = task.ID
	e.logger.Debug(ctx, "completion checked",
		zap.String("task_id", task.ID),
		zap.String("new_status", string(res.NewStatus)))
	return res
}

func completionPrompt(task *session.Task, history []session.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\nTitle: %s\nTarget: %s\nCompletion criteria: %s\nCurrent status: %s\n\n",
		task.ID, task.Title, task.Target, task.CompletionCriteria, task.Status)
	b.WriteString("Recent conversation:\n")
	b.WriteString(oracle.Transcript(history, completionWindow, completionWidth))
	b.WriteString("\n\nIf you cannot answer in JSON, answer with these lines:\nNEW_STATUS: sufficient|completed|none\nCOMPLETION_REASON: reason or none")
	return b.String()
}

// parseCompletion reads JSON first and falls back to markers.
func parseCompletion(raw string) *CompletionResult {
	var js completionJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil {
		if status, ok := completionStatus(js.NewStatus); ok {
			return newCompletion(status, js.Reason)
		}
	}

	m := oracle.Markers(raw)
	v, ok := m["NEW_STATUS"]
	if !ok {
		oracle.RecordFallback(oracle.PurposeCompletion, oracle.ModeDefault)
		return notCompleted("")
	}
	oracle.RecordFallback(oracle.PurposeCompletion, oracle.ModeMarkers)
	status, _ := completionStatus(v)
	return newCompletion(status, m["COMPLETION_REASON"])
}

func completionStatus(v string) (session.Status, bool) {
	if oracle.IsNone(v) {
		return NoChange, true
	}
	switch s, _ := session.ParseStatus(v); s {
	case session.StatusSufficient, session.StatusCompleted:
		return s, true
	}
	return NoChange, false
}

func newCompletion(status session.Status, reason string) *CompletionResult {
	if oracle.IsNone(reason) {
		reason = ""
	}
	return &CompletionResult{
		Completed: status != NoChange,
		NewStatus: status,
		Reason:    strings.TrimSpace(reason),
	}
}
