// Package planner generates the exploratory (phase 2) task batch and
// regenerates it when the conversation drifts.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// ErrNoTasks is returned when the oracle produced no usable task.
var ErrNoTasks = errors.New("planner: no tasks generated")

const (
	historyWidth = 200

	// replanWindow bounds the history sent for plan maintenance.
	replanWindow = 10
)

const instructions = `You plan a first counseling session. Its goals are rapport building,
information gathering, goal setting and trust building.
Produce the tasks for the exploration part of the session: each task has an id,
a priority, a concrete target, completion criteria and an execution guide.
Order tasks logically. Use snake_case ids.`

var taskSchema = oracle.Object(map[string]*oracle.Schema{
	"id":                  oracle.String("snake_case task id"),
	"title":               oracle.String("short title"),
	"description":         oracle.String("what the task covers"),
	"priority":            oracle.String("task priority", "high", "medium", "low"),
	"target":              oracle.String("what the counselor should achieve"),
	"completion_criteria": oracle.String("observable condition that ends the task"),
	"restrictions":        oracle.String("what to avoid, or empty"),
	"guide":               oracle.String("execution guide for the counselor"),
	"module_id":           oracle.String("suggested technique module id, or empty"),
})

var planSchema = oracle.Object(map[string]*oracle.Schema{
	"tasks": oracle.Array("tasks of the exploration phase", taskSchema),
})

type taskJSON struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	Priority           string `json:"priority"`
	Target             string `json:"target"`
	CompletionCriteria string `json:"completion_criteria"`
	Restrictions       string `json:"restrictions"`
	Guide              string `json:"guide"`
	ModuleID           string `json:"module_id"`
}

type planJSON struct {
	Tasks []taskJSON `json:"tasks"`
}

// Planner produces phase-2 task batches.
type Planner struct {
	oracle  oracle.Oracle
	catalog *catalog.Catalog
	logger  *logging.Logger
	timeout time.Duration
}

// New creates a Planner. A zero timeout disables the per-call deadline.
func New(o oracle.Oracle, cat *catalog.Catalog, logger *logging.Logger, timeout time.Duration) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &Planner{oracle: o, catalog: cat, logger: logger.Named("planner"), timeout: timeout}
}

// PhaseTwo generates the phase-2 batch from the full conversation so far.
// The batch is not merged; callers pass it to session.Append.
func (p *Planner) PhaseTwo(ctx context.Context, history []session.Message, tasks []session.Task) ([]session.Task, error) {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	b.WriteString(oracle.Transcript(history, 0, historyWidth))
	b.WriteString("\n\nTasks already covered:\n")
	writeTasks(&b, session.FilterByPhase(tasks, session.Phase1))
	b.WriteString("\nCreate the tasks for the exploration part. Do not repeat covered tasks.")
	return p.generate(ctx, b.String())
}

// Regenerate rewrites the phase-2 plan after the user resisted, changed
// topic or went in circles. The batch is meant for session.Merge, which
// keeps the status of every task whose id is reused.
func (p *Planner) Regenerate(ctx context.Context, history []session.Message, tasks []session.Task) ([]session.Task, error) {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	b.WriteString(oracle.Transcript(history, replanWindow, historyWidth))
	b.WriteString("\n\nCurrent exploration tasks:\n")
	writeTasks(&b, session.FilterByPhase(tasks, session.Phase2))
	b.WriteString("\nThe user's state changed. Return the updated exploration plan: keep the ids of tasks you keep, " +
		"adjust priorities and guides, and add tasks for new information.")
	return p.generate(ctx, b.String())
}

func (p *Planner) generate(ctx context.Context, prompt string) ([]session.Task, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	raw, err := p.oracle.Invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposePlan,
		System:   instructions + "\n\nAvailable technique modules: " + strings.Join(p.moduleIDs(), ", "),
		UserText: prompt,
		Schema:   planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	batch, err := parsePlan(raw)
	if err != nil {
		p.logger.Warn(ctx, "plan output unusable", zap.Error(err), zap.Int("response_len", len(raw)))
		return nil, err
	}
	for i := range batch {
		if !p.catalog.Has(batch[i].ModuleID) {
			batch[i].ModuleID = ""
		}
	}
	p.logger.Debug(ctx, "plan generated", zap.Int("tasks", len(batch)))
	return batch, nil
}

func (p *Planner) moduleIDs() []string {
	modules := p.catalog.ForPhase(session.Phase2)
	ids := make([]string, len(modules))
	for i, m := range modules {
		ids[i] = m.ID
	}
	return ids
}

// parsePlan accepts {"tasks": [...]} or a bare array.
func parsePlan(raw string) ([]session.Task, error) {
	var plan planJSON
	if err := oracle.DecodeJSON(raw, &plan); err != nil || len(plan.Tasks) == 0 {
		arr, ok := extractArray(raw)
		if !ok || json.Unmarshal([]byte(arr), &plan.Tasks) != nil {
			oracle.RecordFallback(oracle.PurposePlan, oracle.ModeDefault)
			return nil, ErrNoTasks
		}
	}

	out := make([]session.Task, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		id := strings.TrimSpace(t.ID)
		title := strings.TrimSpace(t.Title)
		if id == "" || title == "" {
			continue
		}
		guide := strings.TrimSpace(t.Guide)
		if guide == "" {
			guide = strings.TrimSpace(t.Description)
		}
		out = append(out, session.Task{
			ID:                 id,
			Part:               session.Phase2,
			ModuleID:           strings.TrimSpace(t.ModuleID),
			Priority:           session.ParsePriority(t.Priority),
			Title:              title,
			Description:        strings.TrimSpace(t.Description),
			Target:             strings.TrimSpace(t.Target),
			CompletionCriteria: strings.TrimSpace(t.CompletionCriteria),
			Restrictions:       strings.TrimSpace(t.Restrictions),
			Guide:              guide,
			Status:             session.StatusPending,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoTasks
	}
	return out, nil
}

func extractArray(raw string) (string, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func writeTasks(b *strings.Builder, tasks []session.Task) {
	if len(tasks) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(b, "- [%s] %s: %s (status: %s)\n", t.Priority, t.ID, t.Title, t.Status)
	}
}
