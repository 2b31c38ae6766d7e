package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task id is not in the list.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned for a status change outside the DAG.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Clone returns a deep copy of tasks. A nil input yields an empty slice.
func Clone(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Find returns a copy of the task with the given id.
func Find(tasks []Task, id string) (*Task, bool) {
	i := indexOf(tasks, id)
	if i < 0 {
		return nil, false
	}
	t := tasks[i].Clone()
	return &t, true
}

func indexOf(tasks []Task, id string) int {
	if id == "" {
		return -1
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// FilterByPhase returns copies of the tasks that belong to phase, in order.
func FilterByPhase(tasks []Task, phase Phase) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Part == phase {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Open returns the non-completed tasks of phase, in list order.
func Open(tasks []Task, phase Phase) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Part == phase && t.Status != StatusCompleted {
			out = append(out, t.Clone())
		}
	}
	return out
}

// AllSufficientOrCompleted reports whether every task of phase is done.
// A phase without tasks is never considered done.
func AllSufficientOrCompleted(tasks []Task, phase Phase) bool {
	seen := false
	for _, t := range tasks {
		if t.Part != phase {
			continue
		}
		seen = true
		if !t.Status.Done() {
			return false
		}
	}
	return seen
}

// AllCompleted reports whether every task of phase is completed.
func AllCompleted(tasks []Task, phase Phase) bool {
	seen := false
	for _, t := range tasks {
		if t.Part != phase {
			continue
		}
		seen = true
		if t.Status != StatusCompleted {
			return false
		}
	}
	return seen
}

// CheckTransition validates a status change against the task DAG.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if from == StatusCompleted {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SetStatus returns a copy of tasks with the status of id changed.
//
// SufficientAt and CompletedAt are stamped on the first transition into
// the respective status and never overwritten.
func SetStatus(tasks []Task, id string, status Status, now time.Time) ([]Task, error) {
	i := indexOf(tasks, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := CheckTransition(tasks[i].Status, status); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	out := Clone(tasks)
	applyStatus(&out[i], status, now)
	return out, nil
}

func applyStatus(t *Task, status Status, now time.Time) {
	t.Status = status
	switch status {
	case StatusSufficient:
		if t.SufficientAt == nil {
			ts := now
			t.SufficientAt = &ts
		}
	case StatusCompleted:
		if t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
	}
}

// SweepSufficient moves every sufficient task of phase to completed and
// returns the new list with the ids that were swept.
func SweepSufficient(tasks []Task, phase Phase, now time.Time) ([]Task, []string) {
	out := Clone(tasks)
	var swept []string
	for i := range out {
		if out[i].Part == phase && out[i].Status == StatusSufficient {
			applyStatus(&out[i], StatusCompleted, now)
			swept = append(swept, out[i].ID)
		}
	}
	return out, swept
}

// FirstPending returns the first pending task of phase.
func FirstPending(tasks []Task, phase Phase) (*Task, bool) {
	for _, t := range tasks {
		if t.Part == phase && t.Status == StatusPending {
			cp := t.Clone()
			return &cp, true
		}
	}
	return nil, false
}

// Append adds a batch of new tasks to phase.
//
// Every incoming task is forced into phase and starts pending. Ids that
// collide with a task of another phase are prefixed with the phase so a
// task's part never changes; ids that collide within the phase are
// dropped.
func Append(tasks []Task, batch []Task, phase Phase) ([]Task, []string) {
	out := Clone(tasks)
	var added []string
	for _, in := range batch {
		t, ok := normalize(out, in, phase)
		if !ok {
			continue
		}
		if indexOf(out, t.ID) >= 0 {
			continue
		}
		out = append(out, t)
		added = append(added, t.ID)
	}
	return out, added
}

// MergeStats reports what Merge did.
type MergeStats struct {
	Added   []string
	Updated []string
}

// Merge folds a regenerated batch into the tasks of phase.
//
// Tasks whose id already exists in phase keep their status and timestamps;
// only descriptive fields are refreshed. New ids are appended as pending.
// Existing tasks missing from the batch are kept.
func Merge(tasks []Task, batch []Task, phase Phase) ([]Task, MergeStats) {
	out := Clone(tasks)
	var stats MergeStats
	for _, in := range batch {
		if i := indexOf(out, strings.TrimSpace(in.ID)); i >= 0 && out[i].Part == phase {
			refresh(&out[i], in)
			stats.Updated = append(stats.Updated, out[i].ID)
			continue
		}
		t, ok := normalize(out, in, phase)
		if !ok {
			continue
		}
		if i := indexOf(out, t.ID); i >= 0 {
			if out[i].Part == phase {
				refresh(&out[i], in)
				stats.Updated = append(stats.Updated, out[i].ID)
			}
			continue
		}
		out = append(out, t)
		stats.Added = append(stats.Added, t.ID)
	}
	return out, stats
}

func refresh(dst *Task, src Task) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Target != "" {
		dst.Target = src.Target
	}
	if src.CompletionCriteria != "" {
		dst.CompletionCriteria = src.CompletionCriteria
	}
	if src.Restrictions != "" {
		dst.Restrictions = src.Restrictions
	}
	if src.Guide != "" {
		dst.Guide = src.Guide
	}
	if src.ModuleID != "" {
		dst.ModuleID = src.ModuleID
	}
	if src.Priority != "" {
		dst.Priority = ParsePriority(string(src.Priority))
	}
}

func normalize(existing []Task, in Task, phase Phase) (Task, bool) {
	t := in.Clone()
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" || t.Title == "" {
		return Task{}, false
	}
	if i := indexOf(existing, t.ID); i >= 0 && existing[i].Part != phase {
		t.ID = fmt.Sprintf("p%d_%s", int(phase), t.ID)
	}
	t.Part = phase
	t.Priority = ParsePriority(string(t.Priority))
	t.Status = StatusPending
	t.SufficientAt = nil
	t.CompletedAt = nil
	return t, true
}
