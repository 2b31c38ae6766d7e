package session

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the coarse stage of a conversation.
type Phase int

const (
	// PhaseNone is the zero value and never stored on a valid session.
	PhaseNone Phase = 0

	// Phase1 builds rapport and gathers basic information.
	Phase1 Phase = 1

	// Phase2 explores the user's situation with a generated plan.
	Phase2 Phase = 2

	// Phase3 closes the conversation.
	Phase3 Phase = 3
)

// AllPhases returns all phases in order.
func AllPhases() []Phase {
	return []Phase{Phase1, Phase2, Phase3}
}

// Valid reports whether p is one of Phase1..Phase3.
func (p Phase) Valid() bool {
	return p >= Phase1 && p <= Phase3
}

// Next returns the successor phase. Phase3 has none.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case Phase1:
		return Phase2, true
	case Phase2:
		return Phase3, true
	default:
		return PhaseNone, false
	}
}

// HasNext reports whether the phase has a successor.
func (p Phase) HasNext() bool {
	_, ok := p.Next()
	return ok
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return fmt.Sprintf("phase%d", int(p))
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSufficient Status = "sufficient"
	StatusCompleted  Status = "completed"
)

// ParseStatus maps free text onto a Status. Unknown values report false.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusSufficient:
		return StatusSufficient, true
	case StatusCompleted:
		return StatusCompleted, true
	}
	return "", false
}

// Done reports whether the task needs no further work in its phase.
func (s Status) Done() bool {
	return s == StatusSufficient || s == StatusCompleted
}

// Priority orders pending tasks during fallback selection.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps free text onto a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Rank returns a sort key where higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// SessionStatus is the overall state of a conversation.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionWrappingUp SessionStatus = "wrapping_up"
	SessionCompleted  SessionStatus = "completed"
)

// KindFirstSession is the only session kind with a seeded plan.
const KindFirstSession = "first_session"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history supplied by the caller.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a completable objective inside exactly one phase.
type Task struct {
	ID                 string     `json:"id"`
	Part               Phase      `json:"part"`
	ModuleID           string     `json:"module_id,omitempty"`
	Priority           Priority   `json:"priority"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Target             string     `json:"target"`
	CompletionCriteria string     `json:"completion_criteria"`
	Restrictions       string     `json:"restrictions,omitempty"`
	Guide              string     `json:"guide,omitempty"`
	Status             Status     `json:"status"`
	SufficientAt       *time.Time `json:"sufficient_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	if t.SufficientAt != nil {
		ts := *t.SufficientAt
		out.SufficientAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// SupervisionEntry is one quality review of a produced reply.
type SupervisionEntry struct {
	MessageIndex     int       `json:"message_index"`
	Score            int       `json:"score"`
	Feedback         string    `json:"feedback"`
	Improvements     string    `json:"improvements"`
	Strengths        string    `json:"strengths,omitempty"`
	NeedsImprovement bool      `json:"needs_improvement"`
	CreatedAt        time.Time `json:"created_at"`
}

// Actionable reports whether the entry should be surfaced to the next reply.
func (e SupervisionEntry) Actionable() bool {
	return e.Score < 7 || e.NeedsImprovement
}

// Recommendation is the session review verdict.
type Recommendation string

const (
	RecommendContinue Recommendation = "continue"
	RecommendWrapUp   Recommendation = "wrap_up"
	RecommendComplete Recommendation = "complete"
)

// SessionStatus maps a recommendation onto the session status it implies.
func (r Recommendation) SessionStatus() SessionStatus {
	switch r {
	case RecommendComplete:
		return SessionCompleted
	case RecommendWrapUp:
		return SessionWrappingUp
	default:
		return SessionActive
	}
}

// PhaseReviewEntry records a phase recheck or a session review.
type PhaseReviewEntry struct {
	MessageIndex    int                `json:"message_index"`
	FromPhase       Phase              `json:"from_phase"`
	ToPhase         Phase              `json:"to_phase,omitempty"`
	Scores          map[string]float64 `json:"scores,omitempty"`
	CompletionScore float64            `json:"completion_score,omitempty"`
	MissingGoals    []string           `json:"missing_goals,omitempty"`
	Recommendation  Recommendation     `json:"recommendation,omitempty"`
	Note            string             `json:"note,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Clone returns a deep copy of e.
func (e PhaseReviewEntry) Clone() PhaseReviewEntry {
	out := e
	if e.Scores != nil {
		out.Scores = make(map[string]float64, len(e.Scores))
		for k, v := range e.Scores {
			out.Scores[k] = v
		}
	}
	if e.MissingGoals != nil {
		out.MissingGoals = append([]string(nil), e.MissingGoals...)
	}
	return out
}

// Session is the durable state of one conversation.
type Session struct {
	ID                 string             `json:"id"`
	Kind               string             `json:"kind"`
	Status             SessionStatus      `json:"status"`
	Phase              Phase              `json:"current_phase"`
	Tasks              []Task             `json:"tasks"`
	CurrentTaskID      string             `json:"current_task_id,omitempty"`
	CurrentModuleID    string             `json:"current_module_id,omitempty"`
	PreviousModuleID   string             `json:"previous_module_id,omitempty"`
	ModuleChangeReason string             `json:"module_change_reason,omitempty"`
	MessageCount       int                `json:"message_count"`
	SupervisionLog     []SupervisionEntry `json:"supervision_log,omitempty"`
	PhaseReviewLog     []PhaseReviewEntry `json:"phase_review_log,omitempty"`
	PhaseUpdateCounter int                `json:"phase_update_counter"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// MaxPhaseUpdates bounds plan maintenance runs per session.
const MaxPhaseUpdates = 2

// New returns an active phase-1 session without tasks.
func New(id, kind string, now time.Time) *Session {
	if kind == "" {
		kind = KindFirstSession
	}
	return &Session{
		ID:        id,
		Kind:      kind,
		Status:    SessionActive,
		Phase:     Phase1,
		Tasks:     []Task{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentTask returns the task referenced by CurrentTaskID.
func (s *Session) CurrentTask() (*Task, bool) {
	if s.CurrentTaskID == "" {
		return nil, false
	}
	return Find(s.Tasks, s.CurrentTaskID)
}

// CanReplan reports whether plan maintenance may still run.
func (s *Session) CanReplan() bool {
	return s.Phase == Phase2 && s.PhaseUpdateCounter < MaxPhaseUpdates
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Tasks = Clone(s.Tasks)
	if s.SupervisionLog != nil {
		out.SupervisionLog = append([]SupervisionEntry(nil), s.SupervisionLog...)
	}
	if s.PhaseReviewLog != nil {
		out.PhaseReviewLog = make([]PhaseReviewEntry, len(s.PhaseReviewLog))
		for i, e := range s.PhaseReviewLog {
			out.PhaseReviewLog[i] = e.Clone()
		}
	}
	return &out
}
