package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// First-session goals scored by the session review.
const (
	GoalRapportBuilding      = "rapport_building"
	GoalInformationGathering = "information_gathering"
	GoalGoalSetting          = "goal_setting"
	GoalTrustBuilding        = "trust_building"
)

// Goals lists the scored goals in report order.
var Goals = []string{GoalRapportBuilding, GoalInformationGathering, GoalGoalSetting, GoalTrustBuilding}

// GoalsMetThreshold is the completion score at which the first-session
// goals count as met.
const GoalsMetThreshold = 0.7

const (
	sessionWindow = 15
	sessionWidth  = 200
)

// SessionVerdict is the progress review of a whole session.
type SessionVerdict struct {
	Scores          map[string]float64
	CompletionScore float64
	MissingGoals    []string
	Recommendation  session.Recommendation

	// WrapUpTasks are suggested when the recommendation is not continue.
	WrapUpTasks []session.Task
}

// GoalsMet reports whether the completion score reaches GoalsMetThreshold.
func (v SessionVerdict) GoalsMet() bool {
	return v.CompletionScore >= GoalsMetThreshold
}

// Entry turns v into a phase review log entry.
func (v SessionVerdict) Entry(messageIndex int, phase session.Phase, now time.Time) session.PhaseReviewEntry {
	return session.PhaseReviewEntry{
		MessageIndex:    messageIndex,
		FromPhase:       phase,
		Scores:          v.Scores,
		CompletionScore: v.CompletionScore,
		MissingGoals:    v.MissingGoals,
		Recommendation:  v.Recommendation,
		Note:            "session review",
		CreatedAt:       now,
	}
}

const sessionInstructions = `You manage counseling sessions. Assess the progress of a first session
against its goals: rapport building, information gathering, goal setting and trust building.
Score each goal from 0.0 to 1.0. Recommend "continue" while goals are open or the user
needs more help, "wrap_up" when the goals are met, "complete" when the closing is done.
Never force an ending. When recommending wrap_up, suggest closing tasks.`

var wrapUpSchema = oracle.Object(map[string]*oracle.Schema{
	"id":                  oracle.String("new snake_case task id"),
	"module_id":           oracle.String("technique module id"),
	"title":               oracle.String("short title"),
	"description":         oracle.String("what the task covers"),
	"target":              oracle.String("what to achieve"),
	"completion_criteria": oracle.String("observable end condition"),
})

var sessionSchema = oracle.Object(map[string]*oracle.Schema{
	GoalRapportBuilding:      oracle.Number("0.0 to 1.0"),
	GoalInformationGathering: oracle.Number("0.0 to 1.0"),
	GoalGoalSetting:          oracle.Number("0.0 to 1.0"),
	GoalTrustBuilding:        oracle.Number("0.0 to 1.0"),
	"completion_score":       oracle.Number("overall progress from 0.0 to 1.0"),
	"missing_goals":          oracle.Array("goals not met yet", oracle.String("goal")),
	"recommendation":         oracle.String("next step", "continue", "wrap_up", "complete"),
	"wrap_up_tasks":          oracle.Array("closing tasks, empty when continuing", wrapUpSchema),
})

type wrapUpJSON struct {
	ID                 string `json:"id"`
	ModuleID           string `json:"module_id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	Target             string `json:"target"`
	CompletionCriteria string `json:"completion_criteria"`
}

type sessionJSON struct {
	RapportBuilding      *float64     `json:"rapport_building"`
	InformationGathering *float64     `json:"information_gathering"`
	GoalSetting          *float64     `json:"goal_setting"`
	TrustBuilding        *float64     `json:"trust_building"`
	CompletionScore      *float64     `json:"completion_score"`
	MissingGoals         []string     `json:"missing_goals"`
	Recommendation       string       `json:"recommendation"`
	WrapUpTasks          []wrapUpJSON `json:"wrap_up_tasks"`
}

// SessionReviewer assesses session progress.
type SessionReviewer struct {
	oracle  oracle.Oracle
	logger  *logging.Logger
	timeout time.Duration
}

// NewSessionReviewer creates a SessionReviewer. A zero timeout disables the
// per-call deadline.
func NewSessionReviewer(o oracle.Oracle, logger *logging.Logger, timeout time.Duration) *SessionReviewer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionReviewer{oracle: o, logger: logger.Named("session_review"), timeout: timeout}
}

// Review assesses the session. Unlike the quality review it returns the
// oracle error, so callers leave the session untouched instead of writing
// a neutral verdict over a real one.
func (r *SessionReviewer) Review(ctx context.Context, history []session.Message, tasks []session.Task) (SessionVerdict, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.oracle.Invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeSessionReview,
		System:   sessionInstructions,
		UserText: sessionPrompt(history, tasks),
		Schema:   sessionSchema,
	})
	if err != nil {
		return SessionVerdict{}, fmt.Errorf("session review: %w", err)
	}

	v := parseSessionVerdict(raw)
	r.logger.Debug(ctx, "session reviewed",
		zap.Float64("completion_score", v.CompletionScore),
		zap.String("recommendation", string(v.Recommendation)),
		zap.Int("wrap_up_tasks", len(v.WrapUpTasks)))
	return v, nil
}

func sessionPrompt(history []session.Message, tasks []session.Task) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	b.WriteString(oracle.Transcript(history, sessionWindow, sessionWidth))
	b.WriteString("\n\nTasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s (%s): %s - %s\n", t.ID, t.Status, t.Title, t.Target)
	}
	b.WriteString("\nIf you cannot answer in JSON, answer with these lines:\n" +
		"RAPPORT_BUILDING: 0.0-1.0 - note\nINFORMATION_GATHERING: 0.0-1.0 - note\n" +
		"GOAL_SETTING: 0.0-1.0 - note\nTRUST_BUILDING: 0.0-1.0 - note\n" +
		"COMPLETION_SCORE: 0.0-1.0\nMISSING_GOALS: comma separated or none\n" +
		"RECOMMENDATION: continue|wrap_up|complete\nWRAP_UP_TASKS: JSON array or none")
	return b.String()
}

func parseSessionVerdict(raw string) SessionVerdict {
	v := SessionVerdict{
		Scores:         make(map[string]float64, len(Goals)),
		Recommendation: session.RecommendContinue,
	}

	var js sessionJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil && js.CompletionScore != nil {
		for goal, score := range map[string]*float64{
			GoalRapportBuilding:      js.RapportBuilding,
			GoalInformationGathering: js.InformationGathering,
			GoalGoalSetting:          js.GoalSetting,
			GoalTrustBuilding:        js.TrustBuilding,
		} {
			if score != nil {
				v.Scores[goal] = unit(*score)
			}
		}
		v.CompletionScore = unit(*js.CompletionScore)
		for _, g := range js.MissingGoals {
			if g = clean(g); g != "" {
				v.MissingGoals = append(v.MissingGoals, g)
			}
		}
		v.Recommendation = parseRecommendation(js.Recommendation)
		if v.Recommendation != session.RecommendContinue {
			v.WrapUpTasks = wrapUpTasks(js.WrapUpTasks)
		}
		return v
	}

	m := oracle.Markers(raw)
	if _, ok := m["RECOMMENDATION"]; !ok {
		oracle.RecordFallback(oracle.PurposeSessionReview, oracle.ModeDefault)
		return v
	}
	oracle.RecordFallback(oracle.PurposeSessionReview, oracle.ModeMarkers)

	for _, goal := range Goals {
		if f, ok := oracle.MarkerFloat(m[strings.ToUpper(goal)]); ok {
			v.Scores[goal] = unit(f)
		}
	}
	if f, ok := oracle.MarkerFloat(m["COMPLETION_SCORE"]); ok {
		v.CompletionScore = unit(f)
	}
	v.MissingGoals = oracle.MarkerList(m["MISSING_GOALS"])
	if len(v.MissingGoals) == 0 {
		v.MissingGoals = nil
	}
	v.Recommendation = parseRecommendation(m["RECOMMENDATION"])
	if v.Recommendation != session.RecommendContinue {
		if arr, ok := extractArray(raw); ok {
			var tasks []wrapUpJSON
			if json.Unmarshal([]byte(arr), &tasks) == nil {
				v.WrapUpTasks = wrapUpTasks(tasks)
			}
		}
	}
	return v
}

func parseRecommendation(s string) session.Recommendation {
	switch r := session.Recommendation(strings.ToLower(strings.TrimSpace(s))); r {
	case session.RecommendWrapUp, session.RecommendComplete:
		return r
	}
	return session.RecommendContinue
}

// wrapUpTasks converts suggestions into high-priority pending tasks.
// The phase is assigned when they are appended.
func wrapUpTasks(in []wrapUpJSON) []session.Task {
	var out []session.Task
	for _, t := range in {
		id, title := strings.TrimSpace(t.ID), strings.TrimSpace(t.Title)
		if id == "" || title == "" {
			continue
		}
		out = append(out, session.Task{
			ID:                 id,
			ModuleID:           strings.TrimSpace(t.ModuleID),
			Priority:           session.PriorityHigh,
			Title:              title,
			Description:        strings.TrimSpace(t.Description),
			Target:             strings.TrimSpace(t.Target),
			CompletionCriteria: strings.TrimSpace(t.CompletionCriteria),
			Guide:              strings.TrimSpace(t.Description),
			Status:             session.StatusPending,
		})
	}
	return out
}

// extractArray returns the JSON array that follows the WRAP_UP_TASKS marker.
func extractArray(raw string) (string, bool) {
	at := strings.Index(strings.ToUpper(raw), "WRAP_UP_TASKS")
	if at < 0 {
		return "", false
	}
	raw = raw[at:]
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func unit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
