// Package review grades produced replies and the progress of a session.
//
// Both reviews run as background jobs; their results only influence later
// turns.
package review

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

const (
	// ScoreUnparsed is used when the review output has no usable score.
	ScoreUnparsed = 6

	// ScoreOnError is used when the review call itself fails.
	ScoreOnError = 7

	// PassingScore is the lowest score that needs no improvement.
	PassingScore = 7

	supervisionWindow = 4
	supervisionWidth  = 100
)

// Verdict is the quality review of one reply.
type Verdict struct {
	Score            int
	Strengths        string
	Improvements     string
	Feedback         string
	NeedsImprovement bool
}

// Entry turns v into a supervision log entry for messageIndex.
func (v Verdict) Entry(messageIndex int, now time.Time) session.SupervisionEntry {
	return session.SupervisionEntry{
		MessageIndex:     messageIndex,
		Score:            v.Score,
		Feedback:         v.Feedback,
		Improvements:     v.Improvements,
		Strengths:        v.Strengths,
		NeedsImprovement: v.NeedsImprovement,
		CreatedAt:        now,
	}
}

const supervisorInstructions = `You supervise a counselor. Grade the counselor's last reply strictly from 1 to 10:
empathy, fit with the current task, respect of task restrictions, one clear question at a time,
no premature advice. Always name concrete improvements when the score is below 7.`

var supervisorSchema = oracle.Object(map[string]*oracle.Schema{
	"score":        oracle.Integer("grade from 1 to 10"),
	"strengths":    oracle.String("what went well, or none"),
	"improvements": oracle.String("concrete improvements, or none"),
	"feedback":     oracle.String("feedback for the next reply"),
})

type verdictJSON struct {
	Score        *int   `json:"score"`
	Strengths    string `json:"strengths"`
	Improvements string `json:"improvements"`
	Feedback     string `json:"feedback"`
}

// Supervisor grades replies.
type Supervisor struct {
	oracle  oracle.Oracle
	logger  *logging.Logger
	timeout time.Duration
}

// NewSupervisor creates a Supervisor. A zero timeout disables the per-call
// deadline.
func NewSupervisor(o oracle.Oracle, logger *logging.Logger, timeout time.Duration) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{oracle: o, logger: logger.Named("supervisor"), timeout: timeout}
}

// Review grades reply. It never fails: an oracle error yields ScoreOnError
// and unusable output yields ScoreUnparsed.
func (s *Supervisor) Review(ctx context.Context, userMessage, reply string, task *session.Task, history []session.Message) Verdict {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	raw, err := s.oracle.Invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeSupervise,
		System:   supervisorInstructions,
		UserText: supervisorPrompt(userMessage, reply, task, history),
		Schema:   supervisorSchema,
	})
	if err != nil {
		s.logger.Warn(ctx, "quality review failed, using default score", zap.Error(err))
		return Verdict{Score: ScoreOnError, Feedback: "review unavailable"}
	}
	return parseVerdict(raw)
}

func supervisorPrompt(userMessage, reply string, task *session.Task, history []session.Message) string {
	var b strings.Builder
	b.WriteString("Conversation context:\n")
	b.WriteString(oracle.Transcript(history, supervisionWindow, supervisionWidth))
	if task != nil {
		fmt.Fprintf(&b, "\n\nCurrent task: %s - %s", task.Title, task.Description)
		if task.Restrictions != "" {
			fmt.Fprintf(&b, "\nTask restrictions: %s", task.Restrictions)
		}
	}
	fmt.Fprintf(&b, "\n\nUser: %s\nCounselor: %s\n", userMessage, reply)
	b.WriteString("\nIf you cannot answer in JSON, answer with these lines:\nSCORE: 1-10\nSTRENGTHS: text\nIMPROVEMENTS: text\nFEEDBACK: text")
	return b.String()
}

func parseVerdict(raw string) Verdict {
	var v Verdict
	var js verdictJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil && js.Score != nil {
		v = Verdict{
			Score:        *js.Score,
			Strengths:    clean(js.Strengths),
			Improvements: clean(js.Improvements),
			Feedback:     strings.TrimSpace(js.Feedback),
		}
	} else {
		m := sections(raw, "SCORE", "STRENGTHS", "IMPROVEMENTS", "FEEDBACK")
		score, ok := oracle.MarkerInt(m["SCORE"])
		mode := oracle.ModeMarkers
		if !ok {
			score, mode = ScoreUnparsed, oracle.ModeDefault
		}
		oracle.RecordFallback(oracle.PurposeSupervise, mode)
		v = Verdict{
			Score:        score,
			Strengths:    clean(m["STRENGTHS"]),
			Improvements: clean(m["IMPROVEMENTS"]),
			Feedback:     strings.TrimSpace(m["FEEDBACK"]),
		}
	}

	v.Score = clamp(v.Score, 0, 10)
	if v.Feedback == "" {
		switch {
		case v.Improvements != "":
			v.Feedback = "Needs improvement: " + v.Improvements
		case v.Strengths != "":
			v.Feedback = "Went well: " + v.Strengths
		default:
			v.Feedback = oracle.Truncate(strings.TrimSpace(raw), 300)
		}
	}
	v.NeedsImprovement = v.Score < PassingScore
	return v
}

// sections reads "KEY: value" blocks for keys. Lines that start no key
// continue the previous block.
func sections(raw string, keys ...string) map[string]string {
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	out := make(map[string]string, len(keys))
	current := ""
	for _, line := range strings.Split(raw, "\n") {
		for key, val := range oracle.Markers(line) {
			if known[key] {
				current = key
				if _, seen := out[key]; !seen {
					out[key] = val
				}
				line = ""
			}
		}
		if current != "" && strings.TrimSpace(line) != "" {
			out[current] = strings.TrimSpace(out[current] + "\n" + strings.TrimSpace(line))
		}
	}
	return out
}

func clean(s string) string {
	if oracle.IsNone(s) {
		return ""
	}
	return strings.TrimSpace(s)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
