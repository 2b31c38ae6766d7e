package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

// DefaultInstructions is the base system prompt of every reply.
const DefaultInstructions = `You are a warm, professional counselor holding a first session.
Listen first, reflect what you hear and ask one question at a time.
Do not give advice before the user's situation is clear. Keep replies short.`

// guidelineLines is how many guideline lines of the module reach the reply.
const guidelineLines = 5

// replyContext is everything the reply prompt is built from.
type replyContext struct {
	phase         session.Phase
	feedback      *session.SupervisionEntry
	moduleChanged bool
	changeReason  string
	task          *session.Task
	guide         string
	guidelines    string
}

// buildSystem assembles the reply system prompt. Feedback is included only
// when it is actionable, the module change notice only with a reason.
func buildSystem(base string, rc replyContext) string {
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nCurrent phase: %d of 3.\n", int(rc.phase))

	if rc.feedback != nil && rc.feedback.Actionable() {
		fmt.Fprintf(&b, "\n=== Needs improvement ===\nScore: %d/10\n", rc.feedback.Score)
		if !oracle.IsNone(rc.feedback.Improvements) {
			fmt.Fprintf(&b, "Improvements: %s\n", rc.feedback.Improvements)
		}
		b.WriteString("Use this feedback to improve the next reply.\n")
	}

	if rc.moduleChanged && rc.changeReason != "" {
		fmt.Fprintf(&b, "\n=== Technique changed ===\nReason: %s\nKeep this reason in mind.\n", rc.changeReason)
	}

	if rc.task != nil {
		fmt.Fprintf(&b, "\nCurrent task: %s\nGoal: %s\n", rc.task.Title, rc.task.Target)
		if rc.task.Restrictions != "" {
			fmt.Fprintf(&b, "Restrictions: %s\n", rc.task.Restrictions)
		}
		if rc.guide != "" {
			fmt.Fprintf(&b, "Execution guide: %s\n", rc.guide)
		}
	}

	if rc.guidelines != "" {
		fmt.Fprintf(&b, "\nTechnique guidelines:\n%s\n", rc.guidelines)
	}
	return b.String()
}

// replyHistory drops the trailing user message when it repeats message,
// since message is sent separately as the user text.
func replyHistory(history []session.Message, message string) []session.Message {
	n := len(history)
	if n == 0 {
		return history
	}
	last := history[n-1]
	if last.Role == session.RoleUser && strings.TrimSpace(last.Content) == strings.TrimSpace(message) {
		return history[:n-1]
	}
	return history
}

// withMessage returns history ending with message, appending it when the
// caller did not.
func withMessage(history []session.Message, message string) []session.Message {
	out := make([]session.Message, len(history), len(history)+1)
	copy(out, history)
	if len(replyHistory(history, message)) < len(history) {
		return out
	}
	return append(out, session.Message{Role: session.RoleUser, Content: message})
}
