package orchestrator

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestBuildSystem(t *testing.T) {
	task := &session.Task{Title: "Sleep", Target: "understand nights", Restrictions: "no medication advice"}

	t.Run("full context", func(t *testing.T) {
		out := buildSystem("BASE", replyContext{
			phase:         session.Phase2,
			feedback:      &session.SupervisionEntry{Score: 5, Improvements: "shorter replies"},
			moduleChanged: true,
			changeReason:  "user resists questions",
			task:          task,
			guide:         "ask about last night",
			guidelines:    "- reflect\n- validate",
		})
		assert.True(t, strings.HasPrefix(out, "BASE"))
		for _, want := range []string{
			"Current phase: 2 of 3.",
			"Score: 5/10",
			"Improvements: shorter replies",
			"Reason: user resists questions",
			"Current task: Sleep",
			"Goal: understand nights",
			"Restrictions: no medication advice",
			"Execution guide: ask about last night",
			"- reflect\n- validate",
		} {
			assert.Contains(t, out, want)
		}
	})

	t.Run("optional sections omitted", func(t *testing.T) {
		out := buildSystem("BASE", replyContext{
			phase:         session.Phase1,
			feedback:      &session.SupervisionEntry{Score: 9},
			moduleChanged: true,
		})
		assert.NotContains(t, out, "Needs improvement")
		assert.NotContains(t, out, "Technique changed")
		assert.NotContains(t, out, "Current task")
		assert.NotContains(t, out, "Technique guidelines")
	})

	t.Run("improvements of none are dropped", func(t *testing.T) {
		out := buildSystem("BASE", replyContext{
			phase:    session.Phase1,
			feedback: &session.SupervisionEntry{Score: 6, Improvements: "none"},
		})
		assert.Contains(t, out, "Score: 6/10")
		assert.NotContains(t, out, "Improvements:")
	})
}

func TestReplyHistory(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleAssistant, Content: "hi"},
		{Role: session.RoleUser, Content: " same text "},
	}

	assert.Len(t, replyHistory(history, "same text"), 1)
	assert.Len(t, replyHistory(history, "other"), 2)
	assert.Empty(t, replyHistory(nil, "x"))

	assistantLast := []session.Message{{Role: session.RoleAssistant, Content: "same text"}}
	assert.Len(t, replyHistory(assistantLast, "same text"), 1)
}

func TestWithMessage(t *testing.T) {
	history := []session.Message{{Role: session.RoleAssistant, Content: "hi"}}

	out := withMessage(history, "hello")
	assert.Len(t, out, 2)
	assert.Equal(t, "hello", out[1].Content)
	assert.Len(t, history, 1, "input is not modified")

	already := append(history, session.Message{Role: session.RoleUser, Content: "hello"})
	assert.Len(t, withMessage(already, "hello"), 2)
}
