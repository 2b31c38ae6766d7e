package evaluation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func task() *session.Task {
	return &session.Task{
		ID: "rapport_1", Part: session.Phase1, Priority: session.PriorityHigh,
		Title: "Welcome", Target: "rapport", CompletionCriteria: "greeted", Status: session.StatusInProgress,
	}
}

func history() []session.Message {
	return []session.Message{
		{Role: session.RoleAssistant, Content: "Hello, how can I help?"},
		{Role: session.RoleUser, Content: "I have been stressed at work."},
	}
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		status    session.Status
		completed bool
		reason    string
	}{
		{"json sufficient", `{"new_status":"sufficient","reason":"covered"}`, session.StatusSufficient, true, "covered"},
		{"json none", `{"new_status":"none","reason":"none"}`, NoChange, false, ""},
		{"fenced json", "```json\n{\"new_status\":\"completed\",\"reason\":\"done\"}\n```", session.StatusCompleted, true, "done"},
		{"markers", "NEW_STATUS: completed\nCOMPLETION_REASON: user agreed", session.StatusCompleted, true, "user agreed"},
		{"markers none", "NEW_STATUS: None\nCOMPLETION_REASON: None", NoChange, false, ""},
		{"unknown status", "NEW_STATUS: finished", NoChange, false, ""},
		{"bad json falls back", `{"new_status":"done"}` + "\nNEW_STATUS: sufficient", session.StatusSufficient, true, ""},
		{"garbage", "I think so", NoChange, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCompletion(tt.raw)
			assert.Equal(t, tt.status, got.NewStatus)
			assert.Equal(t, tt.completed, got.Completed)
			assert.Equal(t, tt.completed, got.NewStatus != NoChange)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestParseState(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		s := parseState(`{"resistance_detected":true,"emotion_change":"negative","topic_change":false,"circular_conversation":false,"summary":"tense"}`)
		assert.True(t, s.ResistanceDetected)
		assert.Equal(t, EmotionNegative, s.EmotionChange)
		assert.Equal(t, "tense", s.Summary)
		assert.True(t, s.NeedsReplan())
	})

	t.Run("markers", func(t *testing.T) {
		s := parseState("RESISTANCE_DETECTED: False\nEMOTION_CHANGE: positive\nTOPIC_CHANGE: True\nCIRCULAR_CONVERSATION: false\nUSER_STATE_SUMMARY: opening up")
		assert.False(t, s.ResistanceDetected)
		assert.Equal(t, EmotionPositive, s.EmotionChange)
		assert.True(t, s.TopicChange)
		assert.Equal(t, "opening up", s.Summary)
	})

	t.Run("incomplete json falls back to markers", func(t *testing.T) {
		s := parseState(`{"summary":"x"}` + "\nCIRCULAR_CONVERSATION: yes")
		assert.True(t, s.CircularConversation)
	})

	t.Run("garbage is neutral", func(t *testing.T) {
		s := parseState("no idea")
		assert.Equal(t, UserState{}, s)
		assert.False(t, s.NeedsReplan())
	})

	t.Run("unknown emotion", func(t *testing.T) {
		assert.Equal(t, EmotionNone, parseEmotion("furious"))
	})
}

func TestEvaluator_BothRun(t *testing.T) {
	script := oracle.NewScript().
		On(oracle.PurposeCompletion, `{"new_status":"sufficient","reason":"ok"}`).
		On(oracle.PurposeUserState, `{"resistance_detected":false,"emotion_change":"neutral","topic_change":true,"circular_conversation":false,"summary":"s"}`)

	e := New(script, NewPool(3), nil, time.Second)
	res := e.Evaluate(context.Background(), task(), history())

	require.NotNil(t, res.Completion)
	assert.Equal(t, "rapport_1", res.Completion.TaskID)
	assert.Equal(t, session.StatusSufficient, res.Completion.NewStatus)
	assert.True(t, res.State.TopicChange)

	calls := script.CallsFor(oracle.PurposeCompletion)
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Schema, "structured output is requested")
	assert.Contains(t, calls[0].UserText, "stressed at work")
}

func TestEvaluator_NoTaskSkipsCompletion(t *testing.T) {
	script := oracle.NewScript().On(oracle.PurposeUserState, "RESISTANCE_DETECTED: true")

	res := New(script, nil, nil, 0).Evaluate(context.Background(), nil, history())

	assert.Nil(t, res.Completion)
	assert.True(t, res.State.ResistanceDetected)
	assert.Empty(t, script.CallsFor(oracle.PurposeCompletion))
}

func TestEvaluator_OracleFailureIsNeutral(t *testing.T) {
	script := oracle.NewScript().
		Fail(oracle.PurposeCompletion, errors.New("quota exceeded")).
		Fail(oracle.PurposeUserState, errors.New("quota exceeded"))
	logger := logging.NewTestLogger()

	res := New(script, NewPool(1), logger.Logger, time.Second).Evaluate(context.Background(), task(), history())

	require.NotNil(t, res.Completion)
	assert.False(t, res.Completion.Completed)
	assert.Equal(t, NoChange, res.Completion.NewStatus)
	assert.Equal(t, "rapport_1", res.Completion.TaskID)
	assert.Equal(t, UserState{}, res.State)
	logger.AssertLogged(t, zapcore.WarnLevel, "completion check failed, assuming not completed")
	logger.AssertLogged(t, zapcore.WarnLevel, "state detection failed, assuming neutral state")
}

func TestEvaluator_TimeoutIsNeutral(t *testing.T) {
	blocking := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	start := time.Now()
	res := New(blocking, NewPool(2), nil, 20*time.Millisecond).Evaluate(context.Background(), task(), history())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Completion.Completed)
	assert.Equal(t, UserState{}, res.State)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(context.Context) {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, int32(2))
	assert.Equal(t, 2, pool.Size())
}

func TestPool_CancelledWhileWaiting(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) { <-release })
	}()
	defer close(release)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := pool.Do(ctx, func(context.Context) { ran = true })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}
