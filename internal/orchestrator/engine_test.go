package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/turnd/internal/events"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/fyrsmithlabs/turnd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	neutralState   = `{"resistance_detected":false,"emotion_change":"neutral","topic_change":false,"circular_conversation":false,"summary":"calm"}`
	resistantState = `{"resistance_detected":true,"emotion_change":"negative","topic_change":false,"circular_conversation":false,"summary":"guarded"}`
	notDone        = `{"new_status":"none","reason":"none"}`
	phaseTwoPlan   = `{"tasks":[
		{"id":"explore_work","title":"Work stress","priority":"high","target":"understand work","completion_criteria":"described a week"},
		{"id":"explore_sleep","title":"Sleep","priority":"medium","target":"understand sleep","completion_criteria":"described nights"}]}`
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func baseScript() *oracle.Script {
	return oracle.NewScript().
		On(oracle.PurposeUserState, neutralState).
		On(oracle.PurposeCompletion, notDone).
		On(oracle.PurposeReply, "I'm glad you reached out.")
}

func newEngine(t *testing.T, o oracle.Oracle, st store.Store) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e, err := New(Options{}, Deps{Store: st, Oracle: o, Events: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, rec
}

// seed stores a session in phase with tasks and a message count.
func seed(t *testing.T, st store.Store, id string, phase session.Phase, tasks []session.Task, current string, count int) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Create(ctx, id, session.KindFirstSession)
	require.NoError(t, err)
	require.NoError(t, st.SetTasks(ctx, id, tasks))
	require.NoError(t, st.SetPhase(ctx, id, phase))
	require.NoError(t, st.SetCurrentTask(ctx, id, current))
	for i := 0; i < count; i++ {
		_, err := st.IncrementMessageCount(ctx, id)
		require.NoError(t, err)
	}
}

func phaseOneWith(status session.Status) []session.Task {
	tasks := session.InitialTasks(session.KindFirstSession)
	for i := range tasks {
		tasks[i].Status = status
	}
	return tasks
}

func phaseTwoSession() []session.Task {
	tasks := phaseOneWith(session.StatusCompleted)
	return append(tasks,
		session.Task{ID: "explore_work", Part: session.Phase2, Priority: session.PriorityHigh, Title: "Work", Target: "t", CompletionCriteria: "c", Status: session.StatusInProgress},
		session.Task{ID: "explore_sleep", Part: session.Phase2, Priority: session.PriorityMedium, Title: "Sleep", Target: "t", CompletionCriteria: "c", Status: session.StatusPending},
	)
}

func load(t *testing.T, st store.Store, id string) *session.Session {
	t.Helper()
	sess, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestTurnFirstContact(t *testing.T) {
	st := store.NewMemory()
	script := baseScript().On(oracle.PurposeSelectModule, `{"selected_module_id":"rapport_building","change_reason":""}`)
	e, rec := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "Hi, I can't sleep."})
	require.NoError(t, err)
	e.Jobs().Wait()

	assert.Equal(t, "I'm glad you reached out.", res.Reply)
	assert.Equal(t, "rapport_1", res.TaskID)
	assert.Equal(t, session.Phase1, res.Phase)
	assert.Equal(t, "rapport_building", res.ModuleID)
	assert.False(t, res.ModuleChanged)
	assert.False(t, res.TaskCompleted)
	assert.Equal(t, 1, res.MessageCount)
	assert.NotEmpty(t, res.TurnID)

	assert.Empty(t, script.CallsFor(oracle.PurposeCompletion), "no task to evaluate on first contact")

	sess := load(t, st, "c1")
	assert.Equal(t, 1, sess.MessageCount)
	assert.Equal(t, "rapport_1", sess.CurrentTaskID)
	assert.Equal(t, "rapport_building", sess.CurrentModuleID)
	task, ok := session.Find(sess.Tasks, "rapport_1")
	require.True(t, ok)
	assert.Equal(t, session.StatusInProgress, task.Status)
	assert.Len(t, session.FilterByPhase(sess.Tasks, session.Phase1), 5)

	assert.Contains(t, rec.types(), events.TurnCompleted)
}

func TestTurnCompletionAdvancesPhase(t *testing.T) {
	st := store.NewMemory()
	tasks := phaseOneWith(session.StatusSufficient)
	tasks[0].Status = session.StatusInProgress
	seed(t, st, "c1", session.Phase1, tasks, "rapport_1", 4)

	script := baseScript().
		Set(oracle.PurposeCompletion, `{"new_status":"sufficient","reason":"covered"}`).
		On(oracle.PurposePlan, phaseTwoPlan)
	e, rec := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "Work has been hard."})
	require.NoError(t, err)
	e.Jobs().Wait()

	assert.True(t, res.TaskCompleted)
	assert.True(t, res.PhaseAdvanced)
	assert.Equal(t, session.Phase2, res.Phase)
	assert.Equal(t, "explore_work", res.TaskID)
	assert.Equal(t, 5, res.MessageCount)

	sess := load(t, st, "c1")
	assert.Equal(t, session.Phase2, sess.Phase)
	assert.Equal(t, "explore_work", sess.CurrentTaskID)
	assert.True(t, session.AllCompleted(sess.Tasks, session.Phase1), "outgoing sufficient tasks are swept")
	first, _ := session.Find(sess.Tasks, "rapport_1")
	require.NotNil(t, first.SufficientAt)
	require.NotNil(t, first.CompletedAt)

	require.NotEmpty(t, sess.PhaseReviewLog)
	entry := sess.PhaseReviewLog[0]
	assert.Equal(t, session.Phase1, entry.FromPhase)
	assert.Equal(t, session.Phase2, entry.ToPhase)
	assert.Equal(t, "turn", entry.Note)
	assert.Equal(t, 5, entry.MessageIndex)

	assert.Contains(t, rec.types(), events.PhaseAdvanced)
}

func TestTurnCompletionSelectsNextTaskInPhase(t *testing.T) {
	st := store.NewMemory()
	tasks := session.InitialTasks(session.KindFirstSession)
	tasks[0].Status = session.StatusInProgress
	seed(t, st, "c1", session.Phase1, tasks, "rapport_1", 1)

	script := baseScript().
		Set(oracle.PurposeCompletion, `{"new_status":"completed","reason":"greeted"}`).
		On(oracle.PurposeSelectTask, `{"selected_task_id":"info_1","execution_guide":"ask for a name"}`)
	e, _ := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "Thanks."})
	require.NoError(t, err)
	e.Jobs().Wait()

	assert.Equal(t, "info_1", res.TaskID)
	assert.Equal(t, session.Phase1, res.Phase)

	sess := load(t, st, "c1")
	done, _ := session.Find(sess.Tasks, "rapport_1")
	assert.Equal(t, session.StatusCompleted, done.Status)
	next, _ := session.Find(sess.Tasks, "info_1")
	assert.Equal(t, session.StatusInProgress, next.Status)

	replies := script.CallsFor(oracle.PurposeReply)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].System, "ask for a name")
}

func TestTurnDropsStaleTaskOfAnotherPhase(t *testing.T) {
	st := store.NewMemory()
	tasks := phaseTwoSession()
	tasks[len(tasks)-2].Status = session.StatusPending
	seed(t, st, "c1", session.Phase2, tasks, "rapport_1", 10)

	script := baseScript()
	e, _ := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "Where were we?"})
	require.NoError(t, err)
	e.Jobs().Wait()

	assert.Empty(t, script.CallsFor(oracle.PurposeCompletion))
	assert.Equal(t, "explore_work", res.TaskID)
	sess := load(t, st, "c1")
	assert.Equal(t, "explore_work", sess.CurrentTaskID)
	current, ok := sess.CurrentTask()
	require.True(t, ok)
	assert.Equal(t, sess.Phase, current.Part)
}

func TestTurnClearsStaleTaskInStore(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "c1", session.Phase2, phaseOneWith(session.StatusCompleted), "rapport_1", 6)

	script := baseScript().On(oracle.PurposePlan, phaseTwoPlan)
	e, _ := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "Where were we?"})
	require.NoError(t, err)
	e.Jobs().Wait()

	assert.Empty(t, res.TaskID)
	assert.Empty(t, script.CallsFor(oracle.PurposeCompletion))

	sess := load(t, st, "c1")
	assert.Equal(t, session.Phase2, sess.Phase)
	assert.Len(t, session.FilterByPhase(sess.Tasks, session.Phase2), 2)
	assert.Equal(t, "explore_work", sess.CurrentTaskID)
	current, ok := sess.CurrentTask()
	require.True(t, ok)
	assert.Equal(t, session.Phase2, current.Part)
	assert.Equal(t, session.StatusInProgress, current.Status)
}

func TestTurnFeedbackExactMatch(t *testing.T) {
	tests := []struct {
		name    string
		entries []session.SupervisionEntry
		want    string
		absent  []string
	}{
		{
			name: "previous reply reviewed",
			entries: []session.SupervisionEntry{
				{MessageIndex: 2, Score: 3, Improvements: "old advice", NeedsImprovement: true},
				{MessageIndex: 3, Score: 4, Improvements: "slow down", NeedsImprovement: true},
			},
			want:   "slow down",
			absent: []string{"old advice"},
		},
		{
			name: "only an older review",
			entries: []session.SupervisionEntry{
				{MessageIndex: 2, Score: 3, Improvements: "old advice", NeedsImprovement: true},
			},
			absent: []string{"old advice", "Needs improvement"},
		},
		{
			name: "passing review is not surfaced",
			entries: []session.SupervisionEntry{
				{MessageIndex: 3, Score: 8, Improvements: "tiny nit"},
			},
			absent: []string{"tiny nit", "Needs improvement"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			tasks := session.InitialTasks(session.KindFirstSession)
			tasks[0].Status = session.StatusInProgress
			seed(t, st, "c1", session.Phase1, tasks, "rapport_1", 3)
			for _, entry := range tt.entries {
				require.NoError(t, st.AppendSupervisionLog(context.Background(), "c1", entry))
			}

			script := baseScript()
			e, _ := newEngine(t, script, st)
			_, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "ok"})
			require.NoError(t, err)
			e.Jobs().Wait()

			replies := script.CallsFor(oracle.PurposeReply)
			require.Len(t, replies, 1)
			if tt.want != "" {
				assert.Contains(t, replies[0].System, tt.want)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, replies[0].System, s)
			}
		})
	}
}

func TestTurnDeduplicatesHistory(t *testing.T) {
	st := store.NewMemory()
	script := baseScript()
	e, _ := newEngine(t, script, st)

	history := []session.Message{
		{Role: session.RoleAssistant, Content: "Hello, what brings you here?"},
		{Role: session.RoleUser, Content: "I can't sleep."},
	}
	_, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "I can't sleep.", History: history})
	require.NoError(t, err)
	e.Jobs().Wait()

	replies := script.CallsFor(oracle.PurposeReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "I can't sleep.", replies[0].UserText)
	require.Len(t, replies[0].History, 1)
	assert.Equal(t, session.RoleAssistant, replies[0].History[0].Role)
}

func TestTurnReplyFailure(t *testing.T) {
	st := store.NewMemory()
	quota := errors.New("quota exceeded")
	script := oracle.NewScript().
		On(oracle.PurposeUserState, neutralState).
		Fail(oracle.PurposeReply, quota)
	e, rec := newEngine(t, script, st)

	res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "hello"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsKind(err, KindOracle))
	assert.ErrorIs(t, err, quota)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "c1", te.ConversationID)

	e.Jobs().Wait()
	sess := load(t, st, "c1")
	assert.Equal(t, 0, sess.MessageCount, "an aborted turn does not count")
	assert.Contains(t, rec.types(), events.TurnFailed)
	assert.NotContains(t, rec.types(), events.TurnCompleted)
}

func TestTurnEmptyReply(t *testing.T) {
	script := oracle.NewScript().On(oracle.PurposeUserState, neutralState).On(oracle.PurposeReply, "   ")
	e, _ := newEngine(t, script, store.NewMemory())

	_, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "hello"})
	assert.True(t, IsKind(err, KindOracle))
	assert.ErrorIs(t, err, oracle.ErrEmptyResponse)
}

func TestTurnInvalidRequest(t *testing.T) {
	e, _ := newEngine(t, baseScript(), store.NewMemory())

	_, err := e.Turn(context.Background(), Request{Message: "hi"})
	assert.True(t, IsKind(err, KindInvalid))
	assert.ErrorIs(t, err, ErrMissingConversation)

	_, err = e.Turn(context.Background(), Request{ConversationID: "c1", Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestTurnsOfOneConversationAreSerialized(t *testing.T) {
	st := store.NewMemory()
	e, _ := newEngine(t, baseScript(), st)

	var wg sync.WaitGroup
	counts := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Turn(context.Background(), Request{ConversationID: "c1", Message: "hello"})
			if assert.NoError(t, err) {
				counts <- res.MessageCount
			}
		}()
	}
	wg.Wait()
	close(counts)
	e.Jobs().Wait()

	seen := map[int]bool{}
	for n := range counts {
		assert.False(t, seen[n], "message count %d handed out twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, 4, load(t, st, "c1").MessageCount)
}

type taskView struct {
	ID     string
	Part   session.Phase
	Status session.Status
}

func viewOf(sess *session.Session) []taskView {
	out := make([]taskView, len(sess.Tasks))
	for i, t := range sess.Tasks {
		out[i] = taskView{ID: t.ID, Part: t.Part, Status: t.Status}
	}
	return out
}

func TestLoadSessionIsStableAcrossCacheAndStore(t *testing.T) {
	lite, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	for name, st := range map[string]store.Store{"memory": store.NewMemory(), "sqlite": lite} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st, "c1", session.Phase2, phaseTwoSession(), "explore_work", 7)
			e, _ := newEngine(t, baseScript(), st)

			fromStore, err := e.loadSession(ctx, "c1")
			require.NoError(t, err)
			fromCache, err := e.loadSession(ctx, "c1")
			require.NoError(t, err)
			e.cache.Delete("c1")
			reloaded, err := e.loadSession(ctx, "c1")
			require.NoError(t, err)

			want := viewOf(fromStore)
			require.Len(t, want, len(phaseTwoSession()))
			for _, got := range []*session.Session{fromCache, reloaded} {
				assert.Equal(t, want, viewOf(got))
				assert.Equal(t, fromStore.Phase, got.Phase)
				assert.Equal(t, fromStore.CurrentTaskID, got.CurrentTaskID)
				assert.Equal(t, fromStore.MessageCount, got.MessageCount)
			}
			assert.Equal(t, session.Phase2, fromStore.Phase)
			assert.Equal(t, "explore_work", fromStore.CurrentTaskID)
			assert.Equal(t, 7, fromStore.MessageCount)
		})
	}
}
