package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const planReply = `{"tasks":[
 {"id":"explore_work","title":"Work stress","priority":"high","target":"understand stressors","completion_criteria":"main stressor named","guide":"ask about a typical day","module_id":"questioning_technique"},
 {"id":"explore_sleep","title":"Sleep","priority":"urgent","target":"sleep quality","completion_criteria":"pattern known","module_id":"hypnosis"},
 {"id":"","title":"dropped"}
]}`

func TestParsePlan(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		tasks, err := parsePlan(planReply)
		require.NoError(t, err)
		require.Len(t, tasks, 2)

		assert.Equal(t, "explore_work", tasks[0].ID)
		assert.Equal(t, session.Phase2, tasks[0].Part)
		assert.Equal(t, session.PriorityHigh, tasks[0].Priority)
		assert.Equal(t, session.StatusPending, tasks[0].Status)
		assert.Equal(t, session.PriorityMedium, tasks[1].Priority, "unknown priority becomes medium")
	})

	t.Run("bare array", func(t *testing.T) {
		tasks, err := parsePlan("Here you go:\n[{\"id\":\"a\",\"title\":\"A\"}]")
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "a", tasks[0].ID)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parsePlan("I cannot plan this session")
		assert.ErrorIs(t, err, ErrNoTasks)
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := parsePlan(`{"tasks":[]}`)
		assert.ErrorIs(t, err, ErrNoTasks)
	})
}

func TestPhaseTwo(t *testing.T) {
	script := oracle.NewScript().On(oracle.PurposePlan, planReply)
	p := New(script, catalog.Default(), nil, 0)

	history := []session.Message{{Role: session.RoleUser, Content: "work is overwhelming"}}
	tasks, err := p.PhaseTwo(context.Background(), history, session.InitialTasks(session.KindFirstSession))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, catalog.QuestioningTechnique, tasks[0].ModuleID)
	assert.Empty(t, tasks[1].ModuleID, "unknown module ids are dropped")

	calls := script.CallsFor(oracle.PurposePlan)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].UserText, "work is overwhelming")
	assert.Contains(t, calls[0].UserText, "rapport_1")
	assert.NotNil(t, calls[0].Schema)
}

func TestPhaseTwo_OracleError(t *testing.T) {
	script := oracle.NewScript().Fail(oracle.PurposePlan, errors.New("unavailable"))
	_, err := New(script, nil, nil, 0).PhaseTwo(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestRegenerate_MergeKeepsStatus(t *testing.T) {
	existing := []session.Task{
		{ID: "explore_work", Part: session.Phase2, Priority: session.PriorityHigh, Title: "Work", Status: session.StatusSufficient},
	}
	script := oracle.NewScript().On(oracle.PurposePlan, planReply)

	batch, err := New(script, nil, nil, 0).Regenerate(context.Background(), nil, existing)
	require.NoError(t, err)

	merged, stats := session.Merge(existing, batch, session.Phase2)
	assert.Equal(t, []string{"explore_work"}, stats.Updated)
	assert.Equal(t, []string{"explore_sleep"}, stats.Added)

	work, ok := session.Find(merged, "explore_work")
	require.True(t, ok)
	assert.Equal(t, session.StatusSufficient, work.Status, "regeneration never regresses status")
	assert.Equal(t, "Work stress", work.Title)
}
