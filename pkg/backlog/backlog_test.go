package backlog

import (
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBacklog(t *testing.T) (*GoalBacklog, string) {
	t.Helper()
	dir := t.TempDir()
	b, _ := openBacklogAt(t, dir)
	return b, dir
}

// openBacklogAt builds a backlog over a table in dir. The returned
// closer releases the table lock so the same dir can be reopened.
func openBacklogAt(t *testing.T, dir string) (*GoalBacklog, func()) {
	t.Helper()
	goals, err := storage.Open(filepath.Join(dir, "goals.db"), "goals", storage.Options{})
	require.NoError(t, err)
	closeTable := func() { goals.Close() }
	t.Cleanup(closeTable)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	b, err := New(goals, broker)
	require.NoError(t, err)
	return b, closeTable
}

func submitGoal(t *testing.T, b *GoalBacklog) *types.Goal {
	t.Helper()
	g, err := b.Submit(SubmitParams{
		Description:     "ship the feature",
		SuccessCriteria: []string{"tests pass"},
		Source:          types.GoalSourceAPI,
	})
	require.NoError(t, err)
	return g
}

func TestSubmitGoal(t *testing.T) {
	b, _ := newTestBacklog(t)

	g := submitGoal(t, b)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, types.GoalStatusSubmitted, g.Status)
	assert.NotZero(t, g.CreatedAt)
}

func TestSubmitValidation(t *testing.T) {
	b, _ := newTestBacklog(t)

	tests := []struct {
		name   string
		params SubmitParams
	}{
		{name: "missing description", params: SubmitParams{SuccessCriteria: []string{"x"}}},
		{name: "missing success criteria", params: SubmitParams{Description: "goal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Submit(tt.params)
			assert.Error(t, err)
		})
	}
}

func TestGoalLifecycle(t *testing.T) {
	b, _ := newTestBacklog(t)
	g := submitGoal(t, b)

	steps := []types.GoalStatus{
		types.GoalStatusDecomposing,
		types.GoalStatusExecuting,
		types.GoalStatusVerifying,
		types.GoalStatusComplete,
	}
	for _, to := range steps {
		got, err := b.Transition(g.ID, to, "", nil)
		require.NoError(t, err)
		assert.Equal(t, to, got.Status)
	}
}

func TestInvalidTransitions(t *testing.T) {
	b, _ := newTestBacklog(t)

	tests := []struct {
		name string
		to   types.GoalStatus
	}{
		{name: "submitted straight to executing", to: types.GoalStatusExecuting},
		{name: "submitted straight to complete", to: types.GoalStatusComplete},
		{name: "submitted cannot fail directly", to: types.GoalStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := submitGoal(t, b)
			_, err := b.Transition(g.ID, tt.to, "", nil)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestVerifyingCanLoopBackToExecuting(t *testing.T) {
	b, _ := newTestBacklog(t)
	g := submitGoal(t, b)

	for _, to := range []types.GoalStatus{types.GoalStatusDecomposing, types.GoalStatusExecuting, types.GoalStatusVerifying} {
		_, err := b.Transition(g.ID, to, "", nil)
		require.NoError(t, err)
	}

	got, err := b.Transition(g.ID, types.GoalStatusExecuting, "verification found gaps", nil)
	require.NoError(t, err)
	assert.Equal(t, types.GoalStatusExecuting, got.Status)
}

func TestTransitionRecordsChildTasks(t *testing.T) {
	b, _ := newTestBacklog(t)
	g := submitGoal(t, b)

	_, err := b.Transition(g.ID, types.GoalStatusDecomposing, "", nil)
	require.NoError(t, err)
	got, err := b.Transition(g.ID, types.GoalStatusExecuting, "decomposed", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, got.ChildTaskIDs)
}

func TestTransitionUnknownGoal(t *testing.T) {
	b, _ := newTestBacklog(t)

	_, err := b.Transition("missing", types.GoalStatusDecomposing, "", nil)
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestStatsCountsActiveGoals(t *testing.T) {
	b, _ := newTestBacklog(t)

	g1 := submitGoal(t, b)
	submitGoal(t, b)

	// Drive one goal to completion
	for _, to := range []types.GoalStatus{types.GoalStatusDecomposing, types.GoalStatusExecuting, types.GoalStatusVerifying, types.GoalStatusComplete} {
		_, err := b.Transition(g1.ID, to, "", nil)
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, 1, stats["active"])
	assert.Equal(t, 1, stats[string(types.GoalStatusComplete)])
	assert.Equal(t, 2, stats["total"])
}

func TestGoalsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	b, closeB := openBacklogAt(t, dir)
	g := submitGoal(t, b)
	_, err := b.Transition(g.ID, types.GoalStatusDecomposing, "", nil)
	require.NoError(t, err)

	closeB()
	reopened, _ := openBacklogAt(t, dir)
	got, err := reopened.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GoalStatusDecomposing, got.Status)
}
