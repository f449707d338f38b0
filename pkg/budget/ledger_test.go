package budget

import (
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLedgerFailsOpen(t *testing.T) {
	var l *Ledger

	assert.NoError(t, l.CheckBudget(types.HubStateExecuting))
	assert.NoError(t, l.RecordInvocation(types.HubStateExecuting, 100, "decompose"))
	assert.Empty(t, l.Stats())
	assert.Empty(t, l.History(10))
}

func TestBudgetExhaustion(t *testing.T) {
	l, err := New(nil, nil, map[types.HubState]int{types.HubStateExecuting: 2})
	require.NoError(t, err)

	require.NoError(t, l.CheckBudget(types.HubStateExecuting))
	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 10, ""))
	require.NoError(t, l.CheckBudget(types.HubStateExecuting))
	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 10, ""))

	err = l.CheckBudget(types.HubStateExecuting)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestUnbudgetedStateDenied(t *testing.T) {
	l, err := New(nil, nil, nil)
	require.NoError(t, err)

	err = l.CheckBudget(types.HubStateResting)
	assert.ErrorIs(t, err, ErrNoBudget)
	err = l.CheckBudget(types.HubStateHealing)
	assert.ErrorIs(t, err, ErrNoBudget)
}

func TestDefaultLimitsApply(t *testing.T) {
	l, err := New(nil, nil, nil)
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 20, stats[types.HubStateExecuting].Limit)
	assert.Equal(t, 10, stats[types.HubStateImproving].Limit)
	assert.Equal(t, 5, stats[types.HubStateContemplating].Limit)
}

func TestStatsTracksUsage(t *testing.T) {
	l, err := New(nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 250, "decompose"))
	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 300, "verify"))

	got := l.Stats()[types.HubStateExecuting]
	assert.Equal(t, 2, got.Used)
	assert.Equal(t, 18, got.Remaining)
}

func TestHistoryNewestLast(t *testing.T) {
	l, err := New(nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 1, "first"))
	require.NoError(t, l.RecordInvocation(types.HubStateImproving, 2, "second"))

	history := l.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].PromptType)
	assert.Equal(t, "second", history[1].PromptType)

	limited := l.History(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].PromptType)
}

func TestJournalSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	table, err := storage.Open(filepath.Join(dir, "invocations.db"), "cost_ledger", storage.Options{})
	require.NoError(t, err)
	defer table.Close()

	limits := map[types.HubState]int{types.HubStateExecuting: 3}
	l, err := New(table, nil, limits)
	require.NoError(t, err)
	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 10, ""))
	require.NoError(t, l.RecordInvocation(types.HubStateExecuting, 20, ""))

	reloaded, err := New(table, nil, limits)
	require.NoError(t, err)

	got := reloaded.Stats()[types.HubStateExecuting]
	assert.Equal(t, 2, got.Used)
	assert.Len(t, reloaded.History(0), 2)
}
