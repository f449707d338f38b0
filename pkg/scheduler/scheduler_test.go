package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.TaskQueue, *agent.Registry) {
	t.Helper()
	dir := t.TempDir()
	tasks, err := storage.Open(filepath.Join(dir, "tasks.db"), "tasks", storage.Options{})
	require.NoError(t, err)
	dead, err := storage.Open(filepath.Join(dir, "dead_letter.db"), "dead_letter", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		tasks.Close()
		dead.Close()
	})

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q, err := queue.New(tasks, dead, broker)
	require.NoError(t, err)
	registry := agent.NewRegistry(q, broker, nil, agent.Config{})
	return NewScheduler(q, registry, broker, 0), q, registry
}

func connect(t *testing.T, r *agent.Registry, agentID string, caps ...string) chan any {
	t.Helper()
	sendCh := make(chan any, 16)
	r.Register(types.AgentInfo{AgentID: agentID, Capabilities: caps}, sendCh, func() {})
	return sendCh
}

func TestScheduleMatchesIdleAgent(t *testing.T) {
	s, q, r := newTestScheduler(t)
	connect(t, r, "a1")

	task, err := q.Submit(queue.SubmitParams{Description: "write the migration"})
	require.NoError(t, err)

	assert.Equal(t, 1, s.TryScheduleAll())

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)
	assert.Equal(t, "a1", got.AssignedTo)
	assert.Equal(t, 1, got.Generation)
}

func TestScheduleNoIdleAgents(t *testing.T) {
	s, q, _ := newTestScheduler(t)

	_, err := q.Submit(queue.SubmitParams{Description: "waits for capacity"})
	require.NoError(t, err)

	assert.Equal(t, 0, s.TryScheduleAll())
	assert.Equal(t, 1, q.Stats()[string(types.TaskStatusQueued)])
}

func TestScheduleRespectsCapabilities(t *testing.T) {
	s, q, r := newTestScheduler(t)
	connect(t, r, "pythonista", "python")
	connect(t, r, "gopher", "go")

	task, err := q.Submit(queue.SubmitParams{
		Description:        "port the client",
		NeededCapabilities: []string{"go"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.TryScheduleAll())
	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "gopher", got.AssignedTo)
}

func TestUnmatchableTaskStaysQueued(t *testing.T) {
	s, q, r := newTestScheduler(t)
	connect(t, r, "a1", "go")

	unmatchable, err := q.Submit(queue.SubmitParams{
		Description:        "needs rust",
		NeededCapabilities: []string{"rust"},
		Priority:           types.PriorityHigh,
	})
	require.NoError(t, err)
	matchable, err := q.Submit(queue.SubmitParams{Description: "plain work"})
	require.NoError(t, err)

	// The blocked head does not starve the task behind it
	assert.Equal(t, 1, s.TryScheduleAll())

	got, err := q.Get(unmatchable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, got.Status)
	got, err = q.Get(matchable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)
}

func TestSchedulePrefersLeastRecentlyAssigned(t *testing.T) {
	s, q, r := newTestScheduler(t)
	a1 := connect(t, r, "a1")
	connect(t, r, "a2")

	// First pass assigns to a1 (ids break the tie); complete it so a1
	// is idle again but recently assigned
	first, err := q.Submit(queue.SubmitParams{Description: "first"})
	require.NoError(t, err)
	require.Equal(t, 1, s.TryScheduleAll())
	<-a1
	agent1, ok := r.Get("a1")
	require.True(t, ok)
	r.HandleFrame(agent1, agent.Frame{Type: agent.FrameTaskAccepted, TaskID: first.ID, Generation: 1})
	r.HandleFrame(agent1, agent.Frame{Type: agent.FrameTaskComplete, TaskID: first.ID, Generation: 1, Result: "ok"})

	second, err := q.Submit(queue.SubmitParams{Description: "second"})
	require.NoError(t, err)
	require.Equal(t, 1, s.TryScheduleAll())

	got, err := q.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AssignedTo)
}

func TestScheduleMultipleTasks(t *testing.T) {
	s, q, r := newTestScheduler(t)
	connect(t, r, "a1")
	connect(t, r, "a2")

	for i := 0; i < 3; i++ {
		_, err := q.Submit(queue.SubmitParams{Description: "bulk work"})
		require.NoError(t, err)
	}

	// Two agents, three tasks: one stays queued
	assert.Equal(t, 2, s.TryScheduleAll())
	stats := q.Stats()
	assert.Equal(t, 2, stats[string(types.TaskStatusAssigned)])
	assert.Equal(t, 1, stats[string(types.TaskStatusQueued)])
}

func TestPickAgent(t *testing.T) {
	idle := []types.AgentInfo{
		{AgentID: "a1", Capabilities: []string{"go"}},
		{AgentID: "a2", Capabilities: []string{"go", "rust"}},
	}

	assert.Equal(t, 0, pickAgent(idle, nil))
	assert.Equal(t, 0, pickAgent(idle, []string{"go"}))
	assert.Equal(t, 1, pickAgent(idle, []string{"rust"}))
	assert.Equal(t, -1, pickAgent(idle, []string{"haskell"}))
}
