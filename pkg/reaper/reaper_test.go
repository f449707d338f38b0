package reaper

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepWithNilDependencies(t *testing.T) {
	r := New(nil, nil, nil, nil, 0)
	assert.NotPanics(t, r.Sweep)
}

func TestSweepFailsOverdueTasks(t *testing.T) {
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
	task, err := q.Submit(queue.SubmitParams{
		Description: "already late",
		CompleteBy:  types.NowMs() - 1000,
	})
	require.NoError(t, err)

	New(nil, nil, nil, q, 0).Sweep()

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, types.TaskStatusQueued, got.Status)
}

func TestSweepMarksSilentAgentsOffline(t *testing.T) {
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
	registry := agent.NewRegistry(q, broker, nil, agent.Config{
		HeartbeatInterval:        time.Millisecond,
		HeartbeatTimeoutMultiple: 2,
		OfflineGrace:             time.Minute,
	})
	a := registry.Register(types.AgentInfo{AgentID: "a1"}, make(chan any, 1), func() {})

	time.Sleep(5 * time.Millisecond)
	New(registry, nil, nil, nil, 0).Sweep()

	assert.Equal(t, types.AgentStateOffline, a.Snapshot().State)
}
