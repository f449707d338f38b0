package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*TaskQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q, _ := openQueueAt(t, dir)
	return q, dir
}

// openQueueAt builds a queue over tables in dir. The returned closer
// releases the table locks so the same dir can be reopened.
func openQueueAt(t *testing.T, dir string) (*TaskQueue, func()) {
	t.Helper()
	tasks, err := storage.Open(filepath.Join(dir, "tasks.db"), "tasks", storage.Options{})
	require.NoError(t, err)
	dead, err := storage.Open(filepath.Join(dir, "dead_letter.db"), "dead_letter", storage.Options{})
	require.NoError(t, err)
	closeTables := func() {
		tasks.Close()
		dead.Close()
	}
	t.Cleanup(closeTables)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q, err := New(tasks, dead, broker)
	require.NoError(t, err)
	return q, closeTables
}

func submit(t *testing.T, q *TaskQueue, p SubmitParams) *types.Task {
	t.Helper()
	if p.Description == "" {
		p.Description = "test task"
	}
	task, err := q.Submit(p)
	require.NoError(t, err)
	return task
}

func TestSubmitDefaults(t *testing.T) {
	q, _ := newTestQueue(t)

	task := submit(t, q, SubmitParams{Description: "fix the flaky test"})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, 0, task.Generation)
	assert.NotZero(t, task.CreatedAt)
}

func TestSubmitRequiresDescription(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(SubmitParams{})
	assert.Error(t, err)
}

func TestSubmitRejectsUnknownDependency(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(SubmitParams{
		Description: "dependent",
		DependsOn:   []string{"no-such-task"},
	})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestAssignBumpsGeneration(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	assigned, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusAssigned, assigned.Status)
	assert.Equal(t, "agent-1", assigned.AssignedTo)
	assert.Equal(t, 1, assigned.Generation)
}

func TestAssignOnlyFromQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	_, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	_, err = q.Assign(task.ID, "agent-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFullLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	assigned, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	working, err := q.Accept(task.ID, "agent-1", assigned.Generation)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusWorking, working.Status)

	_, err = q.Progress(task.ID, "agent-1", assigned.Generation, "halfway there")
	require.NoError(t, err)

	done, err := q.Complete(task.ID, "agent-1", assigned.Generation, "all green")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, "all green", done.Result)
}

func TestStaleGenerationRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	assigned, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	_, err = q.Accept(task.ID, "agent-1", assigned.Generation)
	require.NoError(t, err)

	// The agent dies; the task is reclaimed and reassigned
	_, err = q.Reclaim(task.ID, "heartbeat_timeout")
	require.NoError(t, err)
	reassigned, err := q.Assign(task.ID, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 3, reassigned.Generation)

	// A late frame from the first assignment must not land
	_, err = q.Complete(task.ID, "agent-1", assigned.Generation, "zombie result")
	assert.ErrorIs(t, err, ErrStaleGeneration)

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)
	assert.Equal(t, "agent-2", got.AssignedTo)
}

func TestWrongAgentRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	assigned, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	_, err = q.Accept(task.ID, "agent-2", assigned.Generation)
	assert.ErrorIs(t, err, ErrWrongAgent)
}

func TestFailRequeuesUntilRetriesExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{MaxRetries: 2})

	// First failure requeues
	a1, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	failed, err := q.Fail(task.ID, "agent-1", a1.Generation, "boom")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "boom", failed.LastError)

	// Second failure exhausts the budget
	a2, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	dead, err := q.Fail(task.ID, "agent-1", a2.Generation, "boom again")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDeadLetter, dead.Status)

	// Dead-lettered tasks stay readable
	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDeadLetter, got.Status)
}

func TestReclaimBumpsGenerationAndRetryCount(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	_, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	reclaimed, err := q.Reclaim(task.ID, "agent_disconnected")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, reclaimed.Status)
	assert.Equal(t, 2, reclaimed.Generation)
	assert.Equal(t, 1, reclaimed.RetryCount)
	assert.Empty(t, reclaimed.AssignedTo)
}

func TestRetryFromDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{MaxRetries: 1})

	a, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)
	dead, err := q.Fail(task.ID, "agent-1", a.Generation, "fatal")
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusDeadLetter, dead.Status)

	retried, err := q.Retry(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Empty(t, retried.LastError)
	// Generation is preserved so old frames stay dead
	assert.Equal(t, dead.Generation, retried.Generation)
}

func TestRetryUnknownDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Retry("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelQueuedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{})

	cancelled, err := q.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)

	_, err = q.Cancel(task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReadyTasksPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)

	// Millisecond gaps keep created_at distinct so FIFO order is
	// observable
	low := submit(t, q, SubmitParams{Description: "low", Priority: types.PriorityLow})
	time.Sleep(2 * time.Millisecond)
	urgentA := submit(t, q, SubmitParams{Description: "urgent a", Priority: types.PriorityUrgent})
	time.Sleep(2 * time.Millisecond)
	normal := submit(t, q, SubmitParams{Description: "normal", Priority: types.PriorityNormal})
	time.Sleep(2 * time.Millisecond)
	urgentB := submit(t, q, SubmitParams{Description: "urgent b", Priority: types.PriorityUrgent})

	ready := q.ReadyTasks()
	require.Len(t, ready, 4)
	assert.Equal(t, urgentA.ID, ready[0].ID)
	assert.Equal(t, urgentB.ID, ready[1].ID)
	assert.Equal(t, normal.ID, ready[2].ID)
	assert.Equal(t, low.ID, ready[3].ID)
}

func TestReadyTasksRespectDependencies(t *testing.T) {
	q, _ := newTestQueue(t)

	dep := submit(t, q, SubmitParams{Description: "dep"})
	child, err := q.Submit(SubmitParams{
		Description: "child",
		DependsOn:   []string{dep.ID},
	})
	require.NoError(t, err)

	ready := q.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, dep.ID, ready[0].ID)

	// Complete the dependency; the child becomes ready
	a, err := q.Assign(dep.ID, "agent-1")
	require.NoError(t, err)
	_, err = q.Accept(dep.ID, "agent-1", a.Generation)
	require.NoError(t, err)
	_, err = q.Complete(dep.ID, "agent-1", a.Generation, "done")
	require.NoError(t, err)

	ready = q.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, child.ID, ready[0].ID)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, closeQ := openQueueAt(t, dir)

	task := submit(t, q, SubmitParams{Description: "durable"})
	_, err := q.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	dead := submit(t, q, SubmitParams{Description: "doomed", MaxRetries: 1})
	a, err := q.Assign(dead.ID, "agent-1")
	require.NoError(t, err)
	_, err = q.Fail(dead.ID, "agent-1", a.Generation, "fatal")
	require.NoError(t, err)

	closeQ()
	reopened, _ := openQueueAt(t, dir)

	got, err := reopened.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)
	assert.Equal(t, 1, got.Generation)

	gotDead, err := reopened.Get(dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDeadLetter, gotDead.Status)
}

func TestExpireOverdue(t *testing.T) {
	q, _ := newTestQueue(t)

	now := types.NowMs()
	overdue := submit(t, q, SubmitParams{Description: "late", CompleteBy: now - 1000})
	fresh := submit(t, q, SubmitParams{Description: "fine", CompleteBy: now + 60_000})

	expired := q.ExpireOverdue(now)
	assert.Equal(t, []string{overdue.ID}, expired)

	got, err := q.Get(overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)

	stillQueued, err := q.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, stillQueued.Status)
}

func TestGoalProgress(t *testing.T) {
	q, _ := newTestQueue(t)

	a := submit(t, q, SubmitParams{Description: "a", GoalID: "goal-1"})
	submit(t, q, SubmitParams{Description: "b", GoalID: "goal-1"})
	submit(t, q, SubmitParams{Description: "other", GoalID: "goal-2"})

	ga, err := q.Assign(a.ID, "agent-1")
	require.NoError(t, err)
	_, err = q.Accept(a.ID, "agent-1", ga.Generation)
	require.NoError(t, err)
	_, err = q.Complete(a.ID, "agent-1", ga.Generation, "done")
	require.NoError(t, err)

	progress := q.GoalProgress("goal-1")
	assert.Equal(t, 1, progress[string(types.TaskStatusCompleted)])
	assert.Equal(t, 1, progress[string(types.TaskStatusQueued)])
	assert.Equal(t, 2, progress["total"])
}

func TestHistoryCapped(t *testing.T) {
	task := &types.Task{}
	for i := 0; i < types.TaskHistoryCap+10; i++ {
		task.AppendHistory("progress", nil)
	}
	assert.Len(t, task.History, types.TaskHistoryCap)
}
