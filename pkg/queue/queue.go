package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrTaskNotFound is returned when the task id is unknown
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleGeneration is returned when a lifecycle call carries a
	// generation older than the task's current one. The task was
	// reclaimed and possibly reassigned; the caller's view is stale.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrInvalidTransition is returned for a lifecycle call that is not
	// valid from the task's current status
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrWrongAgent is returned when a lifecycle call names an agent
	// that does not hold the task
	ErrWrongAgent = errors.New("task not assigned to agent")

	// ErrUnknownDependency is returned on submit when a depends_on id
	// does not exist
	ErrUnknownDependency = errors.New("unknown dependency")
)

// DefaultMaxRetries is applied when a submission does not set max_retries
const DefaultMaxRetries = 3

// SubmitParams carries the caller-supplied fields of a new task
type SubmitParams struct {
	Description        string
	Priority           types.TaskPriority
	NeededCapabilities []string
	DependsOn          []string
	GoalID             string
	MaxRetries         int
	CompleteBy         int64

	Repo              string
	Branch            string
	FileHints         []string
	SuccessCriteria   []string
	VerificationSteps []string
	Complexity        types.ComplexityTier
	Routing           types.RoutingDecision
}

// Filter selects tasks in List. Zero values match everything.
type Filter struct {
	Status     types.TaskStatus
	Priority   *types.TaskPriority
	AssignedTo string
	GoalID     string
}

// indexEntry orders queued tasks for dequeue
type indexEntry struct {
	priority  types.TaskPriority
	createdAt int64
	id        string
}

// TaskQueue is the authoritative store and state machine for tasks. It
// is the only component that mutates a task; everything else holds ids
// and reads snapshots. All calls are serialized by the queue mutex, and
// in-memory state is only updated after persistence succeeds.
type TaskQueue struct {
	mu         sync.Mutex
	tasks      *storage.Table
	deadLetter *storage.Table
	broker     *events.Broker
	logger     zerolog.Logger

	cache     map[string]*types.Task // live tasks, mirrors the main table
	deadCache map[string]*types.Task // dead-lettered tasks
	index     []indexEntry           // queued tasks in (priority, created_at) order
}

// New creates a task queue over its two tables and rebuilds the
// in-memory indices by scanning them
func New(tasks, deadLetter *storage.Table, broker *events.Broker) (*TaskQueue, error) {
	q := &TaskQueue{
		tasks:      tasks,
		deadLetter: deadLetter,
		broker:     broker,
		logger:     log.WithComponent("task_queue"),
		cache:      make(map[string]*types.Task),
		deadCache:  make(map[string]*types.Task),
	}

	err := deadLetter.Fold(func(key string, value []byte) error {
		var t types.Task
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("bad dead-letter record %s: %w", key, err)
		}
		q.deadCache[t.ID] = &t
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = tasks.Fold(func(key string, value []byte) error {
		var t types.Task
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("bad task record %s: %w", key, err)
		}
		if _, dead := q.deadCache[t.ID]; dead {
			// Crash between the dead-letter insert and the main-table
			// delete; the dead copy wins
			return tasks.Delete(t.ID)
		}
		q.cache[t.ID] = &t
		if t.Status == types.TaskStatusQueued {
			q.index = append(q.index, indexEntry{t.Priority, t.CreatedAt, t.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(q.index, func(i, j int) bool { return q.indexLess(q.index[i], q.index[j]) })
	q.logger.Info().Int("tasks", len(q.cache)).Int("dead_letter", len(q.deadCache)).Msg("task queue loaded")
	return q, nil
}

func (q *TaskQueue) indexLess(a, b indexEntry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.createdAt != b.createdAt {
		return a.createdAt < b.createdAt
	}
	return a.id < b.id
}

// Submit validates and persists a new task, then announces it
func (q *TaskQueue) Submit(p SubmitParams) (*types.Task, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dep := range p.DependsOn {
		if _, ok := q.cache[dep]; ok {
			continue
		}
		if _, ok := q.deadCache[dep]; ok {
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now := types.NowMs()
	task := &types.Task{
		ID:                 uuid.New().String(),
		Description:        p.Description,
		Priority:           p.Priority,
		Status:             types.TaskStatusQueued,
		MaxRetries:         maxRetries,
		NeededCapabilities: p.NeededCapabilities,
		DependsOn:          p.DependsOn,
		GoalID:             p.GoalID,
		CompleteBy:         p.CompleteBy,
		CreatedAt:          now,
		UpdatedAt:          now,
		Repo:               p.Repo,
		Branch:             p.Branch,
		FileHints:          p.FileHints,
		SuccessCriteria:    p.SuccessCriteria,
		VerificationSteps:  p.VerificationSteps,
		Complexity:         p.Complexity,
		Routing:            p.Routing,
	}
	task.AppendHistory("submitted", nil)

	if err := q.persist(task); err != nil {
		return nil, err
	}

	q.cache[task.ID] = task
	q.indexInsert(task)
	q.publish(events.EventTaskSubmitted, task)
	return snapshot(task), nil
}

// Get returns a snapshot of the task, checking the dead-letter set too
func (q *TaskQueue) Get(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.cache[id]; ok {
		return snapshot(t), nil
	}
	if t, ok := q.deadCache[id]; ok {
		return snapshot(t), nil
	}
	return nil, ErrTaskNotFound
}

// List returns snapshots of live tasks matching the filter, oldest first
func (q *TaskQueue) List(f Filter) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, t := range q.cache {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.GoalID != "" && t.GoalID != f.GoalID {
			continue
		}
		out = append(out, snapshot(t))
	}
	if f.Status == types.TaskStatusDeadLetter || f.Status == "" {
		for _, t := range q.deadCache {
			if f.GoalID != "" && t.GoalID != f.GoalID {
				continue
			}
			if f.Priority != nil && t.Priority != *f.Priority {
				continue
			}
			if f.AssignedTo != "" {
				continue
			}
			out = append(out, snapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// TasksForGoal returns every task referencing the goal, including
// dead-lettered ones
func (q *TaskQueue) TasksForGoal(goalID string) []*types.Task {
	return q.List(Filter{GoalID: goalID})
}

// ReadyTasks returns queued tasks whose dependencies are all completed,
// in strict priority plus FIFO order
func (q *TaskQueue) ReadyTasks() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, e := range q.index {
		t, ok := q.cache[e.id]
		if !ok || t.Status != types.TaskStatusQueued {
			continue
		}
		if q.depsSatisfied(t) {
			out = append(out, snapshot(t))
		}
	}
	return out
}

// depsSatisfied reports whether every dependency of t is completed.
// Caller holds q.mu.
func (q *TaskQueue) depsSatisfied(t *types.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.cache[dep]
		if !ok || d.Status != types.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Assign transitions queued→assigned, stamps the agent and increments
// the generation, all in one persisted step
func (q *TaskQueue) Assign(taskID, agentID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.cache[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if cur.Status != types.TaskStatusQueued {
		return nil, fmt.Errorf("%w: cannot assign from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.Status = types.TaskStatusAssigned
	next.AssignedTo = agentID
	next.AssignedAt = types.NowMs()
	next.Generation++
	next.UpdatedAt = next.AssignedAt
	next.AppendHistory("assigned", map[string]string{"agent_id": agentID})

	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.indexRemove(taskID)
	q.publish(events.EventTaskAssigned, next)
	return snapshot(next), nil
}

// Accept transitions assigned→working once the sidecar acknowledges the
// assignment. The generation must match.
func (q *TaskQueue) Accept(taskID, agentID string, generation int) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.checkOwnership(taskID, agentID, generation)
	if err != nil {
		return nil, err
	}
	if cur.Status != types.TaskStatusAssigned {
		return nil, fmt.Errorf("%w: cannot accept from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.Status = types.TaskStatusWorking
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("accepted", map[string]string{"agent_id": agentID})

	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.publish(events.EventTaskAccepted, next)
	return snapshot(next), nil
}

// Progress records a progress note on a working task
func (q *TaskQueue) Progress(taskID, agentID string, generation int, note string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.checkOwnership(taskID, agentID, generation)
	if err != nil {
		return nil, err
	}
	if cur.Status != types.TaskStatusWorking && cur.Status != types.TaskStatusAssigned {
		return nil, fmt.Errorf("%w: cannot progress from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("progress", map[string]string{"note": note})

	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.publish(events.EventTaskProgress, next)
	return snapshot(next), nil
}

// Complete finishes a task successfully. The assignment is cleared in
// the same persisted step.
func (q *TaskQueue) Complete(taskID, agentID string, generation int, result string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.checkOwnership(taskID, agentID, generation)
	if err != nil {
		return nil, err
	}
	if cur.Status != types.TaskStatusWorking && cur.Status != types.TaskStatusAssigned {
		return nil, fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.Status = types.TaskStatusCompleted
	next.Result = result
	next.AssignedTo = ""
	next.AssignedAt = 0
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("completed", map[string]string{"agent_id": agentID, "result": truncate(result, 512)})

	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.publish(events.EventTaskCompleted, next)
	return snapshot(next), nil
}

// Fail records a failure. The task is requeued for retry unless its
// retry budget is exhausted, in which case it moves to the dead letter.
func (q *TaskQueue) Fail(taskID, agentID string, generation int, taskErr string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.checkOwnership(taskID, agentID, generation)
	if err != nil {
		return nil, err
	}
	if cur.Status != types.TaskStatusWorking && cur.Status != types.TaskStatusAssigned {
		return nil, fmt.Errorf("%w: cannot fail from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.RetryCount++
	next.LastError = taskErr
	next.AssignedTo = ""
	next.AssignedAt = 0
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("failed", map[string]string{"agent_id": agentID, "error": truncate(taskErr, 512)})

	if next.RetryCount >= next.MaxRetries {
		return q.deadLetterLocked(next)
	}

	next.Status = types.TaskStatusQueued
	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.indexInsert(next)
	q.publish(events.EventTaskFailed, next)
	return snapshot(next), nil
}

// Reclaim returns an assigned or working task to the queue because its
// agent died, timed out or the assignment was cancelled. Bumps the
// generation so frames from the old assignment are rejected.
func (q *TaskQueue) Reclaim(taskID, reason string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.cache[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if cur.Status != types.TaskStatusAssigned && cur.Status != types.TaskStatusWorking {
		return nil, fmt.Errorf("%w: cannot reclaim from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	next.RetryCount++
	next.Generation++
	next.AssignedTo = ""
	next.AssignedAt = 0
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("reclaimed", map[string]string{"reason": reason})

	if next.RetryCount >= next.MaxRetries {
		return q.deadLetterLocked(next)
	}

	next.Status = types.TaskStatusQueued
	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.indexInsert(next)
	q.publish(events.EventTaskReclaimed, next)
	return snapshot(next), nil
}

// Cancel terminates a task. Assigned or working tasks are cancelled
// under their agent; the agent layer pushes a task_cancel frame on the
// emitted event.
func (q *TaskQueue) Cancel(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.cache[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, cur.Status)
	}

	next := snapshot(cur)
	prevAgent := next.AssignedTo
	next.Status = types.TaskStatusCancelled
	next.AssignedTo = ""
	next.AssignedAt = 0
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("cancelled", nil)

	if err := q.persist(next); err != nil {
		return nil, err
	}

	q.cache[taskID] = next
	q.indexRemove(taskID)
	meta := map[string]string{"task_id": next.ID}
	if prevAgent != "" {
		meta["agent_id"] = prevAgent
	}
	q.broker.Publish(events.TopicTasks, events.EventTaskCancelled, meta)
	return snapshot(next), nil
}

// DeadLetter forces a task into the dead letter regardless of its
// remaining retry budget
func (q *TaskQueue) DeadLetter(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.cache[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	next := snapshot(cur)
	if next.RetryCount < next.MaxRetries {
		next.RetryCount = next.MaxRetries
	}
	next.AssignedTo = ""
	next.AssignedAt = 0
	next.UpdatedAt = types.NowMs()
	return q.deadLetterLocked(next)
}

// Retry moves a dead-lettered task back to the queue with a reset retry
// budget. The generation is preserved so it stays monotonic.
func (q *TaskQueue) Retry(deadLetterID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.deadCache[deadLetterID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	next := snapshot(cur)
	next.Status = types.TaskStatusQueued
	next.RetryCount = 0
	next.LastError = ""
	next.UpdatedAt = types.NowMs()
	next.AppendHistory("retried", nil)

	if err := q.persist(next); err != nil {
		return nil, err
	}
	if err := q.deadLetter.Delete(next.ID); err != nil {
		q.logger.Error().Err(err).Str("task_id", next.ID).Msg("failed to remove dead-letter record after retry")
	}

	delete(q.deadCache, next.ID)
	q.cache[next.ID] = next
	q.indexInsert(next)
	q.publish(events.EventTaskSubmitted, next)
	return snapshot(next), nil
}

// Stats returns task counts by status, including the dead letter
func (q *TaskQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]int)
	for _, t := range q.cache {
		stats[string(t.Status)]++
	}
	stats[string(types.TaskStatusDeadLetter)] = len(q.deadCache)
	stats["total"] = len(q.cache) + len(q.deadCache)
	return stats
}

// GoalProgress returns task counts by status for one goal, including
// dead-lettered children
func (q *TaskQueue) GoalProgress(goalID string) map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	progress := make(map[string]int)
	for _, t := range q.cache {
		if t.GoalID == goalID {
			progress[string(t.Status)]++
			progress["total"]++
		}
	}
	for _, t := range q.deadCache {
		if t.GoalID == goalID {
			progress[string(types.TaskStatusDeadLetter)]++
			progress["total"]++
		}
	}
	return progress
}

// ExpireOverdue fails queued tasks whose complete_by deadline has
// passed. Called by the reaper; returns the ids expired.
func (q *TaskQueue) ExpireOverdue(nowMs int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for id, t := range q.cache {
		if t.Status != types.TaskStatusQueued || t.CompleteBy == 0 || t.CompleteBy > nowMs {
			continue
		}
		next := snapshot(t)
		next.Status = types.TaskStatusFailed
		next.LastError = "deadline exceeded"
		next.UpdatedAt = nowMs
		next.AppendHistory("expired", nil)

		if err := q.persist(next); err != nil {
			q.logger.Error().Err(err).Str("task_id", id).Msg("failed to expire overdue task")
			continue
		}
		q.cache[id] = next
		q.indexRemove(id)
		q.publish(events.EventTaskFailed, next)
		expired = append(expired, id)
	}
	return expired
}

// deadLetterLocked persists the task into the dead-letter table, removes
// it from the main table and swaps the caches. Caller holds q.mu and
// passes an already-updated copy.
func (q *TaskQueue) deadLetterLocked(next *types.Task) (*types.Task, error) {
	next.Status = types.TaskStatusDeadLetter
	next.AppendHistory("dead_letter", nil)

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.deadLetter.Insert(next.ID, data); err != nil {
		return nil, err
	}
	// The dead copy is durable; a crash before the main-table delete is
	// resolved at startup in the dead copy's favor
	if err := q.tasks.Delete(next.ID); err != nil {
		q.logger.Error().Err(err).Str("task_id", next.ID).Msg("failed to remove main record after dead-letter")
	}

	delete(q.cache, next.ID)
	q.indexRemove(next.ID)
	q.deadCache[next.ID] = next
	metrics.DeadLetterTotal.Set(float64(len(q.deadCache)))
	q.publish(events.EventTaskDeadLetter, next)
	return snapshot(next), nil
}

// checkOwnership validates task existence, holding agent and generation.
// Caller holds q.mu.
func (q *TaskQueue) checkOwnership(taskID, agentID string, generation int) (*types.Task, error) {
	cur, ok := q.cache[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if generation != cur.Generation {
		return nil, fmt.Errorf("%w: have %d, task at %d", ErrStaleGeneration, generation, cur.Generation)
	}
	if cur.AssignedTo != agentID {
		return nil, fmt.Errorf("%w: %s", ErrWrongAgent, agentID)
	}
	return cur, nil
}

// persist writes the task to the main table; it must succeed before any
// in-memory state changes
func (q *TaskQueue) persist(t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.tasks.Insert(t.ID, data)
}

func (q *TaskQueue) publish(typ events.EventType, t *types.Task) {
	meta := map[string]string{
		"task_id":  t.ID,
		"status":   string(t.Status),
		"priority": t.Priority.String(),
	}
	if t.AssignedTo != "" {
		meta["agent_id"] = t.AssignedTo
	}
	if t.GoalID != "" {
		meta["goal_id"] = t.GoalID
	}
	q.broker.Publish(events.TopicTasks, typ, meta)
	q.updateGauges()
}

// updateGauges refreshes the per-status task gauges. Caller holds q.mu.
func (q *TaskQueue) updateGauges() {
	counts := make(map[types.TaskStatus]int)
	for _, t := range q.cache {
		counts[t.Status]++
	}
	for _, s := range []types.TaskStatus{
		types.TaskStatusQueued, types.TaskStatusAssigned, types.TaskStatusWorking,
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// indexInsert adds a queued task at its sorted position. Caller holds q.mu.
func (q *TaskQueue) indexInsert(t *types.Task) {
	e := indexEntry{t.Priority, t.CreatedAt, t.ID}
	pos := sort.Search(len(q.index), func(i int) bool { return !q.indexLess(q.index[i], e) })
	q.index = append(q.index, indexEntry{})
	copy(q.index[pos+1:], q.index[pos:])
	q.index[pos] = e
}

// indexRemove drops a task from the dequeue order. Caller holds q.mu.
func (q *TaskQueue) indexRemove(id string) {
	for i, e := range q.index {
		if e.id == id {
			q.index = append(q.index[:i], q.index[i+1:]...)
			return
		}
	}
}

// snapshot returns a deep copy safe to hand outside the queue
func snapshot(t *types.Task) *types.Task {
	c := *t
	c.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.FileHints = append([]string(nil), t.FileHints...)
	c.SuccessCriteria = append([]string(nil), t.SuccessCriteria...)
	c.VerificationSteps = append([]string(nil), t.VerificationSteps...)
	c.History = append([]types.HistoryEntry(nil), t.History...)
	return &c
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
