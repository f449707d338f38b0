package types

import (
	"fmt"
	"time"
)

// NowMs returns the current wall-clock time in unix milliseconds
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// TaskPriority orders tasks in the queue; lower value is more urgent
type TaskPriority int

const (
	PriorityUrgent TaskPriority = 0
	PriorityHigh   TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityLow    TaskPriority = 3
)

// ParsePriority converts the API string form into a TaskPriority
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

// String returns the API string form of the priority
func (p TaskPriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusWorking    TaskStatus = "working"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusDeadLetter, TaskStatusCancelled:
		return true
	}
	return false
}

// ComplexityTier is the estimated execution complexity of a task
type ComplexityTier string

const (
	ComplexityTrivial  ComplexityTier = "trivial"
	ComplexityStandard ComplexityTier = "standard"
	ComplexityComplex  ComplexityTier = "complex"
)

// RoutingDecision records which execution backend a sidecar should use.
// The hub carries it as an opaque enrichment; routing happens sidecar-side.
type RoutingDecision string

const (
	RouteShell    RoutingDecision = "shell"
	RouteLocalLLM RoutingDecision = "local_llm"
	RouteCloudLLM RoutingDecision = "cloud_llm"
)

// TaskHistoryCap bounds the per-task history ring
const TaskHistoryCap = 50

// HistoryEntry records a single lifecycle event on a task or goal
type HistoryEntry struct {
	Event     string            `json:"event"`
	Timestamp int64             `json:"ts"`
	Details   map[string]string `json:"details,omitempty"`
}

// Task is the unit of schedulable work. It is exclusively owned by the
// task queue; other components hold IDs and read snapshots.
type Task struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`

	AssignedTo string `json:"assigned_to,omitempty"`
	AssignedAt int64  `json:"assigned_at,omitempty"`
	Generation int    `json:"generation"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Result     string `json:"result,omitempty"`

	NeededCapabilities []string `json:"needed_capabilities,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	GoalID             string   `json:"goal_id,omitempty"`

	CompleteBy int64 `json:"complete_by,omitempty"`
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`

	History []HistoryEntry `json:"history,omitempty"`

	// Execution enrichment carried for the sidecar
	Repo              string          `json:"repo,omitempty"`
	Branch            string          `json:"branch,omitempty"`
	FileHints         []string        `json:"file_hints,omitempty"`
	SuccessCriteria   []string        `json:"success_criteria,omitempty"`
	VerificationSteps []string        `json:"verification_steps,omitempty"`
	Complexity        ComplexityTier  `json:"complexity,omitempty"`
	Routing           RoutingDecision `json:"routing_decision,omitempty"`
}

// AppendHistory records an event on the task, keeping the last
// TaskHistoryCap entries
func (t *Task) AppendHistory(event string, details map[string]string) {
	t.History = append(t.History, HistoryEntry{
		Event:     event,
		Timestamp: NowMs(),
		Details:   details,
	})
	if len(t.History) > TaskHistoryCap {
		t.History = t.History[len(t.History)-TaskHistoryCap:]
	}
}

// GoalStatus represents the lifecycle state of a goal
type GoalStatus string

const (
	GoalStatusSubmitted   GoalStatus = "submitted"
	GoalStatusDecomposing GoalStatus = "decomposing"
	GoalStatusExecuting   GoalStatus = "executing"
	GoalStatusVerifying   GoalStatus = "verifying"
	GoalStatusComplete    GoalStatus = "complete"
	GoalStatusFailed      GoalStatus = "failed"
)

// GoalSource identifies where a goal came from
type GoalSource string

const (
	GoalSourceAPI      GoalSource = "api"
	GoalSourceCLI      GoalSource = "cli"
	GoalSourceInternal GoalSource = "internal"
)

// Goal is a high-level objective decomposed into child tasks
type Goal struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	SuccessCriteria []string       `json:"success_criteria"`
	Priority        TaskPriority   `json:"priority"`
	Status          GoalStatus     `json:"status"`
	ChildTaskIDs    []string       `json:"child_task_ids,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	Source          GoalSource     `json:"source"`
	History         []HistoryEntry `json:"history,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

// AppendHistory records an event on the goal, keeping the last
// TaskHistoryCap entries
func (g *Goal) AppendHistory(event string, details map[string]string) {
	g.History = append(g.History, HistoryEntry{
		Event:     event,
		Timestamp: NowMs(),
		Details:   details,
	})
	if len(g.History) > TaskHistoryCap {
		g.History = g.History[len(g.History)-TaskHistoryCap:]
	}
}

// AgentState is the per-agent FSM state
type AgentState string

const (
	AgentStateIdle     AgentState = "idle"
	AgentStateAssigned AgentState = "assigned"
	AgentStateWorking  AgentState = "working"
	AgentStateBlocked  AgentState = "blocked"
	AgentStateOffline  AgentState = "offline"
)

// AgentInfo is a snapshot of a connected agent's registration and FSM state
type AgentInfo struct {
	AgentID        string     `json:"agent_id"`
	Name           string     `json:"name"`
	State          AgentState `json:"fsm_state"`
	CurrentTaskID  string     `json:"current_task_id,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	ConnectedAt    int64      `json:"connected_at"`
	LastHeartbeat  int64      `json:"last_heartbeat"`
	LastAssignedAt int64      `json:"last_assigned_at,omitempty"`
	RateLimited    bool       `json:"rate_limited,omitempty"`
}

// HasCapabilities reports whether the agent's capability set is a
// superset of needed
func (a *AgentInfo) HasCapabilities(needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, c := range needed {
		if !have[c] {
			return false
		}
	}
	return true
}

// HubState is the global hub FSM state
type HubState string

const (
	HubStateResting       HubState = "resting"
	HubStateExecuting     HubState = "executing"
	HubStateImproving     HubState = "improving"
	HubStateContemplating HubState = "contemplating"
	HubStateHealing       HubState = "healing"
)

// HubTransition is one entry in the hub FSM's transition history
type HubTransition struct {
	From       HubState `json:"from"`
	To         HubState `json:"to"`
	Reason     string   `json:"reason"`
	Forced     bool     `json:"forced,omitempty"`
	Timestamp  int64    `json:"ts"`
	CycleCount int      `json:"cycle_count"`
}

// Channel identifies which transport a rate-limited request arrived on
type Channel string

const (
	ChannelWS   Channel = "ws"
	ChannelHTTP Channel = "http"
)

// Tier classifies request cost for rate limiting
type Tier string

const (
	TierLight  Tier = "light"
	TierNormal Tier = "normal"
	TierHeavy  Tier = "heavy"
)

// Message is a mailbox message between agents, expired by the reaper
// once past its TTL
type Message struct {
	ID        string `json:"id"`
	Channel   string `json:"channel,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// ChannelInfo describes a named message channel
type ChannelInfo struct {
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// Invocation is one entry in the cost ledger's append-only journal
type Invocation struct {
	ID         string   `json:"id"`
	HubState   HubState `json:"hub_state"`
	Timestamp  int64    `json:"ts"`
	DurationMs int64    `json:"duration_ms"`
	PromptType string   `json:"prompt_type,omitempty"`
}
