package agent

import "github.com/agentcom/agentcom/pkg/types"

// Frame types, agent to hub
const (
	FrameIdentify      = "identify"
	FramePing          = "ping"
	FrameTaskAccepted  = "task_accepted"
	FrameTaskProgress  = "task_progress"
	FrameTaskComplete  = "task_complete"
	FrameTaskFailed    = "task_failed"
	FrameStateReport   = "state_report"
	FrameMessage       = "message"
	FrameChannelCreate = "channel_create"
)

// Frame types, hub to agent
const (
	FrameIdentified       = "identified"
	FramePong             = "pong"
	FrameError            = "error"
	FrameTaskAssign       = "task_assign"
	FrameTaskCancel       = "task_cancel"
	FrameRateLimitWarning = "rate_limit_warning"
	FrameRateLimited      = "rate_limited"
	FrameMessageDeliver   = "message_deliver"
)

// Frame is an inbound message from a sidecar. All frames are JSON
// objects discriminated by the type field; unused fields stay empty.
// Every task-lifecycle frame must echo the generation received at
// assignment.
type Frame struct {
	Type string `json:"type"`

	// identify
	AgentID      string   `json:"agent_id,omitempty"`
	Token        string   `json:"token,omitempty"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// task lifecycle
	TaskID     string `json:"task_id,omitempty"`
	Generation int    `json:"generation,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Note       string `json:"note,omitempty"`

	// messaging
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
	Body    string `json:"body,omitempty"`
}

// identifiedFrame acknowledges a successful identify
type identifiedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// taskAssignFrame pushes an assignment to the sidecar with the
// generation it must echo on every subsequent lifecycle frame
type taskAssignFrame struct {
	Type              string                `json:"type"`
	TaskID            string                `json:"task_id"`
	Generation        int                   `json:"generation"`
	Description       string                `json:"description"`
	Priority          string                `json:"priority"`
	Repo              string                `json:"repo,omitempty"`
	Branch            string                `json:"branch,omitempty"`
	FileHints         []string              `json:"file_hints,omitempty"`
	SuccessCriteria   []string              `json:"success_criteria,omitempty"`
	VerificationSteps []string              `json:"verification_steps,omitempty"`
	Complexity        types.ComplexityTier  `json:"complexity,omitempty"`
	Routing           types.RoutingDecision `json:"routing_decision,omitempty"`
	CompleteBy        int64                 `json:"complete_by,omitempty"`
}

type taskCancelFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type rateLimitWarningFrame struct {
	Type      string `json:"type"`
	Tier      string `json:"tier"`
	Remaining int64  `json:"remaining"`
	Capacity  int64  `json:"capacity"`
}

type rateLimitedFrame struct {
	Type         string `json:"type"`
	Tier         string `json:"tier"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

type messageDeliverFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	From    string `json:"from"`
	Channel string `json:"channel,omitempty"`
	Body    string `json:"body"`
	SentAt  int64  `json:"sent_at"`
}

// assignFrame builds the outbound assignment frame for a task snapshot
func assignFrame(t *types.Task) taskAssignFrame {
	return taskAssignFrame{
		Type:              FrameTaskAssign,
		TaskID:            t.ID,
		Generation:        t.Generation,
		Description:       t.Description,
		Priority:          t.Priority.String(),
		Repo:              t.Repo,
		Branch:            t.Branch,
		FileHints:         t.FileHints,
		SuccessCriteria:   t.SuccessCriteria,
		VerificationSteps: t.VerificationSteps,
		Complexity:        t.Complexity,
		Routing:           t.Routing,
		CompleteBy:        t.CompleteBy,
	}
}

// frameTier maps an inbound frame type to its rate limit tier
func frameTier(frameType string) types.Tier {
	switch frameType {
	case FramePing, FrameStateReport:
		return types.TierLight
	case FrameIdentify, FrameChannelCreate:
		return types.TierHeavy
	default:
		return types.TierNormal
	}
}
