package agent

import (
	"sync"

	"github.com/agentcom/agentcom/pkg/types"
)

// Agent is the hub-side half of one connected sidecar: its registration
// info, FSM state and outbound frame channel. The session read loop is
// the only frame processor, so frames are handled in strict FIFO order;
// the Agent mutex protects state against registry sweeps.
type Agent struct {
	mu      sync.Mutex
	info    types.AgentInfo
	sendCh  chan any
	closeFn func()
	closed  bool
}

// newAgent wires a freshly identified connection
func newAgent(info types.AgentInfo, sendCh chan any, closeFn func()) *Agent {
	return &Agent{
		info:    info,
		sendCh:  sendCh,
		closeFn: closeFn,
	}
}

// ID returns the agent id
func (a *Agent) ID() string {
	return a.info.AgentID
}

// Snapshot returns a copy of the agent's current info
func (a *Agent) Snapshot() types.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := a.info
	info.Capabilities = append([]string(nil), a.info.Capabilities...)
	return info
}

// send pushes an outbound frame without blocking. Returns false when
// the connection is gone or its buffer is full.
func (a *Agent) send(frame any) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	ch := a.sendCh
	a.mu.Unlock()

	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

// close tears down the socket once
func (a *Agent) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	fn := a.closeFn
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// heartbeat records liveness on any inbound frame
func (a *Agent) heartbeat() {
	a.mu.Lock()
	a.info.LastHeartbeat = types.NowMs()
	a.mu.Unlock()
}

// markAssigned transitions idle -> assigned for the task. Only idle
// agents are eligible.
func (a *Agent) markAssigned(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.info.State != types.AgentStateIdle {
		return false
	}
	a.info.State = types.AgentStateAssigned
	a.info.CurrentTaskID = taskID
	a.info.LastAssignedAt = types.NowMs()
	return true
}

// markWorking transitions assigned -> working when the sidecar accepts
func (a *Agent) markWorking(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.info.State != types.AgentStateAssigned || a.info.CurrentTaskID != taskID {
		return false
	}
	a.info.State = types.AgentStateWorking
	return true
}

// markIdle clears the current task after a terminal frame
func (a *Agent) markIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.State = types.AgentStateIdle
	a.info.CurrentTaskID = ""
}

// markOffline freezes the FSM after disconnect or heartbeat timeout and
// returns the task the agent was holding, if any
func (a *Agent) markOffline() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	taskID := a.info.CurrentTaskID
	a.info.State = types.AgentStateOffline
	a.info.CurrentTaskID = ""
	return taskID
}

// adopt restores an assignment claimed by a reconciling state_report
func (a *Agent) adopt(taskID string, state types.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.State = state
	a.info.CurrentTaskID = taskID
}

// currentTask returns the task the agent holds, if any
func (a *Agent) currentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info.CurrentTaskID
}
