package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrAgentNotFound is returned when the agent id is not registered
	ErrAgentNotFound = errors.New("agent not connected")

	// ErrAgentBusy is returned when assigning to an agent that is not idle
	ErrAgentBusy = errors.New("agent not idle")
)

// MessageSink receives chat frames from connected agents; implemented
// by the mailbox
type MessageSink interface {
	Send(from, to, channel, body string) (*types.Message, error)
	CreateChannel(name, createdBy string) (*types.ChannelInfo, error)
	Drain(agentID string) ([]types.Message, error)
}

// Config holds registry timing parameters
type Config struct {
	// HeartbeatInterval is the cadence sidecars are expected to ping at
	HeartbeatInterval time.Duration

	// HeartbeatTimeoutMultiple missed intervals mark the agent offline
	// and reclaim its task
	HeartbeatTimeoutMultiple int

	// OfflineGrace is how long an offline agent record is kept before
	// the reaper evicts it
	OfflineGrace time.Duration
}

// DefaultConfig returns the standard registry timings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        15 * time.Second,
		HeartbeatTimeoutMultiple: 4,
		OfflineGrace:             5 * time.Minute,
	}
}

// Registry tracks every connected agent and drives their FSMs from
// inbound frames. Registration happens on successful identify,
// deregistration on disconnect plus the reaper's grace period.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	queue   *queue.TaskQueue
	broker  *events.Broker
	limiter *ratelimit.Limiter
	sink    MessageSink
	cfg     Config
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewRegistry creates an agent registry
func NewRegistry(q *queue.TaskQueue, broker *events.Broker, limiter *ratelimit.Limiter, cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		agents:  make(map[string]*Agent),
		queue:   q,
		broker:  broker,
		limiter: limiter,
		cfg:     cfg,
		logger:  log.WithComponent("agent_registry"),
		stopCh:  make(chan struct{}),
	}
}

// SetMessageSink wires the mailbox in after construction
func (r *Registry) SetMessageSink(sink MessageSink) {
	r.sink = sink
}

// Start subscribes to task cancellations so cancel frames reach the
// holding agent
func (r *Registry) Start() {
	sub := r.broker.Subscribe(events.TopicTasks)
	go r.watchCancellations(sub)
}

// Stop stops the registry's background work
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) watchCancellations(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventTaskCancelled {
				continue
			}
			agentID := ev.Metadata["agent_id"]
			if agentID == "" {
				continue
			}
			r.mu.RLock()
			a := r.agents[agentID]
			r.mu.RUnlock()
			if a == nil {
				continue
			}
			a.send(taskCancelFrame{Type: FrameTaskCancel, TaskID: ev.Metadata["task_id"]})
			a.markIdle()
			r.publishIdle(agentID)
		case <-r.stopCh:
			return
		}
	}
}

// Register adds a freshly identified connection. An existing connection
// under the same id is closed and replaced.
func (r *Registry) Register(info types.AgentInfo, sendCh chan any, closeFn func()) *Agent {
	now := types.NowMs()
	info.State = types.AgentStateIdle
	info.ConnectedAt = now
	info.LastHeartbeat = now

	a := newAgent(info, sendCh, closeFn)

	r.mu.Lock()
	if old, ok := r.agents[info.AgentID]; ok {
		old.close()
	}
	r.agents[info.AgentID] = a
	r.mu.Unlock()

	r.logger.Info().Str("agent_id", info.AgentID).Strs("capabilities", info.Capabilities).Msg("agent connected")
	r.broker.Publish(events.TopicPresence, events.EventAgentConnected, map[string]string{"agent_id": info.AgentID})
	r.deliverParked(a)
	r.publishIdle(info.AgentID)
	r.updateGauges()
	return a
}

// deliverParked flushes messages that arrived while the agent was
// offline down the fresh connection
func (r *Registry) deliverParked(a *Agent) {
	if r.sink == nil {
		return
	}
	msgs, err := r.sink.Drain(a.ID())
	if err != nil {
		r.logger.Warn().Err(err).Str("agent_id", a.ID()).Msg("mailbox drain failed on connect")
		return
	}
	for _, msg := range msgs {
		a.send(messageDeliverFrame{
			Type:    FrameMessageDeliver,
			ID:      msg.ID,
			From:    msg.From,
			Channel: msg.Channel,
			Body:    msg.Body,
			SentAt:  msg.CreatedAt,
		})
	}
}

// Get returns a connected agent by id
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// List returns snapshots of all registered agents
func (r *Registry) List() []types.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		info := a.Snapshot()
		info.RateLimited = r.limiter != nil && r.limiter.RateLimited(info.AgentID)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// IdleAgents returns idle, non-throttled agents in least-recently-used
// order: the agent that went longest without an assignment comes first
func (r *Registry) IdleAgents() []types.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.AgentInfo
	for _, a := range r.agents {
		info := a.Snapshot()
		if info.State != types.AgentStateIdle {
			continue
		}
		if r.limiter != nil && r.limiter.RateLimited(info.AgentID) {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAssignedAt != out[j].LastAssignedAt {
			return out[i].LastAssignedAt < out[j].LastAssignedAt
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Assign pushes an already-persisted assignment to the agent's socket
// and transitions its FSM idle -> assigned. On any failure the task is
// reclaimed so it returns to the queue with a fresh generation.
func (r *Registry) Assign(agentID string, task *types.Task) error {
	r.mu.RLock()
	a := r.agents[agentID]
	r.mu.RUnlock()

	if a == nil {
		r.reclaim(task.ID, "agent_gone")
		return ErrAgentNotFound
	}
	if !a.markAssigned(task.ID) {
		r.reclaim(task.ID, "agent_not_idle")
		return ErrAgentBusy
	}
	if !a.send(assignFrame(task)) {
		a.markIdle()
		r.reclaim(task.ID, "send_failed")
		return fmt.Errorf("failed to push assignment to %s", agentID)
	}

	r.updateGauges()
	return nil
}

// HandleFrame processes one inbound frame from an identified agent.
// Called from the session read loop, so frames for one agent are
// strictly serialized.
func (r *Registry) HandleFrame(a *Agent, f Frame) {
	a.heartbeat()
	agentID := a.ID()
	logger := log.WithAgentID(agentID)

	switch f.Type {
	case FramePing:
		a.send(pongFrame{Type: FramePong, Timestamp: types.NowMs()})

	case FrameTaskAccepted:
		if _, err := r.queue.Accept(f.TaskID, agentID, f.Generation); err != nil {
			// Stale generation means the task was reclaimed out from
			// under this agent; drop the frame
			logger.Info().Err(err).Str("task_id", f.TaskID).Msg("dropping task_accepted")
			return
		}
		a.markWorking(f.TaskID)
		r.updateGauges()

	case FrameTaskProgress:
		if _, err := r.queue.Progress(f.TaskID, agentID, f.Generation, f.Note); err != nil {
			logger.Info().Err(err).Str("task_id", f.TaskID).Msg("dropping task_progress")
		}

	case FrameTaskComplete:
		if _, err := r.queue.Complete(f.TaskID, agentID, f.Generation, f.Result); err != nil {
			logger.Info().Err(err).Str("task_id", f.TaskID).Msg("dropping task_complete")
			return
		}
		a.markIdle()
		r.publishIdle(agentID)
		r.updateGauges()

	case FrameTaskFailed:
		if _, err := r.queue.Fail(f.TaskID, agentID, f.Generation, f.Error); err != nil {
			logger.Info().Err(err).Str("task_id", f.TaskID).Msg("dropping task_failed")
			return
		}
		a.markIdle()
		r.publishIdle(agentID)
		r.updateGauges()

	case FrameStateReport:
		r.reconcile(a, f)

	case FrameMessage:
		if r.sink == nil {
			return
		}
		if _, err := r.sink.Send(agentID, f.To, f.Channel, f.Body); err != nil {
			a.send(errorFrame{Type: FrameError, Error: err.Error()})
		}

	case FrameChannelCreate:
		if r.sink == nil {
			return
		}
		if _, err := r.sink.CreateChannel(f.Channel, agentID); err != nil {
			a.send(errorFrame{Type: FrameError, Error: err.Error()})
		}

	default:
		logger.Debug().Str("frame_type", f.Type).Msg("ignoring unknown frame")
	}
}

// reconcile compares a reconnecting agent's claimed task against the
// queue's truth. A matching claim reattaches the task; a stale one is
// dropped and the task reclaimed if this agent still nominally holds it.
func (r *Registry) reconcile(a *Agent, f Frame) {
	agentID := a.ID()
	if f.TaskID == "" {
		return
	}

	t, err := r.queue.Get(f.TaskID)
	if err != nil {
		return
	}
	if t.AssignedTo == agentID && t.Generation == f.Generation {
		switch t.Status {
		case types.TaskStatusAssigned:
			a.adopt(t.ID, types.AgentStateAssigned)
		case types.TaskStatusWorking:
			a.adopt(t.ID, types.AgentStateWorking)
		}
		logger := log.WithAgentID(agentID)
		logger.Info().Str("task_id", t.ID).Msg("reattached task after reconnect")
		r.updateGauges()
		return
	}
	// Claim is stale; if the queue still shows this agent holding the
	// task under another generation, something reclaimed and reassigned
	// already, so there is nothing to fix
	logger := log.WithAgentID(agentID)
	logger.Info().Str("task_id", f.TaskID).Int("generation", f.Generation).Msg("dropping stale state_report")
}

// HandleDisconnect reclaims the agent's task and freezes its FSM
// offline. The record stays until the reaper's grace period expires.
func (r *Registry) HandleDisconnect(a *Agent) {
	agentID := a.ID()
	taskID := a.markOffline()
	a.close()

	if taskID != "" {
		r.reclaim(taskID, "agent_disconnected")
	}

	r.logger.Info().Str("agent_id", agentID).Msg("agent disconnected")
	r.broker.Publish(events.TopicPresence, events.EventAgentDisconnected, map[string]string{"agent_id": agentID})
	r.updateGauges()
}

// Deliver pushes a mailbox message to a connected agent. Returns false
// when the agent is not connected; the message stays queued.
func (r *Registry) Deliver(agentID string, msg types.Message) bool {
	r.mu.RLock()
	a := r.agents[agentID]
	r.mu.RUnlock()
	if a == nil {
		return false
	}
	return a.send(messageDeliverFrame{
		Type:    FrameMessageDeliver,
		ID:      msg.ID,
		From:    msg.From,
		Channel: msg.Channel,
		Body:    msg.Body,
		SentAt:  msg.CreatedAt,
	})
}

// SweepHeartbeats marks agents past the heartbeat timeout offline,
// reclaiming their tasks, and evicts offline agents past the grace
// period. Called by the reaper; returns (timedOut, evicted).
func (r *Registry) SweepHeartbeats(nowMs int64) (int, int) {
	timeout := r.cfg.HeartbeatInterval.Milliseconds() * int64(r.cfg.HeartbeatTimeoutMultiple)
	grace := r.cfg.OfflineGrace.Milliseconds()

	r.mu.Lock()
	var stale, evict []*Agent
	for _, a := range r.agents {
		info := a.Snapshot()
		switch info.State {
		case types.AgentStateOffline:
			if nowMs-info.LastHeartbeat > timeout+grace {
				evict = append(evict, a)
				delete(r.agents, info.AgentID)
			}
		default:
			if nowMs-info.LastHeartbeat > timeout {
				stale = append(stale, a)
			}
		}
	}
	r.mu.Unlock()

	for _, a := range stale {
		agentID := a.ID()
		taskID := a.markOffline()
		a.close()
		if taskID != "" {
			r.reclaim(taskID, "heartbeat_timeout")
		}
		r.logger.Warn().Str("agent_id", agentID).Msg("agent heartbeat timed out")
		r.broker.Publish(events.TopicPresence, events.EventAgentDisconnected, map[string]string{"agent_id": agentID, "reason": "heartbeat_timeout"})
	}
	for _, a := range evict {
		r.broker.Publish(events.TopicPresence, events.EventAgentEvicted, map[string]string{"agent_id": a.ID()})
	}

	if len(stale) > 0 || len(evict) > 0 {
		r.updateGauges()
	}
	return len(stale), len(evict)
}

// Stats returns agent counts by FSM state
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]int)
	for _, a := range r.agents {
		stats[string(a.Snapshot().State)]++
	}
	stats["total"] = len(r.agents)
	return stats
}

func (r *Registry) reclaim(taskID, reason string) {
	if _, err := r.queue.Reclaim(taskID, reason); err != nil {
		r.logger.Error().Err(err).Str("task_id", taskID).Str("reason", reason).Msg("reclaim failed")
	}
}

func (r *Registry) publishIdle(agentID string) {
	r.broker.Publish(events.TopicPresence, events.EventAgentIdle, map[string]string{"agent_id": agentID})
}

func (r *Registry) updateGauges() {
	counts := map[types.AgentState]int{
		types.AgentStateIdle:     0,
		types.AgentStateAssigned: 0,
		types.AgentStateWorking:  0,
		types.AgentStateBlocked:  0,
		types.AgentStateOffline:  0,
	}
	r.mu.RLock()
	for _, a := range r.agents {
		counts[a.Snapshot().State]++
	}
	r.mu.RUnlock()
	for state, n := range counts {
		metrics.AgentsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}
