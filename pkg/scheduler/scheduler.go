package scheduler

import (
	"fmt"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// Scheduler moves tasks from queued to assigned by matching them to
// idle agents. It is event-driven: queue and presence events wake it,
// with a periodic tick as a safety net.
type Scheduler struct {
	queue    *queue.TaskQueue
	registry *agent.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}
	tick   time.Duration
}

// NewScheduler creates a scheduler
func NewScheduler(q *queue.TaskQueue, registry *agent.Registry, broker *events.Broker, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Scheduler{
		queue:    q,
		registry: registry,
		broker:   broker,
		logger:   log.WithComponent("scheduler"),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		tick:     tick,
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start() {
	taskSub := s.broker.Subscribe(events.TopicTasks)
	presenceSub := s.broker.Subscribe(events.TopicPresence)
	go s.watch(taskSub, presenceSub)
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// watch coalesces wake-worthy events into a single pending wakeup
func (s *Scheduler) watch(taskSub, presenceSub events.Subscriber) {
	for {
		select {
		case ev, ok := <-taskSub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventTaskSubmitted, events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskReclaimed:
				s.wake()
			}
		case ev, ok := <-presenceSub:
			if !ok {
				return
			}
			if ev.Type == events.EventAgentIdle {
				s.wake()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.wakeCh:
			s.TryScheduleAll()
		case <-ticker.C:
			s.TryScheduleAll()
		case <-s.stopCh:
			return
		}
	}
}

// TryScheduleAll performs one scheduling pass: ready tasks in strict
// priority plus FIFO order, matched against idle agents in LRU order.
// No backtracking; an unmatched task stays queued.
func (s *Scheduler) TryScheduleAll() int {
	start := time.Now()
	metrics.SchedulerAttempts.Inc()

	ready := s.queue.ReadyTasks()
	idle := s.registry.IdleAgents()
	assigned := 0

	for _, task := range ready {
		if len(idle) == 0 {
			break
		}
		slot := pickAgent(idle, task.NeededCapabilities)
		if slot < 0 {
			// Head-of-line blocking on capabilities is acceptable at
			// this scale; the next pass retries
			continue
		}

		agentID := idle[slot].AgentID
		if err := s.assign(task, agentID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Str("agent_id", agentID).Msg("assignment failed")
			idle = append(idle[:slot], idle[slot+1:]...)
			continue
		}

		assigned++
		idle = append(idle[:slot], idle[slot+1:]...)
	}

	metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	if assigned > 0 {
		metrics.SchedulerAssignments.Add(float64(assigned))
	}

	// Telemetry fires on every attempt, including 0-idle passes; the
	// capacity dashboards need the empty ones too
	s.broker.Publish(events.TopicSystem, events.EventSchedulerAttempt, map[string]string{
		"ready":    fmt.Sprintf("%d", len(ready)),
		"idle":     fmt.Sprintf("%d", len(idle)),
		"assigned": fmt.Sprintf("%d", assigned),
	})
	return assigned
}

// assign persists the assignment, then pushes it to the agent. The
// registry reclaims the task if the push fails.
func (s *Scheduler) assign(task *types.Task, agentID string) error {
	assigned, err := s.queue.Assign(task.ID, agentID)
	if err != nil {
		return err
	}
	return s.registry.Assign(agentID, assigned)
}

// pickAgent returns the index of the first idle agent whose capability
// set covers the task's needs, or -1. The input is already LRU-ordered.
func pickAgent(idle []types.AgentInfo, needed []string) int {
	for i := range idle {
		if idle[i].HasCapabilities(needed) {
			return i
		}
	}
	return -1
}
