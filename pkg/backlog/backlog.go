package backlog

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
	// ErrGoalNotFound is returned when the goal id is unknown
	ErrGoalNotFound = errors.New("goal not found")

	// ErrInvalidTransition is returned for a status change outside the
	// goal state graph
	ErrInvalidTransition = errors.New("invalid goal transition")
)

// validTransitions is the goal state graph
var validTransitions = map[types.GoalStatus][]types.GoalStatus{
	types.GoalStatusSubmitted:   {types.GoalStatusDecomposing},
	types.GoalStatusDecomposing: {types.GoalStatusExecuting, types.GoalStatusFailed},
	types.GoalStatusExecuting:   {types.GoalStatusVerifying, types.GoalStatusFailed},
	types.GoalStatusVerifying:   {types.GoalStatusComplete, types.GoalStatusFailed, types.GoalStatusExecuting},
}

// SubmitParams carries the caller-supplied fields of a new goal
type SubmitParams struct {
	Description     string
	SuccessCriteria []string
	Priority        types.TaskPriority
	DependsOn       []string
	Source          types.GoalSource
}

// GoalBacklog is the authoritative store and state machine for goals
type GoalBacklog struct {
	mu     sync.Mutex
	goals  *storage.Table
	broker *events.Broker
	logger zerolog.Logger
	cache  map[string]*types.Goal
}

// New creates a goal backlog and rebuilds its cache from disk
func New(goals *storage.Table, broker *events.Broker) (*GoalBacklog, error) {
	b := &GoalBacklog{
		goals:  goals,
		broker: broker,
		logger: log.WithComponent("goal_backlog"),
		cache:  make(map[string]*types.Goal),
	}

	err := goals.Fold(func(key string, value []byte) error {
		var g types.Goal
		if err := json.Unmarshal(value, &g); err != nil {
			return fmt.Errorf("bad goal record %s: %w", key, err)
		}
		b.cache[g.ID] = &g
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info().Int("goals", len(b.cache)).Msg("goal backlog loaded")
	return b, nil
}

// Submit validates and persists a new goal
func (b *GoalBacklog) Submit(p SubmitParams) (*types.Goal, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if len(p.SuccessCriteria) == 0 {
		return nil, fmt.Errorf("success_criteria is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, dep := range p.DependsOn {
		if _, ok := b.cache[dep]; !ok {
			return nil, fmt.Errorf("unknown goal dependency: %s", dep)
		}
	}

	source := p.Source
	if source == "" {
		source = types.GoalSourceAPI
	}

	now := types.NowMs()
	goal := &types.Goal{
		ID:              uuid.New().String(),
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Priority:        p.Priority,
		Status:          types.GoalStatusSubmitted,
		DependsOn:       p.DependsOn,
		Source:          source,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	goal.AppendHistory("submitted", map[string]string{"source": string(source)})

	if err := b.persist(goal); err != nil {
		return nil, err
	}

	b.cache[goal.ID] = goal
	b.publish(events.EventGoalSubmitted, goal, "")
	return snapshot(goal), nil
}

// Get returns a snapshot of the goal
func (b *GoalBacklog) Get(id string) (*types.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.cache[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	return snapshot(g), nil
}

// List returns snapshots of all goals, optionally filtered by status,
// oldest first
func (b *GoalBacklog) List(status types.GoalStatus) []*types.Goal {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*types.Goal
	for _, g := range b.cache {
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, snapshot(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Transition moves a goal along the state graph, optionally recording
// child task ids created by decomposition
func (b *GoalBacklog) Transition(id string, to types.GoalStatus, reason string, childTaskIDs []string) (*types.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.cache[id]
	if !ok {
		return nil, ErrGoalNotFound
	}

	if !transitionValid(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}

	next := snapshot(cur)
	next.Status = to
	next.UpdatedAt = types.NowMs()
	if len(childTaskIDs) > 0 {
		next.ChildTaskIDs = append(next.ChildTaskIDs, childTaskIDs...)
	}
	details := map[string]string{"to": string(to)}
	if reason != "" {
		details["reason"] = reason
	}
	next.AppendHistory("transitioned", details)

	if err := b.persist(next); err != nil {
		return nil, err
	}

	b.cache[id] = next
	b.publish(events.EventGoalTransitioned, next, reason)
	return snapshot(next), nil
}

// Stats returns goal counts by status plus a pending count the hub FSM
// evaluator reads on every tick
func (b *GoalBacklog) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[string]int)
	for _, g := range b.cache {
		stats[string(g.Status)]++
		switch g.Status {
		case types.GoalStatusSubmitted, types.GoalStatusDecomposing, types.GoalStatusExecuting, types.GoalStatusVerifying:
			stats["active"]++
		}
	}
	stats["total"] = len(b.cache)
	return stats
}

func transitionValid(from, to types.GoalStatus) bool {
	for _, v := range validTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

func (b *GoalBacklog) persist(g *types.Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal goal: %w", err)
	}
	return b.goals.Insert(g.ID, data)
}

func (b *GoalBacklog) publish(typ events.EventType, g *types.Goal, reason string) {
	meta := map[string]string{
		"goal_id": g.ID,
		"status":  string(g.Status),
	}
	if reason != "" {
		meta["reason"] = reason
	}
	b.broker.Publish(events.TopicGoals, typ, meta)
	b.updateGauges()
}

// updateGauges refreshes the per-status goal gauges. Caller holds b.mu.
func (b *GoalBacklog) updateGauges() {
	counts := make(map[types.GoalStatus]int)
	for _, g := range b.cache {
		counts[g.Status]++
	}
	for _, s := range []types.GoalStatus{
		types.GoalStatusSubmitted,
		types.GoalStatusDecomposing,
		types.GoalStatusExecuting,
		types.GoalStatusVerifying,
		types.GoalStatusComplete,
		types.GoalStatusFailed,
	} {
		metrics.GoalsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func snapshot(g *types.Goal) *types.Goal {
	c := *g
	c.SuccessCriteria = append([]string(nil), g.SuccessCriteria...)
	c.ChildTaskIDs = append([]string(nil), g.ChildTaskIDs...)
	c.DependsOn = append([]string(nil), g.DependsOn...)
	c.History = append([]types.HistoryEntry(nil), g.History...)
	return &c
}
