package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/budget"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// transitionHistoryCap bounds the in-memory transition log
const transitionHistoryCap = 200

// defaultWatchdog forces the hub back to resting when a state runs
// this long without a transition
const defaultWatchdog = 2 * time.Hour

// validTransitions is the hub's behavioral state graph. Healing is the
// funnel: any state can enter it, and it only exits to resting.
var validTransitions = map[types.HubState][]types.HubState{
	types.HubStateResting:       {types.HubStateExecuting, types.HubStateImproving, types.HubStateContemplating, types.HubStateHealing},
	types.HubStateExecuting:     {types.HubStateResting, types.HubStateImproving, types.HubStateHealing},
	types.HubStateImproving:     {types.HubStateResting, types.HubStateExecuting, types.HubStateContemplating, types.HubStateHealing},
	types.HubStateContemplating: {types.HubStateResting, types.HubStateExecuting, types.HubStateImproving, types.HubStateHealing},
	types.HubStateHealing:       {types.HubStateResting},
}

func transitionAllowed(from, to types.HubState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// snapshot is the world as the FSM sees it on one tick
type snapshot struct {
	activeGoals int
	health      string
	budgetErr   error
}

// FSM drives the hub's behavioral loop. A 1s ticker gathers a system
// snapshot, runs the pure evaluation rules against it, and applies at
// most one transition per tick.
type FSM struct {
	mu        sync.Mutex
	state     types.HubState
	enteredAt int64
	paused    bool
	history   []types.HubTransition
	cycles    uint64

	backlog *backlog.GoalBacklog
	ledger  *budget.Ledger
	health  *HealthAggregator
	broker  *events.Broker
	logger  zerolog.Logger

	tick     time.Duration
	watchdog time.Duration
	stopCh   chan struct{}
}

// Config configures the hub FSM
type Config struct {
	Tick     time.Duration
	Watchdog time.Duration
}

// New creates the hub FSM in the resting state
func New(bl *backlog.GoalBacklog, ledger *budget.Ledger, health *HealthAggregator, broker *events.Broker, cfg Config) *FSM {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = defaultWatchdog
	}
	f := &FSM{
		state:     types.HubStateResting,
		enteredAt: types.NowMs(),
		backlog:   bl,
		ledger:    ledger,
		health:    health,
		broker:    broker,
		logger:    log.WithComponent("hub-fsm"),
		tick:      cfg.Tick,
		watchdog:  cfg.Watchdog,
		stopCh:    make(chan struct{}),
	}
	metrics.SetHubState(string(f.state))
	return f
}

// Start begins the evaluation loop
func (f *FSM) Start() {
	go f.run()
}

// Stop stops the loop
func (f *FSM) Stop() {
	close(f.stopCh)
}

func (f *FSM) run() {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Tick()
		case <-f.stopCh:
			return
		}
	}
}

// Tick runs one evaluation cycle
func (f *FSM) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cycles++
	if f.paused {
		return
	}

	now := types.NowMs()
	if now-f.enteredAt > f.watchdog.Milliseconds() && f.state != types.HubStateResting {
		f.transitionLocked(types.HubStateResting, "watchdog_timeout", false)
		return
	}

	sys := f.gather()
	if to, reason, ok := evaluate(f.state, sys); ok {
		f.transitionLocked(to, reason, false)
	}
}

// gather assembles the snapshot the rules run against
func (f *FSM) gather() snapshot {
	sys := snapshot{health: HealthHealthy}
	if f.backlog != nil {
		sys.activeGoals = f.backlog.Stats()["active"]
	}
	if f.health != nil {
		sys.health = f.health.Assess().Level
	}
	sys.budgetErr = f.ledger.CheckBudget(f.state)
	return sys
}

// evaluate applies the transition rules to one snapshot. It is pure:
// same state and snapshot, same answer.
func evaluate(state types.HubState, sys snapshot) (types.HubState, string, bool) {
	if sys.health == HealthCritical && state != types.HubStateHealing {
		return types.HubStateHealing, "health_critical", true
	}

	switch state {
	case types.HubStateHealing:
		if sys.health != HealthCritical {
			return types.HubStateResting, "health_recovered", true
		}
	case types.HubStateResting:
		if sys.activeGoals > 0 {
			return types.HubStateExecuting, "goals_pending", true
		}
	case types.HubStateExecuting:
		if sys.budgetErr != nil {
			return types.HubStateResting, "budget_exhausted", true
		}
		if sys.activeGoals == 0 {
			return types.HubStateResting, "backlog_drained", true
		}
	case types.HubStateImproving, types.HubStateContemplating:
		if sys.budgetErr != nil {
			return types.HubStateResting, "budget_exhausted", true
		}
		if sys.activeGoals > 0 {
			return types.HubStateExecuting, "goals_pending", true
		}
	}
	return state, "", false
}

// transitionLocked applies one transition. Callers hold f.mu.
func (f *FSM) transitionLocked(to types.HubState, reason string, forced bool) {
	from := f.state
	f.state = to
	f.enteredAt = types.NowMs()

	tr := types.HubTransition{
		From:       from,
		To:         to,
		Reason:     reason,
		Forced:     forced,
		Timestamp:  f.enteredAt,
		CycleCount: int(f.cycles),
	}
	f.history = append(f.history, tr)
	if len(f.history) > transitionHistoryCap {
		f.history = f.history[len(f.history)-transitionHistoryCap:]
	}

	metrics.SetHubState(string(to))
	metrics.HubTransitions.WithLabelValues(string(to)).Inc()
	f.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Bool("forced", forced).
		Msg("hub transition")

	f.broker.Publish(events.TopicHubFSM, events.EventHubStateChange, map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

// ForceTransition moves the hub to a target state out of band. The
// transition still has to be legal in the state graph.
func (f *FSM) ForceTransition(to types.HubState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if to == f.state {
		return fmt.Errorf("hub already %s", to)
	}
	if !transitionAllowed(f.state, to) {
		return fmt.Errorf("invalid hub transition: %s -> %s", f.state, to)
	}
	f.transitionLocked(to, reason, true)
	return nil
}

// Pause freezes automatic evaluation. Forced transitions still apply.
func (f *FSM) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	f.logger.Info().Msg("hub fsm paused")
}

// Resume unfreezes automatic evaluation. The watchdog clock restarts
// so a long pause does not trip it on the first tick.
func (f *FSM) Resume() {
	f.mu.Lock()
	f.paused = false
	f.enteredAt = types.NowMs()
	f.mu.Unlock()
	f.logger.Info().Msg("hub fsm resumed")
}

// Status is the hub's externally visible state
type Status struct {
	State       types.HubState `json:"state"`
	Paused      bool           `json:"paused"`
	EnteredAt   int64          `json:"entered_at"`
	InStateMs   int64          `json:"in_state_ms"`
	Cycles      uint64         `json:"cycles"`
	Transitions int            `json:"transitions"`
}

// State returns the current hub state
func (f *FSM) State() types.HubState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// GetStatus returns the hub status snapshot
func (f *FSM) GetStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		State:       f.state,
		Paused:      f.paused,
		EnteredAt:   f.enteredAt,
		InStateMs:   types.NowMs() - f.enteredAt,
		Cycles:      f.cycles,
		Transitions: len(f.history),
	}
}

// History returns the most recent transitions, newest last
func (f *FSM) History(limit int) []types.HubTransition {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.HubTransition, n)
	copy(out, f.history[len(f.history)-n:])
	return out
}
