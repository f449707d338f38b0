package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrBudgetExhausted is returned when the hub state's hourly
	// invocation budget is spent
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrNoBudget is returned for hub states that have no invocation
	// budget at all
	ErrNoBudget = errors.New("no budget for state")
)

// window is the rolling period budgets are counted over
const window = time.Hour

// historyCap bounds the in-memory invocation history
const historyCap = 200

// DefaultLimits is the per-hub-state invocation budget per hour
var DefaultLimits = map[types.HubState]int{
	types.HubStateExecuting:     20,
	types.HubStateImproving:     10,
	types.HubStateContemplating: 5,
}

// Ledger caps LLM/CLI invocations per hub state within a rolling hourly
// window. CheckBudget is on the hot path of every outbound call: it
// takes only a read lock and never routes through the durable append.
// A nil ledger fails open; startup safety beats cost control.
type Ledger struct {
	mu      sync.RWMutex
	limits  map[types.HubState]int
	recent  map[types.HubState][]int64 // invocation timestamps, unix ms
	history []types.Invocation

	table  *storage.Table
	broker *events.Broker
}

// New creates a ledger over its journal table, reloading the rolling
// window and recent history from disk
func New(table *storage.Table, broker *events.Broker, limits map[types.HubState]int) (*Ledger, error) {
	if limits == nil {
		limits = DefaultLimits
	}
	l := &Ledger{
		limits: limits,
		recent: make(map[types.HubState][]int64),
		table:  table,
		broker: broker,
	}

	if table != nil {
		cutoff := types.NowMs() - window.Milliseconds()
		var all []types.Invocation
		err := table.Fold(func(key string, value []byte) error {
			var inv types.Invocation
			if err := json.Unmarshal(value, &inv); err != nil {
				return nil // skip bad record
			}
			all = append(all, inv)
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
		for _, inv := range all {
			if inv.Timestamp >= cutoff {
				l.recent[inv.HubState] = append(l.recent[inv.HubState], inv.Timestamp)
			}
		}
		if len(all) > historyCap {
			all = all[len(all)-historyCap:]
		}
		l.history = all
	}

	return l, nil
}

// CheckBudget reports whether another invocation is allowed in the given
// hub state. Nil ledgers allow everything.
func (l *Ledger) CheckBudget(state types.HubState) error {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	limit, ok := l.limits[state]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBudget, state)
	}

	cutoff := types.NowMs() - window.Milliseconds()
	used := 0
	for _, ts := range l.recent[state] {
		if ts >= cutoff {
			used++
		}
	}
	if used >= limit {
		metrics.BudgetDenials.WithLabelValues(string(state)).Inc()
		return fmt.Errorf("%w: %d/%d used in the last hour for %s", ErrBudgetExhausted, used, limit, state)
	}
	return nil
}

// RecordInvocation appends to the durable journal and updates the
// rolling counter
func (l *Ledger) RecordInvocation(state types.HubState, durationMs int64, promptType string) error {
	if l == nil {
		return nil
	}

	inv := types.Invocation{
		ID:         uuid.New().String(),
		HubState:   state,
		Timestamp:  types.NowMs(),
		DurationMs: durationMs,
		PromptType: promptType,
	}

	if l.table != nil {
		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%013d:%s", inv.Timestamp, inv.ID)
		if err := l.table.Insert(key, data); err != nil {
			return err
		}
	}

	l.mu.Lock()
	cutoff := inv.Timestamp - window.Milliseconds()
	kept := l.recent[state][:0]
	for _, ts := range l.recent[state] {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	l.recent[state] = append(kept, inv.Timestamp)

	l.history = append(l.history, inv)
	if len(l.history) > historyCap {
		l.history = l.history[len(l.history)-historyCap:]
	}
	l.mu.Unlock()

	metrics.InvocationsTotal.WithLabelValues(string(state)).Inc()
	logger := log.WithComponent("cost_ledger")
	logger.Debug().
		Str("hub_state", string(state)).
		Int64("duration_ms", durationMs).
		Msg("invocation recorded")
	return nil
}

// StateBudget is one hub state's budget usage
type StateBudget struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Stats returns budget usage per hub state for the current window
func (l *Ledger) Stats() map[types.HubState]StateBudget {
	out := make(map[types.HubState]StateBudget)
	if l == nil {
		return out
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := types.NowMs() - window.Milliseconds()
	for state, limit := range l.limits {
		used := 0
		for _, ts := range l.recent[state] {
			if ts >= cutoff {
				used++
			}
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		out[state] = StateBudget{Limit: limit, Used: used, Remaining: remaining}
	}
	return out
}

// History returns the most recent invocations, newest last
func (l *Ledger) History(limit int) []types.Invocation {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]types.Invocation, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}
