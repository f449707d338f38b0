package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// alertEvalInterval is how often alert rules are re-evaluated
const alertEvalInterval = 30 * time.Second

// Alert is one active operator-facing condition. Alerts are keyed by
// rule name: a rule that keeps firing updates its alert in place
// instead of stacking duplicates.
type Alert struct {
	Rule           string `json:"rule"`
	Message        string `json:"message"`
	FiredAt        int64  `json:"fired_at"`
	Acknowledged   bool   `json:"acknowledged"`
	AcknowledgedAt int64  `json:"acknowledged_at,omitempty"`
}

// Rule is a named condition over the live system. Check returns
// whether the rule currently fires and the message to show when it
// does.
type Rule struct {
	Name  string
	Check func() (bool, string)
}

// AlertManager evaluates rules on a fixed cadence and keeps the set of
// active alerts. Acknowledged alerts stay listed until their rule stops
// firing, then clear on the next evaluation.
type AlertManager struct {
	mu     sync.Mutex
	rules  []Rule
	active map[string]*Alert
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewAlertManager creates an alert manager with the given rules
func NewAlertManager(rules []Rule) *AlertManager {
	return &AlertManager{
		rules:  rules,
		active: make(map[string]*Alert),
		logger: log.WithComponent("alerts"),
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic evaluation
func (m *AlertManager) Start() {
	go m.run()
}

// Stop stops evaluation
func (m *AlertManager) Stop() {
	close(m.stopCh)
}

func (m *AlertManager) run() {
	ticker := time.NewTicker(alertEvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Evaluate()
		case <-m.stopCh:
			return
		}
	}
}

// Evaluate runs every rule once, raising new alerts and clearing
// resolved ones
func (m *AlertManager) Evaluate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rule := range m.rules {
		firing, msg := rule.Check()
		existing, ok := m.active[rule.Name]

		switch {
		case firing && !ok:
			m.active[rule.Name] = &Alert{
				Rule:    rule.Name,
				Message: msg,
				FiredAt: types.NowMs(),
			}
			m.logger.Warn().Str("rule", rule.Name).Str("message", msg).Msg("alert raised")
		case firing && ok:
			existing.Message = msg
		case !firing && ok:
			delete(m.active, rule.Name)
			m.logger.Info().Str("rule", rule.Name).Msg("alert cleared")
		}
	}
}

// Acknowledge marks an active alert as seen by an operator
func (m *AlertManager) Acknowledge(rule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[rule]
	if !ok {
		return fmt.Errorf("no active alert for rule: %s", rule)
	}
	a.Acknowledged = true
	a.AcknowledgedAt = types.NowMs()
	return nil
}

// List returns all active alerts sorted by rule name
func (m *AlertManager) List() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}
