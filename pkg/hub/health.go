package hub

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
)

// Health levels, worst wins
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name     string    `json:"name"`
	Level    string    `json:"level"`
	Message  string    `json:"message,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Assessment is the aggregated system health the hub FSM reads on each
// tick
type Assessment struct {
	Level      string            `json:"level"`
	Components map[string]string `json:"components,omitempty"`
}

// HealthAggregator collects component health reports and folds them
// into one assessment. Storage corruption events mark the storage
// component critical until the maintainer reports a successful restore.
type HealthAggregator struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	broker     *events.Broker
	stopCh     chan struct{}
}

// NewHealthAggregator creates an aggregator
func NewHealthAggregator(broker *events.Broker) *HealthAggregator {
	return &HealthAggregator{
		components: make(map[string]ComponentHealth),
		broker:     broker,
		stopCh:     make(chan struct{}),
	}
}

// Start watches system events that imply component health changes
func (h *HealthAggregator) Start() {
	sub := h.broker.Subscribe(events.TopicSystem)
	go h.watch(sub)
}

// Stop stops the watcher
func (h *HealthAggregator) Stop() {
	close(h.stopCh)
}

func (h *HealthAggregator) watch(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventCorruptionDetected:
				h.SetComponent("storage", HealthCritical, "table corrupted: "+ev.Metadata["table"])
			case events.EventWriteUnavailable:
				h.SetComponent("storage", HealthCritical, "disk refused writes on "+ev.Metadata["table"])
			case events.EventTableRestored:
				h.SetComponent("storage", HealthHealthy, "")
			}
		case <-h.stopCh:
			return
		}
	}
}

// SetComponent records one component's health level
func (h *HealthAggregator) SetComponent(name, level, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Name:    name,
		Level:   level,
		Message: message,
		Updated: time.Now(),
	}
}

// Assess folds all component reports into one level; the worst report
// wins
func (h *HealthAggregator) Assess() Assessment {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := Assessment{Level: HealthHealthy, Components: make(map[string]string)}
	for name, c := range h.components {
		out.Components[name] = c.Level
		switch c.Level {
		case HealthCritical:
			out.Level = HealthCritical
		case HealthDegraded:
			if out.Level == HealthHealthy {
				out.Level = HealthDegraded
			}
		}
	}
	return out
}
