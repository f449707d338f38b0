package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/google/uuid"
)

// Topic groups related events for subscription
type Topic string

const (
	TopicTasks      Topic = "tasks"
	TopicGoals      Topic = "goals"
	TopicHubFSM     Topic = "hub_fsm"
	TopicRateLimits Topic = "rate_limits"
	TopicPresence   Topic = "presence"
	TopicSystem     Topic = "system"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskSubmitted  EventType = "task_submitted"
	EventTaskAssigned   EventType = "task_assigned"
	EventTaskAccepted   EventType = "task_accepted"
	EventTaskProgress   EventType = "task_progress"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskReclaimed  EventType = "task_reclaimed"
	EventTaskDeadLetter EventType = "task_dead_letter"
	EventTaskCancelled  EventType = "task_cancelled"

	EventGoalSubmitted    EventType = "goal_submitted"
	EventGoalTransitioned EventType = "goal_transitioned"

	EventHubStateChange EventType = "hub_fsm_state_change"

	EventAgentConnected    EventType = "agent_connected"
	EventAgentDisconnected EventType = "agent_disconnected"
	EventAgentIdle         EventType = "agent_became_idle"
	EventAgentEvicted      EventType = "agent_evicted"
	EventMessagePosted     EventType = "message_posted"

	EventRateLimitViolation EventType = "rate_limit_violation"
	EventSchedulerAttempt   EventType = "scheduler_attempt"
	EventCorruptionDetected EventType = "corruption_detected"
	EventWriteUnavailable   EventType = "write_unavailable"
	EventTableRestored      EventType = "table_restored"
	EventBudgetDenied       EventType = "budget_denied"
)

// Event is a single bus message
type Event struct {
	ID        string
	Topic     Topic
	Type      EventType
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events for one topic
type Subscriber chan *Event

// Broker manages topic subscriptions and fanout. Publish never blocks on
// a subscriber; a full subscriber buffer drops the event and counts it.
type Broker struct {
	topics  map[Topic]map[Subscriber]bool
	mu      sync.RWMutex
	eventCh chan *Event
	stopCh  chan struct{}
	dropped atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		topics:  make(map[Topic]map[Subscriber]bool),
		eventCh: make(chan *Event, 256),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription on a topic and returns its channel
func (b *Broker) Subscribe(topic Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[Subscriber]bool)
	}
	b.topics[topic][sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(topic Topic, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.topics[topic]; subs != nil && subs[sub] {
		delete(subs, sub)
		close(sub)
	}
}

// Publish enqueues an event for fanout to the topic's subscribers
func (b *Broker) Publish(topic Topic, typ EventType, metadata map[string]string) {
	event := &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Type:      typ,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Bus saturated; publishers must never block
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
	}
}

// Dropped returns the number of events dropped due to full buffers
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers on a topic
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[event.Topic] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, drop for this subscriber
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}
