package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrChannelNotFound is returned when posting to an unknown channel
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelExists is returned when creating a duplicate channel
	ErrChannelExists = errors.New("channel already exists")

	// ErrEmptyBody is returned for messages with no content
	ErrEmptyBody = errors.New("message body required")
)

// defaultTTLMs is how long an undelivered message survives (24h)
const defaultTTLMs = 24 * 60 * 60 * 1000

// channelHistoryCap bounds how many messages a channel retains
const channelHistoryCap = 500

// Deliverer pushes a message to a connected agent. Implemented by the
// agent registry; returns false when the agent is offline.
type Deliverer interface {
	Deliver(agentID string, msg types.Message) bool
}

// Mailbox stores agent-to-agent messages and named channels. Direct
// messages are pushed immediately when the recipient is connected and
// parked in the recipient's mailbox otherwise; parked messages expire
// after their TTL. Channel posts fan out to every connected agent and
// are kept as bounded history for late readers.
//
// Storage layout, split across two tables:
//
//	mailbox table:  msg:<agent>:<ts>:<id>   Message (parked direct messages)
//	channels table: channel:<name>          ChannelInfo
//	                chmsg:<name>:<ts>:<id>  Message (channel history)
type Mailbox struct {
	mu        sync.Mutex
	msgs      *storage.Table
	chans     *storage.Table
	deliverer Deliverer
	broker    *events.Broker
	ttlMs     int64
	logger    zerolog.Logger

	channels map[string]*types.ChannelInfo
}

// Config configures the mailbox
type Config struct {
	// TTLMs overrides the default undelivered-message TTL
	TTLMs int64
}

// New creates a mailbox backed by the given tables and reloads the
// channel registry
func New(msgs, chans *storage.Table, broker *events.Broker, cfg Config) (*Mailbox, error) {
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = defaultTTLMs
	}
	m := &Mailbox{
		msgs:     msgs,
		chans:    chans,
		broker:   broker,
		ttlMs:    cfg.TTLMs,
		logger:   log.WithComponent("mailbox"),
		channels: make(map[string]*types.ChannelInfo),
	}

	err := chans.Fold(func(key string, value []byte) error {
		if !strings.HasPrefix(key, "channel:") {
			return nil
		}
		var ch types.ChannelInfo
		if err := json.Unmarshal(value, &ch); err != nil {
			m.logger.Warn().Str("key", key).Err(err).Msg("skipping unreadable channel record")
			return nil
		}
		m.channels[ch.Name] = &ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reloading channels: %w", err)
	}
	return m, nil
}

// SetDeliverer wires the agent registry in after construction
func (m *Mailbox) SetDeliverer(d Deliverer) {
	m.deliverer = d
}

// Send routes one message. A non-empty channel posts to that channel;
// otherwise the message goes directly to the named agent.
func (m *Mailbox) Send(from, to, channel, body string) (*types.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	now := types.NowMs()
	msg := &types.Message{
		ID:        uuid.New().String(),
		Channel:   channel,
		From:      from,
		To:        to,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now + m.ttlMs,
	}

	if channel != "" {
		return msg, m.post(msg)
	}
	if to == "" {
		return nil, errors.New("message needs a recipient or a channel")
	}
	return msg, m.direct(msg)
}

// direct delivers to one agent, parking the message when they are away
func (m *Mailbox) direct(msg *types.Message) error {
	if m.deliverer != nil && m.deliverer.Deliver(msg.To, *msg) {
		return nil
	}

	key := fmt.Sprintf("msg:%s:%013d:%s", msg.To, msg.CreatedAt, msg.ID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.msgs.Insert(key, data); err != nil {
		return fmt.Errorf("parking message: %w", err)
	}
	m.logger.Debug().Str("to", msg.To).Str("message_id", msg.ID).Msg("message parked")
	return nil
}

// post appends to channel history and fans out to connected members
func (m *Mailbox) post(msg *types.Message) error {
	m.mu.Lock()
	_, ok := m.channels[msg.Channel]
	m.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}

	key := fmt.Sprintf("chmsg:%s:%013d:%s", msg.Channel, msg.CreatedAt, msg.ID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.chans.Insert(key, data); err != nil {
		return fmt.Errorf("appending channel message: %w", err)
	}
	m.trimChannel(msg.Channel)

	m.broker.Publish(events.TopicPresence, events.EventMessagePosted, map[string]string{
		"channel": msg.Channel,
		"from":    msg.From,
	})
	return nil
}

// CreateChannel registers a named channel
func (m *Mailbox) CreateChannel(name, createdBy string) (*types.ChannelInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("channel name required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; ok {
		return nil, ErrChannelExists
	}

	ch := &types.ChannelInfo{
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: types.NowMs(),
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}
	if err := m.chans.Insert("channel:"+name, data); err != nil {
		return nil, fmt.Errorf("persisting channel: %w", err)
	}
	m.channels[name] = ch
	m.logger.Info().Str("channel", name).Str("created_by", createdBy).Msg("channel created")
	return ch, nil
}

// Channels lists all channels sorted by name
func (m *Mailbox) Channels() []types.ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ChannelInfo, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelHistory returns the most recent messages in a channel, oldest
// first
func (m *Mailbox) ChannelHistory(name string, limit int) ([]types.Message, error) {
	m.mu.Lock()
	_, ok := m.channels[name]
	m.mu.Unlock()
	if !ok {
		return nil, ErrChannelNotFound
	}

	msgs, err := m.collect(m.chans, "chmsg:"+name+":")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Drain returns and removes an agent's parked messages, skipping any
// that expired while parked. Called when an agent reconnects.
func (m *Mailbox) Drain(agentID string) ([]types.Message, error) {
	prefix := "msg:" + agentID + ":"
	msgs, err := m.collect(m.msgs, prefix)
	if err != nil {
		return nil, err
	}
	if _, err := m.msgs.MatchDelete(prefix); err != nil {
		return nil, fmt.Errorf("draining mailbox: %w", err)
	}

	now := types.NowMs()
	live := msgs[:0]
	for _, msg := range msgs {
		if msg.ExpiresAt > now {
			live = append(live, msg)
		}
	}
	return live, nil
}

// collect loads all messages under a key prefix in key order
func (m *Mailbox) collect(table *storage.Table, prefix string) ([]types.Message, error) {
	type keyed struct {
		key string
		msg types.Message
	}
	var rows []keyed

	err := table.Fold(func(key string, value []byte) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		var msg types.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			m.logger.Warn().Str("key", key).Err(err).Msg("skipping unreadable message record")
			return nil
		}
		rows = append(rows, keyed{key: key, msg: msg})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	out := make([]types.Message, len(rows))
	for i, r := range rows {
		out[i] = r.msg
	}
	return out, nil
}

// trimChannel drops the oldest history beyond the retention cap
func (m *Mailbox) trimChannel(name string) {
	msgs, err := m.collect(m.chans, "chmsg:"+name+":")
	if err != nil || len(msgs) <= channelHistoryCap {
		return
	}
	for _, msg := range msgs[:len(msgs)-channelHistoryCap] {
		key := fmt.Sprintf("chmsg:%s:%013d:%s", name, msg.CreatedAt, msg.ID)
		if err := m.chans.Delete(key); err != nil {
			return
		}
	}
}

// Expire removes parked messages past their TTL. Called by the reaper;
// returns how many were dropped.
func (m *Mailbox) Expire(nowMs int64) int {
	expired := 0
	var stale []string

	err := m.msgs.Fold(func(key string, value []byte) error {
		if !strings.HasPrefix(key, "msg:") {
			return nil
		}
		var msg types.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			stale = append(stale, key)
			return nil
		}
		if msg.ExpiresAt <= nowMs {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0
	}

	for _, key := range stale {
		if err := m.msgs.Delete(key); err != nil {
			break
		}
		expired++
	}
	if expired > 0 {
		m.logger.Debug().Int("count", expired).Msg("expired parked messages")
	}
	return expired
}
