package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// Verdict is the outcome of a rate limit check
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictDeny  Verdict = "deny"
)

// Decision is the result of Check
type Decision struct {
	Verdict      Verdict
	Exempt       bool
	Remaining    int64 // whole tokens left after this request
	Capacity     int64 // whole tokens
	RetryAfterMs int64 // set when denied
}

// cost of one request in milli-tokens. Tokens are stored multiplied by
// 1000 to retain sub-unit precision during refill.
const costMilli = 1000

// warnFraction triggers a warn verdict when remaining capacity drops
// below this share
const warnFraction = 0.2

// quietWindow resets the consecutive violation count after this long
// without violations
const quietWindow = 60 * time.Second

// backoffSteps is the progressive violation backoff, capped at the last
// step
var backoffSteps = []int64{1000, 2000, 5000, 10000, 30000}

// TierLimit holds one tier's bucket parameters in whole tokens
type TierLimit struct {
	Capacity     int64 `json:"capacity"`
	RefillPerMin int64 `json:"refill_per_min"`
}

// Defaults per tier, per minute
var defaultLimits = map[types.Tier]TierLimit{
	types.TierLight:  {Capacity: 120, RefillPerMin: 120},
	types.TierNormal: {Capacity: 60, RefillPerMin: 60},
	types.TierHeavy:  {Capacity: 10, RefillPerMin: 10},
}

// Override replaces the default limits for one agent, per tier
type Override map[types.Tier]TierLimit

// bucket is one lazy-refill token bucket. Each bucket has its own lock
// so checks on different keys never contend.
type bucket struct {
	mu            sync.Mutex
	tokensMilli   int64
	lastRefillMs  int64 // monotonic
	capacityMilli int64
	refillPerMin  int64 // whole tokens per minute
	lastTouchedMs int64 // monotonic, for idle pruning
}

// violation tracks an agent's rate limit violations
type violation struct {
	mu             sync.Mutex
	count          int64
	windowStartMs  int64
	consecutive    int
	lastViolation  int64 // monotonic ms
	limitedUntilMs int64 // monotonic ms
}

const (
	keyWhitelist      = "whitelist"
	keyOverridePrefix = "override:"
)

// Limiter is the token-bucket gate evaluated on every WS message and
// HTTP request. Check never routes through a single serialization
// point: buckets live in a sync.Map with per-key locking.
type Limiter struct {
	buckets    sync.Map // string -> *bucket
	violations sync.Map // agentID -> *violation

	adminMu   sync.RWMutex
	overrides map[string]Override
	whitelist map[string]bool

	config *storage.Table
	broker *events.Broker
	start  time.Time
	nowFn  func() int64 // test hook; nil means the monotonic clock
}

// New creates a limiter, loading persisted overrides and whitelist from
// the config table
func New(config *storage.Table, broker *events.Broker) (*Limiter, error) {
	l := &Limiter{
		overrides: make(map[string]Override),
		whitelist: make(map[string]bool),
		config:    config,
		broker:    broker,
		start:     time.Now(),
	}

	if config != nil {
		if data, err := config.Lookup(keyWhitelist); err == nil {
			var list []string
			if err := json.Unmarshal(data, &list); err == nil {
				for _, id := range list {
					l.whitelist[id] = true
				}
			}
		}
		err := config.Fold(func(key string, value []byte) error {
			if !strings.HasPrefix(key, keyOverridePrefix) {
				return nil
			}
			var o Override
			if err := json.Unmarshal(value, &o); err != nil {
				return nil // skip bad record, do not fail startup
			}
			l.overrides[strings.TrimPrefix(key, keyOverridePrefix)] = o
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return l, nil
}

// nowMs returns milliseconds on the limiter's monotonic clock. Wall
// clock jumps do not affect it.
func (l *Limiter) nowMs() int64 {
	if l.nowFn != nil {
		return l.nowFn()
	}
	return time.Since(l.start).Milliseconds()
}

// limitsFor resolves the effective limits for an agent and tier
func (l *Limiter) limitsFor(agentID string, tier types.Tier) TierLimit {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	if o, ok := l.overrides[agentID]; ok {
		if tl, ok := o[tier]; ok {
			return tl
		}
	}
	return defaultLimits[tier]
}

func bucketKey(agentID string, ch types.Channel, tier types.Tier) string {
	return agentID + "|" + string(ch) + "|" + string(tier)
}

// Check debits one request from the agent's bucket for the channel and
// tier. Buckets are created lazily, full, on first check.
func (l *Limiter) Check(agentID string, ch types.Channel, tier types.Tier) Decision {
	l.adminMu.RLock()
	exempt := l.whitelist[agentID]
	l.adminMu.RUnlock()
	if exempt {
		metrics.RateLimitChecks.WithLabelValues("exempt").Inc()
		return Decision{Verdict: VerdictAllow, Exempt: true}
	}

	key := bucketKey(agentID, ch, tier)
	now := l.nowMs()

	v, ok := l.buckets.Load(key)
	if !ok {
		limits := l.limitsFor(agentID, tier)
		nb := &bucket{
			tokensMilli:   limits.Capacity * 1000,
			lastRefillMs:  now,
			capacityMilli: limits.Capacity * 1000,
			refillPerMin:  limits.RefillPerMin,
		}
		v, _ = l.buckets.LoadOrStore(key, nb)
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Lazy refill from elapsed monotonic time
	elapsed := now - b.lastRefillMs
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := b.tokensMilli + elapsed*b.refillPerMin*1000/60000
	if refilled > b.capacityMilli {
		refilled = b.capacityMilli
	}
	b.lastRefillMs = now
	b.lastTouchedMs = now

	if refilled >= costMilli {
		b.tokensMilli = refilled - costMilli
		d := Decision{
			Verdict:   VerdictAllow,
			Remaining: b.tokensMilli / 1000,
			Capacity:  b.capacityMilli / 1000,
		}
		if float64(b.tokensMilli) < float64(b.capacityMilli)*warnFraction {
			d.Verdict = VerdictWarn
		}
		metrics.RateLimitChecks.WithLabelValues(string(d.Verdict)).Inc()
		return d
	}

	b.tokensMilli = refilled
	deficit := costMilli - refilled
	ratePerMin := b.refillPerMin * 1000 // milli-tokens per minute
	retryAfter := (deficit*60000 + ratePerMin - 1) / ratePerMin
	metrics.RateLimitChecks.WithLabelValues("deny").Inc()
	return Decision{
		Verdict:      VerdictDeny,
		Remaining:    0,
		Capacity:     b.capacityMilli / 1000,
		RetryAfterMs: retryAfter,
	}
}

// RecordViolation tracks a denied request and returns the progressive
// backoff the agent must honor. Consecutive violations climb the
// backoff curve; a 60 second quiet window resets it.
func (l *Limiter) RecordViolation(agentID string) int64 {
	now := l.nowMs()

	v, _ := l.violations.LoadOrStore(agentID, &violation{windowStartMs: now})
	viol := v.(*violation)

	viol.mu.Lock()
	if now-viol.lastViolation > quietWindow.Milliseconds() {
		viol.consecutive = 0
		viol.windowStartMs = now
	}
	viol.consecutive++
	viol.count++
	viol.lastViolation = now

	step := viol.consecutive - 1
	if step >= len(backoffSteps) {
		step = len(backoffSteps) - 1
	}
	retryAfter := backoffSteps[step]
	viol.limitedUntilMs = now + retryAfter
	consecutive := viol.consecutive
	viol.mu.Unlock()

	logger := log.WithAgentID(agentID)
	logger.Warn().
		Int("consecutive", consecutive).
		Int64("retry_after_ms", retryAfter).
		Msg("rate limit violation")
	if l.broker != nil {
		l.broker.Publish(events.TopicRateLimits, events.EventRateLimitViolation, map[string]string{
			"agent_id":       agentID,
			"retry_after_ms": fmt.Sprintf("%d", retryAfter),
		})
	}
	return retryAfter
}

// RateLimited reports whether the agent is inside a violation backoff.
// The scheduler uses this to skip throttled agents.
func (l *Limiter) RateLimited(agentID string) bool {
	v, ok := l.violations.Load(agentID)
	if !ok {
		return false
	}
	viol := v.(*violation)
	viol.mu.Lock()
	defer viol.mu.Unlock()
	return viol.limitedUntilMs > l.nowMs()
}

// SetOverride replaces the agent's limits, persists them and resets the
// agent's buckets so the new limits apply immediately
func (l *Limiter) SetOverride(agentID string, o Override) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if l.config != nil {
		if err := l.config.Insert(keyOverridePrefix+agentID, data); err != nil {
			return err
		}
	}

	l.adminMu.Lock()
	l.overrides[agentID] = o
	l.adminMu.Unlock()

	l.resetBuckets(agentID)
	return nil
}

// RemoveOverride restores the agent to default limits
func (l *Limiter) RemoveOverride(agentID string) error {
	if l.config != nil {
		if err := l.config.Delete(keyOverridePrefix + agentID); err != nil {
			return err
		}
	}

	l.adminMu.Lock()
	delete(l.overrides, agentID)
	l.adminMu.Unlock()

	l.resetBuckets(agentID)
	return nil
}

// UpdateWhitelist replaces the exempt agent list
func (l *Limiter) UpdateWhitelist(agentIDs []string) error {
	if err := l.persistWhitelist(agentIDs); err != nil {
		return err
	}

	l.adminMu.Lock()
	l.whitelist = make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		l.whitelist[id] = true
	}
	l.adminMu.Unlock()
	return nil
}

// AddToWhitelist exempts one agent
func (l *Limiter) AddToWhitelist(agentID string) error {
	l.adminMu.Lock()
	l.whitelist[agentID] = true
	list := l.whitelistLocked()
	l.adminMu.Unlock()
	return l.persistWhitelist(list)
}

// RemoveFromWhitelist removes one agent's exemption
func (l *Limiter) RemoveFromWhitelist(agentID string) error {
	l.adminMu.Lock()
	delete(l.whitelist, agentID)
	list := l.whitelistLocked()
	l.adminMu.Unlock()

	l.resetBuckets(agentID)
	return l.persistWhitelist(list)
}

// Whitelist returns the current exempt agent ids
func (l *Limiter) Whitelist() []string {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.whitelistLocked()
}

func (l *Limiter) whitelistLocked() []string {
	list := make([]string, 0, len(l.whitelist))
	for id := range l.whitelist {
		list = append(list, id)
	}
	return list
}

func (l *Limiter) persistWhitelist(list []string) error {
	if l.config == nil {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return l.config.Insert(keyWhitelist, data)
}

// resetBuckets drops every bucket belonging to the agent so the next
// check recreates them with current limits
func (l *Limiter) resetBuckets(agentID string) {
	prefix := agentID + "|"
	l.buckets.Range(func(key, _ any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			l.buckets.Delete(key)
		}
		return true
	})
}

// BucketStatus is one bucket's snapshot for admin inspection
type BucketStatus struct {
	Key          string `json:"key"`
	Tokens       int64  `json:"tokens"`
	Capacity     int64  `json:"capacity"`
	RefillPerMin int64  `json:"refill_per_min"`
}

// AgentRateStatus returns the agent's buckets and violation state
func (l *Limiter) AgentRateStatus(agentID string) map[string]any {
	status := map[string]any{
		"agent_id":     agentID,
		"exempt":       false,
		"rate_limited": l.RateLimited(agentID),
	}

	l.adminMu.RLock()
	status["exempt"] = l.whitelist[agentID]
	if o, ok := l.overrides[agentID]; ok {
		status["override"] = o
	}
	l.adminMu.RUnlock()

	var buckets []BucketStatus
	prefix := agentID + "|"
	l.buckets.Range(func(key, value any) bool {
		k := key.(string)
		if !strings.HasPrefix(k, prefix) {
			return true
		}
		b := value.(*bucket)
		b.mu.Lock()
		buckets = append(buckets, BucketStatus{
			Key:          k,
			Tokens:       b.tokensMilli / 1000,
			Capacity:     b.capacityMilli / 1000,
			RefillPerMin: b.refillPerMin,
		})
		b.mu.Unlock()
		return true
	})
	status["buckets"] = buckets

	if v, ok := l.violations.Load(agentID); ok {
		viol := v.(*violation)
		viol.mu.Lock()
		status["violations"] = map[string]any{
			"count":       viol.count,
			"consecutive": viol.consecutive,
		}
		viol.mu.Unlock()
	}
	return status
}

// SystemRateSummary returns bucket and violation counts across all agents
func (l *Limiter) SystemRateSummary() map[string]any {
	buckets := 0
	l.buckets.Range(func(_, _ any) bool {
		buckets++
		return true
	})

	violations := 0
	limited := 0
	now := l.nowMs()
	l.violations.Range(func(_, value any) bool {
		viol := value.(*violation)
		viol.mu.Lock()
		violations++
		if viol.limitedUntilMs > now {
			limited++
		}
		viol.mu.Unlock()
		return true
	})

	l.adminMu.RLock()
	whitelisted := len(l.whitelist)
	overrides := len(l.overrides)
	l.adminMu.RUnlock()

	return map[string]any{
		"buckets":        buckets,
		"violations":     violations,
		"limited_agents": limited,
		"whitelisted":    whitelisted,
		"overrides":      overrides,
	}
}

// Prune drops buckets idle past the TTL and violation records past the
// quiet window. Called by the reaper.
func (l *Limiter) Prune(bucketTTL time.Duration) (buckets, violations int) {
	now := l.nowMs()

	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := now-b.lastTouchedMs > bucketTTL.Milliseconds()
		b.mu.Unlock()
		if idle {
			l.buckets.Delete(key)
			buckets++
		}
		return true
	})

	l.violations.Range(func(key, value any) bool {
		viol := value.(*violation)
		viol.mu.Lock()
		stale := now-viol.lastViolation > quietWindow.Milliseconds() && viol.limitedUntilMs <= now
		viol.mu.Unlock()
		if stale {
			l.violations.Delete(key)
			violations++
		}
		return true
	})
	return buckets, violations
}
