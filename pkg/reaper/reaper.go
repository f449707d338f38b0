package reaper

import (
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/mailbox"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// defaultInterval is the sweep cadence
const defaultInterval = 10 * time.Second

// bucketTTL is how long an untouched rate bucket survives
const bucketTTL = time.Hour

// Reaper is the hub's periodic janitor: it sweeps agent heartbeats,
// expires parked mailbox messages, prunes idle rate buckets and fails
// tasks past their deadline. Each sweep does a bounded amount of work
// and logs only when it found something.
type Reaper struct {
	registry *agent.Registry
	mailbox  *mailbox.Mailbox
	limiter  *ratelimit.Limiter
	queue    *queue.TaskQueue

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a reaper. Any dependency may be nil; its sweep is
// skipped.
func New(registry *agent.Registry, mb *mailbox.Mailbox, limiter *ratelimit.Limiter, q *queue.TaskQueue, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reaper{
		registry: registry,
		mailbox:  mb,
		limiter:  limiter,
		queue:    q,
		interval: interval,
		logger:   log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the loop
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs one pass over everything with a deadline
func (r *Reaper) Sweep() {
	now := types.NowMs()

	if r.registry != nil {
		timedOut, evicted := r.registry.SweepHeartbeats(now)
		if timedOut > 0 || evicted > 0 {
			r.logger.Info().Int("timed_out", timedOut).Int("evicted", evicted).Msg("heartbeat sweep")
		}
	}

	if r.queue != nil {
		expired := r.queue.ExpireOverdue(now)
		if len(expired) > 0 {
			r.logger.Info().Strs("task_ids", expired).Msg("expired overdue tasks")
		}
	}

	if r.mailbox != nil {
		if dropped := r.mailbox.Expire(now); dropped > 0 {
			r.logger.Debug().Int("count", dropped).Msg("mailbox expiry sweep")
		}
	}

	if r.limiter != nil {
		buckets, violations := r.limiter.Prune(bucketTTL)
		if buckets > 0 || violations > 0 {
			r.logger.Debug().Int("buckets", buckets).Int("violations", violations).Msg("rate bucket prune")
		}
	}
}
