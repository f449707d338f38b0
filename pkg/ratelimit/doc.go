/*
Package ratelimit implements per-agent token bucket rate limiting with
tiers, violation backoff, whitelisting and per-agent overrides.

# Buckets

Buckets are keyed by (agent, channel, tier), so websocket and HTTP
traffic throttle independently and a heavy operation cannot starve an
agent's pings. Tiers classify request cost:

	light:  120 capacity, 120/min   (pings, reads, state reports)
	normal:  60 capacity,  60/min   (task lifecycle, messages)
	heavy:   10 capacity,  10/min   (identify, onboard, task submit, channel create)

Refill is lazy and computed in milli-tokens from a monotonic clock, so
wall clock jumps cannot mint or destroy tokens. A check that would
leave the bucket under 20% of capacity passes with a warning verdict;
a check against an empty bucket is denied with a retry-after covering
the deficit at the tier's refill rate.

# Violations

Each denied request that the caller reports via RecordViolation climbs
an escalating backoff ladder: 1s, 2s, 5s, 10s, 30s. Sixty seconds of
quiet resets the ladder. While backoff is active, RateLimited(agent)
reports true and the scheduler skips the agent for new assignments.

# Administration

The whitelist exempts agent ids entirely; overrides replace the default
tier shapes for one agent. Both are persisted in a dedicated table and
survive restart. The reaper prunes buckets and violation records idle
past a TTL, keeping memory proportional to active agents.

# Usage

	l, _ := ratelimit.New(configTable, broker)
	d := l.Check("agent-7", types.ChannelWS, types.TierNormal)
	switch d.Verdict {
	case ratelimit.VerdictDeny:
		retryMs := l.RecordViolation("agent-7")
		// tell the caller to come back later
	case ratelimit.VerdictWarn:
		// pass through, attach a warning
	}
*/
package ratelimit
