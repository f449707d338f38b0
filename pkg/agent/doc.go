/*
Package agent manages sidecar connections: onboarding tokens, the
websocket session protocol, per-agent FSMs and the connected-agent
registry.

# Architecture

	  sidecar ──── ws ────┐
	                      ▼
	┌───────────────────────────────────────────────┐
	│                SessionHandler                 │
	│  - upgrades /ws, enforces identify-first      │
	│  - read loop: rate check → HandleFrame        │
	│  - write loop: drains per-agent send buffer   │
	└──────────────────────┬────────────────────────┘
	                       │ frames
	┌──────────────────────▼────────────────────────┐
	│                  Registry                     │
	│  - one Agent record per connection            │
	│  - drives the per-agent FSM                   │
	│  - reclaims tasks on disconnect/timeout       │
	│  - heartbeat sweep + offline grace eviction   │
	└──────────────────────┬────────────────────────┘
	                       │
	          ┌────────────┼────────────┐
	          ▼            ▼            ▼
	       queue        mailbox      event bus

# Agent FSM

	idle ──▶ assigned ──▶ working ──▶ idle
	  │          │            │
	  └──────────┴────────────┴──▶ offline

Transitions are driven by inbound frames (task_accepted moves assigned
to working, terminal frames return to idle) and by liveness (disconnect
or heartbeat timeout freezes the FSM offline). Offline records survive
a grace period so a reconnecting agent can reconcile, then the reaper
evicts them.

# Protocol

All frames are JSON objects discriminated by a type field. Inbound:
identify, ping, task_accepted, task_progress, task_complete,
task_failed, state_report, message, channel_create. Outbound:
identified, pong, error, task_assign, task_cancel, rate_limit_warning,
rate_limited, message_deliver.

The first frame on a fresh socket must be identify, carrying the agent
id and its onboarding token; everything else gets an error frame and a
closed socket. Task lifecycle frames must echo the generation received
in task_assign.

# Reconnect Reconciliation

A reconnecting agent sends a state_report claiming the task it believes
it holds. The registry compares the claim against the queue's truth: a
matching assignment (same agent, same generation) is reattached and the
FSM adopts the corresponding state; a stale claim is dropped, since the
task has already been reclaimed and possibly reassigned.

# Onboarding

	POST /api/v1/onboard {"agent_id": "builder-3"}

TokenManager issues a 64-hex-char bearer token per agent id, persisted
in the config table. The token authenticates both the websocket
identify and every HTTP API call.

# Backpressure

Each connection owns a bounded send buffer drained by its write loop.
Pushes never block: a full buffer fails the push, and for assignments
that failure reclaims the task rather than wedging the scheduler.
*/
package agent
