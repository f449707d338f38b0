/*
Package hub drives AgentCom's behavioral state machine, system health
aggregation and operator alerts.

# Hub FSM

The hub is always in exactly one of five states:

	             ┌──────────────────────────────┐
	             │                              │
	   ┌─────────▼┐    goals     ┌───────────┐  │
	   │ resting  │─────────────▶│ executing │  │
	   └──────────┘              └───────────┘  │
	     ▲   ▲  ▲                    │          │
	     │   │  └──────┐             │          │
	     │   │    ┌────┴──────┐ ┌────▼──────┐   │
	     │   │    │contempla- │ │ improving │   │
	     │   │    │ting       │ └───────────┘   │
	     │   │    └───────────┘                 │
	     │   └───────────── any state ──────────┘
	     │                        │
	     │                   ┌────▼────┐
	     └───────────────────│ healing │
	        health recovered └─────────┘

Healing is the funnel: every state can enter it when system health goes
critical, and it exits only to resting. A 1s ticker gathers a snapshot
(active goals, aggregated health, budget headroom) and applies at most
one transition per tick through a pure rule function. A watchdog forces
any state back to resting after two hours without a transition.

Operators can pause automatic evaluation, resume it, and force
transitions; forced transitions still have to be legal edges in the
graph. The last 200 transitions are kept with reason, cycle count and
a forced flag.

# Health Aggregation

HealthAggregator collects per-component health reports and folds them
into one assessment with worst-wins semantics: any critical component
makes the system critical. Storage corruption and write-unavailable
events mark the storage component critical; a successful restore clears
it. The FSM reads the assessment every tick, and /ready serves it.

# Alerts

AlertManager evaluates named rules every 30 seconds. A firing rule
raises (or refreshes) one alert keyed by rule name; a rule that stops
firing clears its alert on the next pass. Operators acknowledge alerts
through the API; acknowledged alerts stay listed until resolved. The
stock rules watch the dead letter backlog, queue depth, queued work
with no agents online, and critical storage health.
*/
package hub
