/*
Package backlog manages goals: high-level objectives decomposed into
child tasks and tracked through an explicit lifecycle.

# Goal Lifecycle

	submitted ──▶ decomposing ──▶ executing ──▶ verifying ──▶ complete
	                  │               ▲             │
	                  │               └─────────────┘
	                  │          (verification found gaps)
	                  ▼
	                failed

Transitions outside the graph are rejected. Verifying may loop back to
executing when verification finds unmet criteria; decomposing records
the child task IDs created for the goal. Failed is reachable from
decomposing, executing and verifying.

Goals arrive from the API, the CLI or internally (GitHub issue
webhooks). Every goal needs a description and at least one success
criterion; criteria are what the verifying phase checks against.

Stats() feeds the hub FSM: the count of active goals (anything not
complete or failed) is what pulls the hub out of resting.
*/
package backlog
