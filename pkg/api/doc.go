/*
Package api serves AgentCom's HTTP surface: the versioned JSON API, the
sidecar websocket endpoint, GitHub webhooks, health checks and metrics.

# Surfaces

	GET  /health                liveness (always 200 while up)
	GET  /ready                 readiness from the health aggregator
	GET  /metrics               Prometheus exposition
	POST /api/v1/onboard        issue an agent token (unauthenticated)
	POST /api/webhooks/github   HMAC-verified GitHub deliveries
	GET  /ws                    sidecar websocket sessions
	/api/v1/...                 bearer-authenticated JSON API

The authenticated API covers tasks, goals, agents, messaging, hub
control (status, history, forced transitions, pause/resume), the cost
ledger, alerts and the admin plane (rate limit overrides, whitelist,
backup/compact/restore, storage health, webhook history).

# Middleware

Requests flow through observe → authenticate → rateLimit → handler.
Authentication resolves the bearer token to an agent id and stores it
on the request context. Rate limiting charges the agent's HTTP bucket
by tier: reads are light, mutations are normal, and onboarding, task
submission and channel creation are heavy.
Denied requests get 429 with Retry-After in whole seconds; warned
requests carry an X-RateLimit-Warning header.

# Conventions

Responses are JSON. Errors use a uniform envelope:

	{"error": "task not found"}

Validation failures return 422 with field-level messages:

	{"error": "validation_failed", "errors": ["description is required"]}

Conflicts with a state machine (illegal goal transition, cancelling a
terminal task, forcing an illegal hub edge) return 409.

# Webhooks

GitHub deliveries are verified against the shared secret using the
X-Hub-Signature-256 HMAC header. Ping gets a pong; opened or reopened
issues become backlog goals; pushes to registered repositories wake the
hub into its configured work state; everything else is recorded and
ignored. The last 100 deliveries are kept in memory for the admin
plane.
*/
package api
