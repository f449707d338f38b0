/*
Package metrics defines AgentCom's Prometheus instrumentation.

All collectors are package-level vars registered in init() and served
at /metrics via Handler(). Naming follows the agentcom_ prefix with
subsystem-qualified metric names:

	agentcom_tasks_total{status}          queue depth by status
	agentcom_agents_total{state}          connected agents by FSM state
	agentcom_hub_state{state}             one-hot current hub state
	agentcom_hub_transitions_total{to}    hub transitions by target
	agentcom_scheduler_attempts_total     scheduling passes
	agentcom_rate_limit_checks_total{verdict}
	agentcom_budget_denials_total{hub_state}
	agentcom_store_corruptions_total{table}

SetHubState keeps the hub state gauge one-hot so dashboards can render
the current state without max-over-labels tricks.
*/
package metrics
