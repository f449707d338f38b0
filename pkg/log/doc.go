/*
Package log provides structured logging for AgentCom built on zerolog.

Init configures the global logger once at startup (level, JSON or
console output); everything else derives child loggers from it. The
convention throughout the hub is one component-scoped logger per
subsystem:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", id).Msg("assignment failed")

WithAgentID, WithTaskID and WithGoalID attach the corresponding
correlation field, so a grep for one agent or task id crosses component
boundaries. JSON output is the production default; console output is
for humans at a terminal.
*/
package log
