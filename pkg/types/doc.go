/*
Package types defines the shared domain types of the AgentCom hub:
tasks and their priorities and lifecycle statuses, goals, agent and hub
FSM states, rate limit tiers and channels, mailbox messages and the
cost ledger's invocation record.

Types here are plain data with JSON tags; behavior lives with the
owning package (the queue owns task transitions, the registry owns
agent FSMs, the hub owns its state graph). Timestamps are unix
milliseconds throughout.
*/
package types
