/*
Package scheduler matches ready tasks to idle agents.

The scheduler is event-driven with a periodic safety net: task and
presence events wake it, a 5s tick covers dropped events. A pass takes
ready tasks in strict priority-then-FIFO order and idle agents in
least-recently-assigned order, matching each task to the first idle
agent whose capability set covers its needs. There is no backtracking;
an unmatched task simply stays queued for the next pass, and a
capability-blocked task at the head does not starve matchable tasks
behind it.

Assignment is persist-then-push: the queue records the assignment (and
bumps the task's generation) before the frame goes to the agent's
socket, and any push failure reclaims the task immediately.
*/
package scheduler
