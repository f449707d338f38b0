/*
Package queue implements AgentCom's durable task queue with generation
fencing, retries and a dead letter table.

Tasks are the unit of schedulable work. The queue exclusively owns task
state: every lifecycle mutation goes through it, is persisted before the
in-memory cache updates, and is announced on the event bus. Other
components hold task IDs and read snapshots.

# Task Lifecycle

	            Submit
	              │
	              ▼
	          ┌────────┐   Assign    ┌──────────┐  Accept   ┌─────────┐
	          │ queued │────────────▶│ assigned │──────────▶│ working │
	          └────────┘             └──────────┘           └─────────┘
	              ▲                       │                      │
	              │        Reclaim        │                      │
	              ├───────────────────────┴──────────────────────┤
	              │                                              │
	              │  Fail (retries left)                         │
	              ├──────────────────────────────────────────────┤
	              │                                              ▼
	              │  Fail (retries exhausted)              ┌───────────┐
	              └─────────────────────────────────────▶  │ completed │
	                          │                            └───────────┘
	                          ▼
	                   ┌─────────────┐    Retry
	                   │ dead_letter │──────────▶ queued (fresh retry budget)
	                   └─────────────┘

Cancelled is reachable from any non-terminal state. Terminal states
(completed, failed, dead_letter, cancelled) never transition again.

# Generation Fencing

Every task carries a generation counter, bumped on Assign and on
Reclaim. Lifecycle frames from agents must echo the generation they
received at assignment; a frame carrying a stale generation is the echo
of an assignment that no longer exists and is rejected with
ErrStaleGeneration. This makes reconnect races safe: a task reclaimed
from a silent agent and reassigned elsewhere cannot be completed by the
original agent's late frames.

# Ordering

ReadyTasks returns queued tasks whose dependencies are satisfied, in
strict priority order (urgent < high < normal < low) with FIFO ordering
inside a priority band. Dependencies are task IDs that must reach
completed before the dependent becomes ready.

# Dead Letter

A task that exhausts MaxRetries moves to the dead letter table, a
separate bolt file. Retry moves it back to queued with a fresh retry
budget but its old generation preserved, so any frames still in flight
from its past life stay fenced out. If a crash leaves a task present in
both tables, startup resolution trusts the dead letter copy.

# Usage

	q, err := queue.New(tasksTable, deadLetterTable, broker)
	task, err := q.Submit(queue.SubmitParams{
		Description: "run the soak test",
		Priority:    types.PriorityHigh,
	})

	task, err = q.Assign(task.ID, "agent-7")
	task, err = q.Accept(task.ID, "agent-7", task.Generation)
	task, err = q.Complete(task.ID, "agent-7", task.Generation, "all green")

Events published on the tasks topic: task_submitted, task_assigned,
task_accepted, task_progress, task_completed, task_failed,
task_reclaimed, task_dead_letter, task_cancelled. The scheduler and the
agent registry subscribe.
*/
package queue
