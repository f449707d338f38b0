/*
Package events provides the hub's in-process publish/subscribe bus.

The broker fans events out by topic to buffered subscriber channels.
Publishing never blocks: a saturated bus or a full subscriber buffer
drops the event and counts it. Events are advisory wake-ups and
telemetry, never the source of truth; every consumer can rebuild its
view from durable state, so a dropped event costs at most a little
latency until the next periodic pass.

# Topics

	tasks        task lifecycle (submitted, assigned, completed, ...)
	goals        goal submissions and transitions
	hub_fsm      hub behavioral state changes
	rate_limits  violations
	presence     agent connect/disconnect/idle, channel posts
	system       storage corruption/restore, scheduler telemetry

# Usage

	broker := events.NewBroker()
	broker.Start()

	sub := broker.Subscribe(events.TopicTasks)
	go func() {
		for ev := range sub {
			// react
		}
	}()

	broker.Publish(events.TopicTasks, events.EventTaskSubmitted,
		map[string]string{"task_id": task.ID})

Subscribers that fall behind lose events rather than slow publishers;
consumers pair their subscription with a periodic tick (the scheduler's
safety-net pass, the maintainer's backup timer) to cover drops.
*/
package events
