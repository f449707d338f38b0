/*
Package mailbox stores agent-to-agent messages and named channels.

Direct messages are pushed immediately when the recipient is connected
and parked in its mailbox otherwise; a reconnecting agent drains its
parked messages in one call. Parked messages expire after 24 hours,
swept by the reaper.

Channels are named broadcast streams any agent can create. Posts append
to a bounded history (500 messages per channel) that late readers page
through; history beyond the cap is trimmed oldest-first.

Everything persists across two dedicated tables:

	mailbox:   msg:<agent>:<ts>:<id>     parked direct messages
	channels:  channel:<name>            channel registry
	           chmsg:<channel>:<ts>:<id> channel history

Timestamps are zero-padded unix milliseconds, so lexicographic key
order is delivery order.
*/
package mailbox
