/*
Package reaper runs the hub's periodic janitor sweep.

Every 10 seconds it sweeps agent heartbeats (timing out silent agents
and evicting offline records past their grace period), fails tasks past
their completion deadline, expires parked mailbox messages, and prunes
idle rate limit buckets. Any dependency may be nil; its sweep is
skipped, which keeps tests and partial deployments simple.
*/
package reaper
