/*
Package events provides the in-process fan-out used by the pipeline,
checkpoint runner, and rollback manager to announce lifecycle events.

The Broker carries a fixed set of typed channels (job, batch, rollback,
metrics, cleanup, overflow). Delivery is best-effort: slow subscribers
are skipped rather than allowed to block producers.
*/
package events
