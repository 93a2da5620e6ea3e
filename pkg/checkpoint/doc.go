/*
Package checkpoint runs durable background jobs that materialize graph
checkpoints from session activity.

A job walks a fixed sequence against the graph: annotate the session's
relationships as pending, create the checkpoint from the seed entities,
re-annotate with the real checkpoint id, then link session to
checkpoint. Failures retry with a fixed delay up to the configured
attempt budget; a job that exhausts it is dead-lettered, any orphan
checkpoint it created is deleted, and the session link is downgraded to
manual_intervention for operators.

Jobs for one session run strictly in submission order while distinct
sessions proceed in parallel up to the configured concurrency. Job state
is persisted through a JobStore (SQLite or in-memory) on every status
change, so queued and mid-retry jobs survive a crash and rehydrate on
the next start.
*/
package checkpoint
