/*
Package session implements the collaborative session layer: the durable
store contract, an in-memory backend, a Redis backend, the write-side
manager, and the read-side bridge into the knowledge graph.

The store keeps a session record plus an ordered, gap-free event log per
session, with independent TTLs on both. It is the sequence authority:
appends are CAS-style and reject any seq that is not exactly lastSeq+1.
The manager layers a per-process counter on top as an optimization,
re-priming from the store when another process has appended. Every
checkpointInterval events the manager snapshots recent activity into a
checkpoint job and lets the runner materialize it asynchronously.

The bridge joins session events with graph queries: transition
detection, per-agent isolation, handoff context, entity-scoped session
lookup, and aggregates. All graph access is best-effort; without a
reachable graph the bridge returns the session-only subset.
*/
package session
