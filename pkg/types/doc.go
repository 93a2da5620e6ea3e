/*
Package types defines the core data structures shared across the ingestion
and session subsystem.

It contains the domain model for change events, queue tasks, change
fragments, graph entities and relationships, agent sessions and their
ordered event logs, checkpoint jobs, and rollback points with their
snapshots and diffs.

# Conventions

  - Enumerations are typed string constants (TaskType, EntityType, ...).
  - Entity IDs are content-and-path derived (see pkg/identity); the same
    logical element yields the same id across ingestion runs.
  - Relationship IDs are canonical over (from, type, to[, discriminator]).
  - Session events are strictly ordered by Seq, starting at 1, gap-free.
  - All persisted types carry JSON tags; stores serialize them as JSON.

Mutations are not synchronized here; callers own locking. The stores
(pkg/session, pkg/checkpoint, pkg/rollback) serialize persisted state.
*/
package types
