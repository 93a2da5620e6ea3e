/*
Package rollback captures pre-change state as rollback points, diffs it
against the current graph, and reverses drift under a chosen strategy.

A point pairs captured entities and relationships with typed snapshots
(entity, relationship, session state). The diff engine emits one entry
per changed path; strategies decide which entries to reverse: full takes
everything, partial filters by selections, time-based filters by change
window, and dry run only reports what would happen. When current state
moved again after the diff was generated, the conflict engine resolves
per policy (abort, skip, overwrite, smart merge, or manual).

Operations run one-per-point through a small state machine
(PENDING, IN_PROGRESS, then COMPLETED, FAILED, or CANCELLED) with
progress and a log. Points and snapshots persist in memory or BoltDB;
expired points are swept periodically, snapshots cascading with them.
*/
package rollback
