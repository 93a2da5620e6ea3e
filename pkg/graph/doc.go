/*
Package graph defines the contract to the external graph service and the
write adapter used by the batch processor.

The graph database itself is out of scope: only its abstract operations
are modeled here (individual and bulk writes, checkpoint operations, and
the Cypher-like QueryExecutor). The WriteAdapter prefers native bulk
operations when the backing service provides them and otherwise falls
back to chunked individual writes with bounded concurrency, collecting
per-item outcomes so partial failures stay addressable.

MemoryService is the in-memory fake backing the test suites; it counts
writes and supports scripted per-operation failures.
*/
package graph
