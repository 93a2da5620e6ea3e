/*
Package queue implements the partitioned task queue feeding the worker pool.

Each partition keeps two heaps: a ready heap ordered by (priority, enqueue
time) and a delayed heap ordered by NotBefore, so retry-scheduled tasks
surface only once eligible. Partition selection follows the configured
strategy: round_robin (default), hash over the partition key, or priority
(partition index = task priority).

Backpressure sheds best-effort traffic (priority > 2) with QUEUE_OVERFLOW
once total depth crosses the threshold; priority 0-2 is always accepted.
Requeue applies exponential backoff with jitter, capped at the configured
maximum; a task that exhausts its retries is handed back to the caller for
dead-lettering rather than re-entering the queue.
*/
package queue
