/*
Package workerpool runs a dynamic set of workers over the task queue.

Each worker polls the queue, dispatches the task to the handler
registered for its type, and classifies the outcome: success, retryable
failure (requeued with backoff by the queue), or terminal failure
(handed to the pool's failure callback, typically the dead-letter
queue). Handler panics are contained and count as terminal failures.

With auto-scaling on, a periodic evaluation compares the busy fraction
against the scale thresholds and grows or shrinks the pool inside the
configured bounds, honoring per-direction cooldowns. A worker whose
consecutive failure streak exceeds the restart threshold is replaced
with a fresh one.

Stop drains the pool: workers finish their in-flight task, no new tasks
are dequeued, and the call fails with a timeout error if the drain
exceeds the allowance.
*/
package workerpool
