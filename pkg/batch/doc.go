/*
Package batch turns streams of entities, relationships, embeddings, and
change fragments into bounded graph writes.

Plain batches are chunked to the configured per-type size and guarded by
an idempotency key over the sorted item ids: re-submitting the same id
set within the key TTL is a no-op and is counted, not written.

Fragment batches are grouped by their source event. Each event's
dependency hints form a DAG that is topologically layered before any
write happens; a cycle rejects the call with DEPENDENCY_CYCLE and zero
writes. Layers execute in order, entities and embeddings before the
relationships that reference them, except relationships explicitly
marked deferred. Events execute concurrently up to the configured batch
concurrency.

Partial failures surface as a ProcessingError listing the failed items,
so the caller can retry items individually or re-submit the batch.
*/
package batch
