// Package pipeline orchestrates high-throughput ingestion. Change events
// are priority-ranked and enqueued as parse tasks; the worker pool expands
// them into fragments and drives the batch processor, with the retry
// policy, circuit breaker, and dead-letter queue governing failures. An
// optional fsnotify watcher feeds events from a directory tree, and a
// metrics loop raises threshold alerts to event subscribers.
package pipeline
