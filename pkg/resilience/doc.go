/*
Package resilience bundles the error-handling machinery shared by the
ingestion pipeline and the checkpoint runner: retry with exponential
backoff and jitter, a circuit breaker over flaky backends, a bounded
dead-letter queue, and rate-limited error reporting.

Retry classification follows pkg/errs: transient and durable service
failures retry, while validation, consistency, and business errors are
permanent. Breaker state is per-process and intentionally not shared
across replicas.
*/
package resilience
