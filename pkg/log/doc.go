/*
Package log provides structured logging built on zerolog.

Init configures the process-wide logger from config; packages obtain child
loggers via WithComponent and the id helpers (WithSessionID, WithTaskID,
WithJobID) so every line carries its origin. Daemon mode emits JSON; the
console writer is used interactively.
*/
package log
