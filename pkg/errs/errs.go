package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a failure class to callers
type Code string

const (
	CodeQueueOverflow       Code = "QUEUE_OVERFLOW"
	CodeCircuitOpen         Code = "CIRCUIT_BREAKER_OPEN"
	CodeDependencyCycle     Code = "DEPENDENCY_CYCLE"
	CodeIdempotentReplay    Code = "IDEMPOTENT_REPLAY"
	CodeSequenceReplay      Code = "SEQUENCE_REPLAY"
	CodeSequenceGap         Code = "SEQUENCE_GAP"
	CodeSessionExists       Code = "SESSION_EXISTS"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeRollbackNotFound    Code = "ROLLBACK_NOT_FOUND"
	CodeOperationInProgress Code = "OPERATION_IN_PROGRESS"
	CodeCheckpointMissing   Code = "CHECKPOINT_MISSING"
	CodeUnknownTaskType     Code = "UNKNOWN_TASK_TYPE"
	CodeValidation          Code = "VALIDATION"
	CodeTimeout             Code = "TIMEOUT"
	CodeUnavailable         Code = "SERVICE_UNAVAILABLE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeConflictUnresolved  Code = "CONFLICT_UNRESOLVED"
	CodeDLQOverflow         Code = "DLQ_OVERFLOW"
	CodeRetriesExhausted    Code = "RETRIES_EXHAUSTED"
	CodeInternal            Code = "INTERNAL"
)

// Kind is the error taxonomy used by retry and propagation policy
type Kind int

const (
	KindValidation Kind = iota // malformed input, unknown enum: not retryable
	KindTransient              // timeout, reset, unavailable: retryable
	KindDurable                // service down, query exception: retryable with breaker
	KindCapacity               // queue/DLQ overflow: backpressure, not retried in place
	KindConsistency            // idempotency violation, seq replay, dep cycle
	KindProgrammer             // unknown task type, missing handler
	KindBusiness               // session/rollback/checkpoint not found
)

// Error is the structured error surfaced to callers.
// Retryable=true suggests the caller may reissue the operation.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter time.Duration          `json:"retry_after,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *Error) Unwrap() error { return e.cause }

// New builds a structured error
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: retryableCode(code)}
}

// Newf builds a structured error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a structured code to an underlying error
func Wrap(code Code, msg string, cause error) *Error {
	e := New(code, msg)
	e.cause = cause
	return e
}

// WithDetail adds a detail field and returns the same error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter marks the error rate-limited with a suggested delay
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	e.Retryable = true
	return e
}

func retryableCode(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeRateLimited:
		return true
	}
	return false
}

// CodeOf extracts the structured code, or CodeInternal for plain errors
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// KindOf maps an error onto the taxonomy
func KindOf(err error) Kind {
	switch CodeOf(err) {
	case CodeValidation, CodeUnknownTaskType:
		return KindValidation
	case CodeTimeout, CodeUnavailable, CodeRateLimited:
		return KindTransient
	case CodeQueueOverflow, CodeDLQOverflow, CodeRetriesExhausted:
		return KindCapacity
	case CodeDependencyCycle, CodeIdempotentReplay, CodeSequenceReplay, CodeSequenceGap:
		return KindConsistency
	case CodeSessionExists, CodeSessionNotFound, CodeRollbackNotFound,
		CodeCheckpointMissing, CodeOperationInProgress, CodeConflictUnresolved:
		return KindBusiness
	case CodeCircuitOpen:
		return KindDurable
	}
	return KindDurable
}

// IsRetryable reports whether the error kind permits an in-place retry.
// Plain (non-structured) errors are treated as durable service failures
// and retried, matching the policy that only explicit validation,
// consistency, and business errors short-circuit retries.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch KindOf(e) {
		case KindTransient, KindDurable:
			return true
		}
		return e.Retryable
	}
	return true
}
