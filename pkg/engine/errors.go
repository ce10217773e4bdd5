package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: session timeouts, an executor reporting a failed attempt.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the executor backend.
	// Should be retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a lease or version conflict in the state store.
	// Retried after reloading the latest state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: dependency cycles, malformed executor output.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Item is the work item ID that caused the error, if applicable.
	Item string `json:"item,omitempty"`

	// Phase is the lifecycle phase being executed when the error occurred.
	Phase Phase `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Item != "" && e.Phase != "":
		msg = fmt.Sprintf("%s (item=%s, phase=%s)", msg, e.Item, e.Phase)
	case e.Item != "":
		msg = fmt.Sprintf("%s (item=%s)", msg, e.Item)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewGraphError creates a permanent error describing an invalid dependency graph.
func NewGraphError(code, message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(code)
}

// NewStateConflictError creates a conflict error for a lease held by another writer.
func NewStateConflictError(key, holder string) *EngineError {
	return NewConflictError("lease is held by another writer", nil).
		WithCode(ErrCodeStateConflict).
		WithDetail("key", key).
		WithDetail("holder", holder)
}

// NewStructuralError creates a permanent executor error. Structural failures are
// never retried.
func NewStructuralError(code, message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(code)
}

// WithItem adds work item context to an error.
func (e *EngineError) WithItem(itemID string) *EngineError {
	e.Item = itemID
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
// Context deadline expiry counts as transient: a session that timed out may
// succeed on a later attempt.
func IsTransient(err error) bool {
	if c, ok := classOf(err); ok {
		return c == ErrorClassTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsStateConflict reports whether err is a lease or version conflict.
func IsStateConflict(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeStateConflict
}

// IsGraphError reports whether err describes an invalid dependency graph.
func IsGraphError(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeGraphCycle, ErrCodeGraphDangling, ErrCodeGraphSelfRef, ErrCodeGraphDuplicate, ErrCodeGraphEmpty:
		return true
	}
	return false
}

// IsStructural reports whether err is an executor failure that must not be retried.
func IsStructural(err error) bool {
	return err != nil && !IsRetryable(err) && !errors.Is(err, context.Canceled)
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeSessionFailed   = "SESSION_FAILED"
	ErrCodeMalformedResult = "MALFORMED_RESULT"
	ErrCodeMissingArtifact = "MISSING_ARTIFACT"
	ErrCodeStateConflict   = "STATE_CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"

	ErrCodeGraphCycle     = "GRAPH_CYCLE"
	ErrCodeGraphDangling  = "GRAPH_DANGLING_DEPENDENCY"
	ErrCodeGraphSelfRef   = "GRAPH_SELF_REFERENCE"
	ErrCodeGraphDuplicate = "GRAPH_DUPLICATE_ITEM"
	ErrCodeGraphEmpty     = "GRAPH_EMPTY"
)

// ErrNotFound is returned by state stores when a record does not exist.
var ErrNotFound = &EngineError{Class: ErrorClassPermanent, Message: "not found", Code: ErrCodeNotFound}
