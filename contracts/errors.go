package contracts

import (
	"errors"
	"fmt"
)

// SerializationError indicates a malformed envelope. Deliveries that fail
// deserialization are rejected before any processing context exists and are
// routed straight to the error destination, never retried.
type SerializationError struct {
	Reason string
	Cause  error
}

// Error implements error
func (e *SerializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("serialization failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("serialization failed: %s", e.Reason)
}

// Unwrap returns the underlying cause
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsRetryable always returns false for serialization errors
func (e *SerializationError) IsRetryable() bool {
	return false
}

// NewSerializationError creates a serialization error
func NewSerializationError(reason string, cause error) *SerializationError {
	return &SerializationError{Reason: reason, Cause: cause}
}

// TransientError marks a failure as retry-eligible
type TransientError struct {
	Err error
}

// Error implements error
func (e *TransientError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable always returns true for transient errors
func (e *TransientError) IsRetryable() bool {
	return true
}

// Transient wraps an error as a transient, retry-eligible fault
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure as non-retryable. It propagates past any
// retry stage directly to the dispatcher's fault path.
type PermanentError struct {
	Err error
}

// Error implements error
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable always returns false for permanent errors
func (e *PermanentError) IsRetryable() bool {
	return false
}

// Permanent wraps an error as a permanent, non-retryable fault
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// retryable is implemented by errors that classify themselves
type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether an error may be retried. Errors that implement
// IsRetryable() classify themselves; unknown errors default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
