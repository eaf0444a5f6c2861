package worker

import (
	"errors"
	"fmt"
)

// === Transient Failures ===

// RetryableError marks a failure as transient. The run loop retries
// these with backoff; every unwrapped error is treated as permanent.
//
// Connection loss, lock timeouts, and serialization failures qualify.
// Validation errors, lost ownership, and invalid transitions do not.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Transient.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// === Escaped Panics ===

// PanicError carries a panic recovered from the agent loop. A panic is
// a programming error: the job fails, the worker keeps running.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether err carries a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// === Concurrent Cancellation ===

// JobCancelledError means a cancel request won the race against the
// worker's terminal write: the intended status could not be recorded
// and the job must unwind to aborted instead.
type JobCancelledError struct {
	Reason string
}

func (e JobCancelledError) Error() string {
	return fmt.Sprintf("job cancelled: %s", e.Reason)
}

// IsJobCancelled reports whether err signals a lost race against
// cancellation.
func IsJobCancelled(err error) bool {
	var cancelled JobCancelledError
	return errors.As(err, &cancelled)
}
