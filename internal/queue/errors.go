package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrJobNotFound = errors.New("job not found")
	ErrJobActive   = errors.New("job is active")
	ErrNotTerminal = errors.New("status is not terminal")
	ErrJobTimeout  = errors.New("job timed out")
)

// NoRetry marks an error as non-retryable.
//
// Processors can wrap validation errors or other permanent failures with
// NoRetry so the queue fails the job without spending its remaining attempts.
//
// Example:
//
//	return nil, queue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides the delay before the next attempt, replacing the
// configured backoff (still bounded by Backoff.Max when set).
//
// Useful when a downstream system answered with a Retry-After value.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
