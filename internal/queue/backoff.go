package queue

import (
	"errors"
	"time"
)

// maxBackoff bounds uncapped exponential growth.
const maxBackoff = 24 * time.Hour

// Duration returns the wait before retry n, where n is the number of attempts
// already made (n=1 is the first retry).
//
//	fixed:       Delay
//	exponential: Delay * 2^(n-1)
func (b Backoff) Duration(n int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	limit := b.Max
	if limit <= 0 {
		limit = maxBackoff
	}

	d := b.Delay
	if b.Type == BackoffExponential {
		for i := 1; i < n; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
	}
	if d > limit {
		d = limit
	}
	return d
}

// retryDelay honors a RetryAfter hint carried by err, else the backoff policy.
func retryDelay(b Backoff, attempts int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
		return d
	}
	return b.Duration(attempts)
}
