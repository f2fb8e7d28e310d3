package extraction

import (
	"context"
	"math/rand/v2"
	"time"
)

// retryPolicy bounds repeated model invocations within a single task.
// Exhausting it fails the task; the queue's retry counter takes over from
// there.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetryPolicy = retryPolicy{
	attempts:  3,
	baseDelay: 500 * time.Millisecond,
	maxDelay:  5 * time.Second,
}

// invoke runs fn up to attempts times with exponential backoff and jitter.
// Returns the last error when every attempt fails, or ctx.Err() when the
// context ends mid-backoff.
func (rp retryPolicy) invoke(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < rp.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == rp.attempts-1 {
			return err
		}
		delay := rp.baseDelay << uint(attempt)
		if delay > rp.maxDelay {
			delay = rp.maxDelay
		}
		jitter := time.Duration(rand.Int64N(int64(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
