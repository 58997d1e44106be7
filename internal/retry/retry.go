// Package retry reruns transient failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes a retry schedule.
type Backoff struct {
	Attempts int           // total tries including the first, <=0 means one
	Base     time.Duration // delay before the second try, doubled after each failure
	Cap      time.Duration // ceiling on any single delay, 0 means uncapped
}

type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort marks err as not worth retrying. Do stops immediately and returns
// the wrapped error as is, so callers can still match it with errors.Is.
func Abort(err error) error {
	return &abortError{err: err}
}

// Do runs fn until it succeeds, returns an aborted error, the schedule is
// exhausted, or ctx ends. Each delay gets up to 25% random spread so
// replicas restarting together do not retry in lockstep.
func Do(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := b.Base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for try := 1; ; try++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var abort *abortError
		if errors.As(err, &abort) {
			return abort.err
		}
		if try >= attempts {
			return err
		}

		sleep := delay + rand.N(delay/4+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if b.Cap > 0 && delay > b.Cap {
			delay = b.Cap
		}
	}
}
