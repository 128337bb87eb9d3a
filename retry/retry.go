// Package retry runs an operation until it succeeds, fails with an error the caller does not
// want retried, or a fixed attempt budget is used up.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls made before giving up. Values below 1 are treated as 1.
	MaxAttempts int

	// Interval is the fixed delay between two consecutive attempts.
	Interval time.Duration

	// Retryable reports whether an error should be retried. A nil Retryable retries every error.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called after a retryable failure, before sleeping. Optional.
	OnRetry func(attempt int, err error)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error // the last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it returns a nil error. fn receives the 1-based attempt number.
//
// A non-retryable error is returned unchanged after the attempt that produced it. When the
// budget is used up Do returns an *ExhaustedError. The loop sleeps only between attempts, so
// MaxAttempts attempts take (MaxAttempts-1)*Interval plus the time spent in fn.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Sleep blocks for d, returning early with the context's error if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
