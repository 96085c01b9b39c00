package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when every attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait records a failure and sleeps for the resulting delay.
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Retry calls fn until it succeeds, maxAttempts is reached or ctx ends.
// The last error is joined with ErrMaxAttemptsExhausted.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx, attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
