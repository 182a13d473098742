package core

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy retries a failed call with exponential backoff: Base, 2*Base, 4*Base...
type RetryPolicy struct {
	Retries int
	Base    time.Duration
}

// DefaultRetryPolicy retries three times after 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, Base: time.Second}
}

// Do calls fn until it succeeds, the retries are exhausted, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Retries {
			return fmt.Errorf("give up after %d attempts: %w", attempt+1, err)
		}
		wait := time.NewTimer(p.Base << attempt)
		select {
		case <-ctx.Done():
			wait.Stop()
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		case <-wait.C:
		}
	}
}
