package llm

import (
	"context"
	"fmt"
	"time"
)

// retry calls fn up to attempts times, waiting backoff*(i+1) between tries.
// It stops early when ctx is done.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		result, err := fn(i)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("after %d attempts: %w", i+1, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
