package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxgate/voxgate/internal/resilience"
)

// Retry budget for provider calls: at most three attempts with exponential
// backoff capped at 250 ms, wrapped in the per-adapter circuit breaker.
const (
	retryAttempts   = 3
	retryBackoffMin = 50 * time.Millisecond
	retryBackoffCap = 250 * time.Millisecond
)

// ErrProviderTransient marks a provider call that kept failing within the
// turn's retry budget. The turn aborts; the session continues.
var ErrProviderTransient = errors.New("orchestrator: provider transient failure")

// ErrProviderFatal marks a provider failure that must terminate the session
// (auth rejection, permanent provider outage, open circuit).
var ErrProviderFatal = errors.New("orchestrator: provider fatal failure")

// withRetry runs fn through the circuit breaker up to retryAttempts times.
// An open circuit short-circuits to ErrProviderFatal; exhausted retries
// surface as ErrProviderTransient wrapping the last error.
func withRetry(ctx context.Context, cb *resilience.CircuitBreaker, fn func() error) error {
	backoff := retryBackoffMin
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
		}

		err := cb.Execute(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %v", ErrProviderFatal, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrProviderTransient, lastErr)
}
