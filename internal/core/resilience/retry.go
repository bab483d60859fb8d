// Package resilience holds generic, domain-agnostic resilience primitives
// (backoff retry, adaptive circuit breaking) shared by orchestrator
// components. The task-retry policy described by the orchestrator spec
// (error-code categorization, bounded attempts) lives in
// internal/orchestrator/retryengine.go; it does not call Retry, but drives
// the same cenkalti/backoff/v4 exponential curve directly.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff, retrying up to attempts times.
// delay is the initial backoff interval; it doubles each attempt, capped at
// 60s to avoid runaway waits. Returns the last error if every attempt fails.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("agentorchestrator")
	attemptCounter, _ := meter.Int64Counter("agentorch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("agentorch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("agentorch_resilience_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0 // bounded by attempts, not elapsed time

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
