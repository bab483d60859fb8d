package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// RetryConfig configures the Retry Engine's backoff curve and which error
// codes are eligible for retry.
type RetryConfig struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	RetryableErrorCodes []ErrorCode // a single ErrorCode("*") means "everything not in nonRetryable"
}

// retryable reports whether code may be retried under this config: it must
// not be in nonRetryable and must match an entry of RetryableErrorCodes,
// where "*" matches every code.
func (c RetryConfig) retryable(code ErrorCode) bool {
	if !code.Retryable() {
		return false
	}
	for _, rc := range c.RetryableErrorCodes {
		if rc == "*" || rc == code {
			return true
		}
	}
	return false
}

// RetryEngine categorizes errors to stable codes, computes bounded
// exponential backoff with jitter, and caps the number of attempts. It
// layers domain-specific bookkeeping (per task/operation attempt counters)
// on top of a cenkalti/backoff/v4 exponential-delay curve (see Delay).
type RetryEngine struct {
	cfg RetryConfig

	mu       sync.Mutex
	attempts map[string]int // keyed by taskID|operation
}

// NewRetryEngine constructs an engine from the given policy.
func NewRetryEngine(cfg RetryConfig) *RetryEngine {
	return &RetryEngine{cfg: cfg, attempts: make(map[string]int)}
}

func counterKey(taskID TaskID, operation string) string {
	return string(taskID) + "|" + operation
}

// CategorizeError maps an error to a stable ErrorCode. Causes that already
// carry a CodedError are passed through; every other error, including the
// package's sentinel errors and raw os/net errors, maps to UNKNOWN_ERROR.
// Neither the error's type nor its message is inspected.
func CategorizeError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return Code(err)
}

// Delay computes min(maxDelay, base*multiplier^attempt + jitter), jitter in
// [0, 0.1*computed). The base*multiplier^attempt curve is produced by a
// cenkalti/backoff/v4 ExponentialBackOff with its own randomization factor
// disabled, so the engine's own [0, 0.1*computed) jitter is the only jitter
// ever applied and the bound stays exact and testable.
func (c RetryConfig) Delay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.Multiplier = c.BackoffMultiplier
	bo.MaxInterval = c.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var computed time.Duration
	for i := 0; i <= attempt; i++ {
		computed = bo.NextBackOff()
	}

	jitter := float64(computed) * 0.1 * rand.Float64()
	d := float64(computed) + jitter
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// Run executes fn under the retry policy for (taskID, operation), invoking
// it at most MaxRetries+1 times and only continuing to retry while the
// categorized error code is retryable. Counters are cleared on success or
// final failure.
func (re *RetryEngine) Run(ctx context.Context, taskID TaskID, operation string, fn func(ctx context.Context) error) error {
	key := counterKey(taskID, operation)
	meter := otel.Meter("agentorchestrator")
	retryCounter, _ := meter.Int64Counter("agentorch_retryengine_attempts_total")
	exhaustedCounter, _ := meter.Int64Counter("agentorch_retryengine_exhausted_total")

	maxAttempts := re.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		re.mu.Lock()
		re.attempts[key] = attempt + 1
		re.mu.Unlock()
		retryCounter.Add(ctx, 1)

		err := fn(ctx)
		if err == nil {
			re.clear(key)
			return nil
		}
		lastErr = err

		code := CategorizeError(err)
		if !re.cfg.retryable(code) {
			re.clear(key)
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := re.cfg.Delay(attempt)
		select {
		case <-ctx.Done():
			re.clear(key)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	exhaustedCounter.Add(ctx, 1)
	re.clear(key)
	return lastErr
}

// AttemptsFor reports how many attempts have been made so far for
// (taskID, operation), for tests and observability.
func (re *RetryEngine) AttemptsFor(taskID TaskID, operation string) int {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.attempts[counterKey(taskID, operation)]
}

func (re *RetryEngine) clear(key string) {
	re.mu.Lock()
	delete(re.attempts, key)
	re.mu.Unlock()
}
