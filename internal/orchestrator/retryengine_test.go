package orchestrator

import (
	"context"
	"testing"
	"time"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          3,
		BaseDelay:           time.Millisecond,
		MaxDelay:            50 * time.Millisecond,
		BackoffMultiplier:   2.0,
		RetryableErrorCodes: []ErrorCode{"*"},
	}
}

func TestRetryEngineSucceedsOnThirdAttempt(t *testing.T) {
	re := NewRetryEngine(testRetryConfig())
	attempts := 0
	err := re.Run(context.Background(), "t1", "execute", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewCodedError(ErrCodeTimeout, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryEngineBoundsAttempts(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxRetries = 2 // maxAttempts = 3
	re := NewRetryEngine(cfg)
	attempts := 0
	err := re.Run(context.Background(), "t1", "execute", func(ctx context.Context) error {
		attempts++
		return NewCodedError(ErrCodeNetworkError, nil)
	})
	if err == nil {
		t.Fatalf("expected final failure")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly maxRetries+1=3 attempts, got %d", attempts)
	}
}

func TestRetryEngineNonRetryableStopsImmediately(t *testing.T) {
	re := NewRetryEngine(testRetryConfig())
	attempts := 0
	err := re.Run(context.Background(), "t1", "execute", func(ctx context.Context) error {
		attempts++
		return NewCodedError(ErrCodePermissionDenied, nil)
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must stop after 1 attempt, got %d", attempts)
	}
}

func TestRetryEngineRespectsConfiguredAllowList(t *testing.T) {
	cfg := testRetryConfig()
	cfg.RetryableErrorCodes = []ErrorCode{ErrCodeTimeout}
	re := NewRetryEngine(cfg)
	attempts := 0
	err := re.Run(context.Background(), "t1", "execute", func(ctx context.Context) error {
		attempts++
		return NewCodedError(ErrCodeNetworkError, nil) // not in the allow-list
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if attempts != 1 {
		t.Fatalf("error code outside configured allow-list must not retry, got %d attempts", attempts)
	}
}

func TestRetryEngineDelayMonotonicNonDecreasingUpToMax(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxDelay = 20 * time.Millisecond
	var prev time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		d := cfg.Delay(attempt)
		if d > cfg.MaxDelay {
			t.Fatalf("delay %v exceeds configured max %v", d, cfg.MaxDelay)
		}
		// Allow for jitter noise but the base curve must not regress once capped.
		if d < prev && d != cfg.MaxDelay {
			t.Fatalf("delay regressed below previous attempt's and isn't capped: prev=%v cur=%v", prev, d)
		}
		prev = d
	}
}
