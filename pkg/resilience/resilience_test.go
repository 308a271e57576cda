package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	cb.OnError(errors.New("boom"))
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	cb.OnError(errors.New("boom"))
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("success should close the breaker")
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.OnError(context.Canceled)
	if !cb.Allow() {
		t.Fatalf("cancellation must not trip the breaker")
	}
	rateOnly := NewCircuitBreaker(1, time.Hour, WithFailureFilter(IsRateLimit))
	rateOnly.OnError(errors.New("bad audio"))
	if !rateOnly.Allow() {
		t.Fatalf("filtered error must not count")
	}
	rateOnly.OnError(RateLimitError{Provider: "deepgram"})
	if rateOnly.Allow() {
		t.Fatalf("rate limit should open the filtered breaker")
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond, Retryable: func(err error) bool { return !errors.Is(err, permanent) }}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 3 {
		t.Fatalf("expected 3 calls ending in permanent error, got %d %v", calls, err)
	}
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	p := NewRetryPolicy(3, time.Hour)
	_ = p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if calls != 1 {
		t.Fatalf("cancelled context should stop retries, got %d calls", calls)
	}
}
