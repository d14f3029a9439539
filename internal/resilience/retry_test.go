package resilience

import (
	"context"
	"testing"
	"time"

	apperr "github.com/voxturn/platform/internal/errors"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.1,
		IsRetryable:  apperr.IsRetryable,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return apperr.New(apperr.CodeNetwork, "flaky")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return apperr.New(apperr.CodeModel, "bad transcript")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on model errors)", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return apperr.New(apperr.CodeNetwork, "down")
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 4 { // initial + 3 retries
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(), func() error {
		calls++
		return apperr.New(apperr.CodeNetwork, "down")
	})

	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 on pre-cancelled context", calls)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		JitterFactor: 0.0001,
	}.withDefaults()

	d0 := backoffDelay(cfg, 0)
	d2 := backoffDelay(cfg, 2)
	d6 := backoffDelay(cfg, 10)

	if d2 <= d0 {
		t.Errorf("delay should grow: attempt0=%v attempt2=%v", d0, d2)
	}
	if d6 > 60*time.Millisecond {
		t.Errorf("delay %v should be capped near MaxDelay", d6)
	}
}
