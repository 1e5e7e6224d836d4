package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
)

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	result, err := WithRetry(context.Background(), cfg, "op", func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("result = %q after %d attempts", result, attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}

	_, err := WithRetry(context.Background(), cfg, "op", func(context.Context) (int, error) {
		attempts++
		return 0, &stripe.Error{Type: stripe.ErrorTypeInvalidRequest}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error retried %d times", attempts)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	_, err := WithRetry(context.Background(), cfg, "op", func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("still down")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}

	_, err := WithRetry(ctx, cfg, "op", func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWithRetryCallsObserver(t *testing.T) {
	var observed []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			observed = append(observed, attempt)
		},
	}

	_, _ = WithRetry(context.Background(), cfg, "op", func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if len(observed) != 2 {
		t.Fatalf("observer calls = %v, want attempts 1 and 2", observed)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "signature", err: ErrSignatureInvalid, want: false},
		{name: "malformed", err: ErrMalformedSnapshot, want: false},
		{name: "user not resolved", err: ErrUserNotResolved, want: false},
		{name: "invalid request", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest}, want: false},
		{name: "lock timeout", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeLockTimeout}, want: true},
		{name: "auth", err: &stripe.Error{Type: stripe.ErrorType("authentication_error")}, want: false},
		{name: "rate limit", err: &stripe.Error{Type: stripe.ErrorType("rate_limit_error")}, want: true},
		{name: "server error", err: &stripe.Error{Type: stripe.ErrorTypeAPI}, want: true},
		{name: "transport", err: errors.New("connection reset"), want: true},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
