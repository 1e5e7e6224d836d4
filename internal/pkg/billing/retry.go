package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
)

// RetryConfig tunes the shared retry helper. All processor calls in the
// billing packages go through one policy instead of per-call ad hoc loops.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	OnRetry     func(attempt int, err error, delay time.Duration)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      true,
	}
}

// IsRetryable classifies processor errors. Request bugs and auth failures
// will not improve on a second attempt; rate limits, lock contention and
// transport failures will.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrMalformedSnapshot) ||
		errors.Is(err, ErrUserNotResolved) || errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeInvalidRequest, stripe.ErrorType("authentication_error"), stripe.ErrorTypeCard:
			// Idempotency lock contention reports as invalid_request
			// but clears on retry.
			return stripeErr.Code == stripe.ErrorCodeLockTimeout
		case stripe.ErrorType("rate_limit_error"):
			return true
		case stripe.ErrorTypeAPI:
			return true
		}
		return stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429
	}

	// Unwrapped transport errors (timeouts, resets) are worth retrying.
	return true
}

// WithRetry runs fn with exponential backoff until it succeeds, exhausts
// the attempt budget, hits a non-retryable error, or the context ends.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		} else {
			log.Warnf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, cfg.MaxAttempts, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		// Up to 25% random spread keeps synchronized retries apart.
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}
