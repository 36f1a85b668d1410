package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures bounded retries with exponential backoff.
//
// The delay before retry n (zero-based) is
// min(BaseDelay * 2^n, MaxDelay) + jitter(0, BaseDelay).
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration
}

// Validate checks the policy. MaxDelay == 0 is treated as "no cap".
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// backoff returns the delay before retry attempt (zero-based).
func (rp RetryPolicy) backoff(attempt int) time.Duration {
	return computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, nil)
}

// computeBackoff calculates an exponential delay with jitter. A nil rng
// uses the shared math/rand source.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	// An uncapped delay that would overflow saturates instead, leaving room
	// for the jitter.
	var exponentialDelay time.Duration
	if base > time.Duration(math.MaxInt64>>attempt) {
		exponentialDelay = time.Duration(math.MaxInt64) - base
	} else {
		exponentialDelay = base << attempt
	}
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
