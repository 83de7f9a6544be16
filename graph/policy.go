package graph

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of idempotent operations, such as submitting
// a node to a remote scheduler.
//
// Delays grow exponentially from BaseDelay, are capped at MaxDelay and get
// up to BaseDelay of random jitter.
//
// Example:
//
//	policy := &RetryPolicy{
//	    MaxAttempts: 5,
//	    BaseDelay:   time.Second,
//	    MaxDelay:    time.Minute,
//	    Retryable:   func(err error) bool { return errors.Is(err, remote.ErrSubmitRejected) },
//	}
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error may be retried. Nil retries every
	// error.
	Retryable func(error) bool
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Validate checks the policy.
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

// ShouldRetry reports whether attempt (0 based) failed with err may be
// followed by another attempt.
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt+1 >= rp.MaxAttempts {
		return false
	}
	return rp.Retryable == nil || rp.Retryable(err)
}

// Delay returns the wait before retrying after attempt (0 based). rng may
// be nil.
func (rp *RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	return Backoff(attempt, rp.BaseDelay, rp.MaxDelay, rng)
}

// Backoff computes base*2^attempt, capped at maxDelay when it is set, plus
// a jitter in [0, base).
func Backoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}
