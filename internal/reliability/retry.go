package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/conduit-go/contracts"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the given
	// zero-based attempt failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay before the given attempt is retried
	NextDelay(attempt int) time.Duration
}

// IntervalSequence retries with an explicit ordered sequence of delays.
// Attempt n waits Intervals[n]; retries stop when the sequence is exhausted
// or the fault is classified as non-retryable.
type IntervalSequence struct {
	Intervals []time.Duration
}

// NewIntervalSequence creates a policy from an ordered list of delays
func NewIntervalSequence(intervals ...time.Duration) *IntervalSequence {
	return &IntervalSequence{Intervals: intervals}
}

// ShouldRetry implements RetryPolicy
func (s *IntervalSequence) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= len(s.Intervals) {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, s.Intervals[attempt]
}

// MaxRetries implements RetryPolicy
func (s *IntervalSequence) MaxRetries() int {
	return len(s.Intervals)
}

// NextDelay implements RetryPolicy
func (s *IntervalSequence) NextDelay(attempt int) time.Duration {
	if attempt < 0 || attempt >= len(s.Intervals) {
		return 0
	}
	return s.Intervals[attempt]
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RetryWithBackoff is a convenience function for exponential backoff retry
func RetryWithBackoff(ctx context.Context, fn func() error) error {
	policy := NewExponentialBackoff(
		100*time.Millisecond,
		10*time.Second,
		2.0,
		5,
	)
	return Retry(ctx, policy, fn)
}
