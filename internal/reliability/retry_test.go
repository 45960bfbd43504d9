package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/stretchr/testify/assert"
)

func TestIntervalSequence(t *testing.T) {
	t.Run("returns configured delay per attempt", func(t *testing.T) {
		policy := NewIntervalSequence(100*time.Millisecond, 200*time.Millisecond, 500*time.Millisecond)

		ok, delay := policy.ShouldRetry(0, errors.New("boom"))
		assert.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, delay)

		ok, delay = policy.ShouldRetry(2, errors.New("boom"))
		assert.True(t, ok)
		assert.Equal(t, 500*time.Millisecond, delay)
	})

	t.Run("stops when sequence is exhausted", func(t *testing.T) {
		policy := NewIntervalSequence(10 * time.Millisecond)

		ok, _ := policy.ShouldRetry(1, errors.New("boom"))
		assert.False(t, ok)
		assert.Equal(t, 1, policy.MaxRetries())
	})

	t.Run("rejects permanent faults", func(t *testing.T) {
		policy := NewIntervalSequence(10*time.Millisecond, 20*time.Millisecond)

		ok, _ := policy.ShouldRetry(0, contracts.Permanent(errors.New("bad request")))
		assert.False(t, ok)
	})

	t.Run("NextDelay is zero out of range", func(t *testing.T) {
		policy := NewIntervalSequence(10 * time.Millisecond)
		assert.Equal(t, time.Duration(0), policy.NextDelay(5))
		assert.Equal(t, time.Duration(0), policy.NextDelay(-1))
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows with attempts and is capped", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 10)
		policy.Jitter = false

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 1*time.Second, policy.NextDelay(8))
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		ok, _ := policy.ShouldRetry(3, errors.New("boom"))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		calls := 0

		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return contracts.Transient(fmt.Errorf("attempt %d", calls))
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error on exhaustion", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 2)
		calls := 0

		err := Retry(context.Background(), policy, func() error {
			calls++
			return fmt.Errorf("attempt %d", calls)
		})

		assert.EqualError(t, err, "attempt 3")
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent faults", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		calls := 0

		err := Retry(context.Background(), policy, func() error {
			calls++
			return contracts.Permanent(errors.New("no"))
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			return errors.New("boom")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
