package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/conduit-go/internal/reliability"
)

// RetryFilter re-invokes its inner chain after a computed delay when the
// inner outcome is a retryable fault. The wait is a plain suspension on the
// delivery's context; other concurrent invocations are unaffected. Faults the
// policy classifies as non-retryable, and faults that outlive the policy,
// propagate outward unchanged.
type RetryFilter struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryFilter creates a retry filter with the given policy
func NewRetryFilter(policy reliability.RetryPolicy) *RetryFilter {
	return &RetryFilter{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the retry filter
func (r *RetryFilter) WithLogger(logger *slog.Logger) *RetryFilter {
	r.logger = logger
	return r
}

// Apply implements Filter
func (r *RetryFilter) Apply(ctx context.Context, delivery *DeliveryContext, next Handler) error {
	for {
		err := next.Handle(ctx, delivery)
		if err == nil {
			return nil
		}

		shouldRetry, delay := r.policy.ShouldRetry(delivery.Attempt(), err)
		if !shouldRetry {
			return err
		}

		r.logger.Warn("retrying delivery",
			"messageId", delivery.Envelope().ID,
			"messageType", delivery.Envelope().Type,
			"attempt", delivery.Attempt(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delivery.nextAttempt()
	}
}

// Name implements Filter
func (r *RetryFilter) Name() string {
	return "RetryFilter"
}
