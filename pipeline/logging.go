package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// LoggingFilter logs delivery processing around the inner chain
type LoggingFilter struct {
	logger *slog.Logger
}

// NewLoggingFilter creates a new logging filter
func NewLoggingFilter(logger *slog.Logger) *LoggingFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingFilter{logger: logger}
}

// Apply implements Filter
func (l *LoggingFilter) Apply(ctx context.Context, delivery *DeliveryContext, next Handler) error {
	start := time.Now()
	env := delivery.Envelope()

	l.logger.Info("processing delivery",
		"messageId", env.ID,
		"messageType", env.Type,
		"correlationId", env.CorrelationID,
		"attempt", delivery.Attempt(),
	)

	err := next.Handle(ctx, delivery)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("delivery processing failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"duration", duration,
			"error", err,
		)
	} else {
		l.logger.Info("delivery processed",
			"messageId", env.ID,
			"messageType", env.Type,
			"duration", duration,
		)
	}

	return err
}

// Name implements Filter
func (l *LoggingFilter) Name() string {
	return "LoggingFilter"
}
