package notification

import (
	"context"
	"log/slog"
)

const (
	// KindStepUpVerified is emitted after a successful step-up verification.
	KindStepUpVerified = "stepup.verified"
	// KindStepUpRejected is emitted for every rejected or failed attempt.
	KindStepUpRejected = "stepup.rejected"
	// KindEnrollmentCompleted is emitted when a face enrollment is stored.
	KindEnrollmentCompleted = "enrollment.completed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
	Attributes  map[string]string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{"kind", message.Kind, "destination", message.Destination, "body", message.Body}
	for k, v := range message.Attributes {
		attrs = append(attrs, k, v)
	}
	n.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}
