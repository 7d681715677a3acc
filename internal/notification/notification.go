package notification

import (
	"context"
	"errors"
	"log/slog"
)

const (
	// KindWithdrawalHeld is sent when a withdrawal waits for admin approval.
	KindWithdrawalHeld = "withdrawal.held"
	// KindWithdrawalReview is sent when offshore coverage failed and an admin must step in.
	KindWithdrawalReview = "withdrawal.review"
	// KindWithdrawalSent is sent once resources left the main bank.
	KindWithdrawalSent = "withdrawal.sent"
	// KindWithdrawalDenied is sent when an admin rejects a withdrawal.
	KindWithdrawalDenied = "withdrawal.denied"
	// KindTreasuryTransfer is sent after a manual treasury transfer settles.
	KindTreasuryTransfer = "treasury.transfer"
)

// Message describes a notification payload.
type Message struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Body        string `json:"body"`
	Data        any    `json:"data,omitempty"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

// Send delivers to all notifiers even when some fail.
func (m Multi) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
