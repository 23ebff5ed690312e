// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	RetryWithNotification(action func() error, description string) error
}

// Noop discards all notifications. Used when no channel is configured.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
func (Noop) RetryWithNotification(action func() error, _ string) error {
	return action()
}
