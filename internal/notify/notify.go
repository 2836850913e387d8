// Package notify publishes run outcome messages. Delivery is fire-and-forget
// from the orchestrator's point of view: publish errors are logged and
// discarded at the call site, never propagated into the run result.
package notify

import (
	"context"
	"log/slog"
)

// Notifier is the pub/sub sink for success and failure messages.
type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

// Config selects and configures the notifier.
type Config struct {
	Mode     string // "webhook" | "noop"
	Endpoint string
}

// New creates a notifier based on configuration.
func New(cfg Config) Notifier {
	switch cfg.Mode {
	case "webhook":
		return NewWebhook(cfg.Endpoint)
	default:
		slog.Info("notifications disabled, using no-op notifier")
		return &noopNotifier{}
	}
}

type noopNotifier struct{}

func (n *noopNotifier) Publish(ctx context.Context, subject, message string) error {
	return nil
}
