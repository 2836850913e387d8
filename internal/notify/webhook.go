package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Webhook posts notification messages to an HTTP endpoint.
type Webhook struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(endpoint string) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: slog.With("component", "notify"),
	}
}

type message struct {
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Publish posts one message, retrying transient failures a few times before
// giving up.
func (w *Webhook) Publish(ctx context.Context, subject, msg string) error {
	body, err := json.Marshal(message{
		Subject:   subject,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	retries := 3
	delay := time.Second

	for attempt := 1; attempt <= retries; attempt++ {
		err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < retries {
			w.log.Warn("notification attempt failed", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("publish notification after %d attempts: %w", retries, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
