// Package notifier provides Notifier implementations: a slog-backed notifier
// for development and a webhook notifier that posts JSON events to an
// external delivery service (mail/SMS gateway), which owns templating and
// retry-with-backoff.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyfall/keyfall/interfaces"
)

// LogNotifier records notifications in the service log instead of delivering
// them. Disclosure payloads are logged without the share plaintext.
type LogNotifier struct {
	log *slog.Logger
}

var _ interfaces.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a development notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// NotifyReminder implements interfaces.Notifier.
func (n *LogNotifier) NotifyReminder(ctx context.Context, secret *interfaces.Secret, kind interfaces.ReminderKind, deadline time.Time) error {
	n.log.Info("REMINDER (log notifier, not delivered)",
		"secret", secret.ID, "owner", secret.OwnerID, "kind", kind, "deadline", deadline)
	return nil
}

// NotifyDisclosure implements interfaces.Notifier. The share itself is never
// written to the log.
func (n *LogNotifier) NotifyDisclosure(ctx context.Context, secret *interfaces.Secret, recipient interfaces.Recipient, shareHex string) error {
	n.log.Info("DISCLOSURE (log notifier, not delivered)",
		"secret", secret.ID, "title", secret.Title,
		"recipient", recipient.Name, "share_bytes", len(shareHex)/2)
	return nil
}

// WebhookNotifier posts notification events as JSON to a delivery endpoint.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

var _ interfaces.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook notifier with the given request
// timeout. A non-positive timeout defaults to 30 seconds.
func NewWebhookNotifier(endpoint string, timeout time.Duration, log *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type webhookEvent struct {
	Type      string                `json:"type"`
	SecretID  interfaces.SecretID   `json:"secret_id"`
	Title     string                `json:"title"`
	OwnerID   string                `json:"owner_id"`
	Kind      string                `json:"kind,omitempty"`
	Deadline  *time.Time            `json:"deadline,omitempty"`
	Recipient *interfaces.Recipient `json:"recipient,omitempty"`
	Share     string                `json:"share,omitempty"`
}

// NotifyReminder implements interfaces.Notifier.
func (n *WebhookNotifier) NotifyReminder(ctx context.Context, secret *interfaces.Secret, kind interfaces.ReminderKind, deadline time.Time) error {
	return n.post(ctx, webhookEvent{
		Type:     "reminder",
		SecretID: secret.ID,
		Title:    secret.Title,
		OwnerID:  secret.OwnerID,
		Kind:     string(kind),
		Deadline: &deadline,
	})
}

// NotifyDisclosure implements interfaces.Notifier.
func (n *WebhookNotifier) NotifyDisclosure(ctx context.Context, secret *interfaces.Secret, recipient interfaces.Recipient, shareHex string) error {
	return n.post(ctx, webhookEvent{
		Type:      "disclosure",
		SecretID:  secret.ID,
		Title:     secret.Title,
		OwnerID:   secret.OwnerID,
		Recipient: &recipient,
		Share:     shareHex,
	})
}

// post delivers one event. A 4xx response means the endpoint rejected the
// event and a retry cannot succeed; anything else that fails is transient.
func (n *WebhookNotifier) post(ctx context.Context, event webhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notifier: encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifier: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: delivering %s event: %w", event.Type, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("notifier: endpoint rejected %s event with %d: %w",
			event.Type, resp.StatusCode, interfaces.ErrPermanentDelivery)
	default:
		return fmt.Errorf("notifier: endpoint returned %d for %s event", resp.StatusCode, event.Type)
	}
}
