package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event describes an escalation handed to operators.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Channel   string    `json:"channel"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent stamps an escalation event with a fresh id and timestamp.
func NewEvent(sessionID, userID, channel, reason, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Channel:   channel,
		Reason:    reason,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier delivers escalation events to operators. Delivery is best-effort:
// failures are logged, never surfaced to the message pipeline.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes escalation events to the structured log. It is the
// default when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) {
	log.Warn().
		Str("event_id", ev.ID).
		Str("session_id", ev.SessionID).
		Str("user_id", ev.UserID).
		Str("channel", ev.Channel).
		Str("reason", ev.Reason).
		Msg("session escalated")
}

// WebhookNotifier POSTs events as JSON to an operator endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify posts the event. The caller's context bounds the request; errors
// are logged and swallowed.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) {
	if err := n.post(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("session_id", ev.SessionID).
			Str("reason", ev.Reason).
			Msg("escalation webhook delivery failed")
	}
}

func (n *WebhookNotifier) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
