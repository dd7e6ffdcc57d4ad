package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/talowa/referral-backend/internal/models"
)

// Sink is the delivery target for referral events. The real notification
// service sits behind it; tests substitute their own.
type Sink interface {
	Deliver(ctx context.Context, event *models.NotificationEvent) error
}

// HTTPSink POSTs events as JSON to the notification service webhook.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, event *models.NotificationEvent) error {
	body, err := json.Marshal(map[string]interface{}{
		"id":      event.ID,
		"type":    event.Type,
		"payload": event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification sink returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink logs events instead of delivering them. Used when no sink URL is
// configured.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, event *models.NotificationEvent) error {
	slog.Info("notification event", "type", event.Type, "payload", string(event.Payload))
	return nil
}
