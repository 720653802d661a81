package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notification is the payload delivered to a device.
type Notification struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Sender delivers a push notification to a device token. Delivery is
// best-effort: callers log failures and move on, they never propagate them
// into settlement outcomes.
type Sender interface {
	Send(ctx context.Context, token string, n Notification) error
}

// HTTPSender posts notifications to an Expo-compatible push endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSender creates a push client
func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type pushMessage struct {
	To    string                 `json:"to"`
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, token string, n Notification) error {
	body, err := json.Marshal(pushMessage{
		To:    token,
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender logs notifications instead of delivering them. Used in dev and
// as the fallback when no push endpoint is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, token string, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push notification (log only)", "token", token, "title", n.Title)
	return nil
}
