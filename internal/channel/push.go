package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// PushPayload is the body posted to the push gateway.
type PushPayload struct {
	NotificationID string            `json:"notification_id"`
	Channel        string            `json:"channel"`
	Recipient      string            `json:"recipient"`
	Type           string            `json:"type"`
	Priority       int               `json:"priority"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	TemplateID     string            `json:"template_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
}

// PushConfig configures the HTTP push gateway sender.
type PushConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// PushSender delivers templated push messages through an HTTP gateway.
type PushSender struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// NewPushSender creates a push gateway sender.
func NewPushSender(cfg PushConfig, logger *zap.Logger) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushSender{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send posts the notification to the gateway. Any 2xx is success.
func (s *PushSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error) {
	recipient := n.Target.Address(ch)
	if recipient == "" {
		recipient = n.Target.ID
	}

	body, err := json.Marshal(PushPayload{
		NotificationID: n.ID,
		Channel:        string(ch),
		Recipient:      recipient,
		Type:           string(n.Type),
		Priority:       int(n.Priority),
		Title:          n.Title,
		Content:        n.Content,
		TemplateID:     n.TemplateID,
		Data:           n.Data,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Notification-ID", n.ID)
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	var pr pushResponse
	_ = json.Unmarshal(respBody, &pr)
	if pr.MessageID == "" {
		pr.MessageID = resp.Header.Get("X-Message-ID")
	}

	s.logger.Info("push delivered",
		zap.String("notification_id", n.ID),
		zap.String("channel", string(ch)),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", pr.MessageID),
	)

	return Receipt{ProviderMessageID: pr.MessageID}, nil
}
