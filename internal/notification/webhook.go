package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client

	// body renders the request payload; swapped for Telegram.
	body func(alert Alert) ([]byte, error)
}

// NewWebhookNotifier creates a webhook notifier that posts
// {"level","title","message","service","ts"} to url.
func NewWebhookNotifier(url, service string) *WebhookNotifier {
	w := &WebhookNotifier{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	w.body = w.genericBody
	return w
}

// NewTelegramNotifier sends alerts through the Telegram Bot API.
func NewTelegramNotifier(botToken, chatID, service string) *WebhookNotifier {
	w := NewWebhookNotifier(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", botToken), service)
	w.body = func(alert Alert) ([]byte, error) {
		text := fmt.Sprintf("*%s* \\[%s\\] %s\n\n%s",
			escapeMarkdown(string(alert.Level)), escapeMarkdown(service),
			escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))
		return json.Marshal(map[string]interface{}{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "MarkdownV2",
		})
	}
	return w
}

func (w *WebhookNotifier) genericBody(alert Alert) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"level":   string(alert.Level),
		"title":   alert.Title,
		"message": alert.Message,
		"service": w.service,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := w.body(alert)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[webhook] sent alert: %s", alert.Title)
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!"
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
