package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"marketbot/internal/config"
)

// Webhook posts alerts as JSON to a configured endpoint.
type Webhook struct {
	client *resty.Client
	url    string
}

// NewWebhook builds a webhook notifier. Returns nil when no URL is
// configured, which callers treat as "webhook alerting disabled".
func NewWebhook(cfg config.AlertConfig) *Webhook {
	if cfg.WebhookURL == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	return &Webhook{client: client, url: cfg.WebhookURL}
}

func (w *Webhook) Name() string { return "webhook" }

// Send posts the alert. Non-2xx responses are delivery failures.
func (w *Webhook) Send(ctx context.Context, a Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(a).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post alert: status %d", resp.StatusCode())
	}
	return nil
}
