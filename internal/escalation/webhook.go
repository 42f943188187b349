// Package escalation implements the HTTP destinations escalation events are
// delivered to.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidbz/markl/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 * 1024
)

// WebhookChannel POSTs the escalation event as JSON.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the channel identifier.
func (c *WebhookChannel) Name() string {
	return c.name
}

// Send performs one delivery attempt.
func (c *WebhookChannel) Send(ctx context.Context, event *domain.EscalationEvent) error {
	return post(ctx, c.client, c.name, c.url, c.headers, event)
}

// post marshals payload and treats any non-2xx status as a DeliveryError.
func post(
	ctx context.Context,
	client *http.Client,
	channel, url string,
	headers map[string]string,
	payload any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &domain.DeliveryError{Channel: channel, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &domain.DeliveryError{Channel: channel, Err: fmt.Errorf("construct request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &domain.DeliveryError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.DeliveryError{
			Channel:    channel,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bytes.TrimSpace(raw)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
