// Package webhook delivers alerts to a generic webhook endpoint as JSON.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
)

// Payload is the JSON body sent to the endpoint.
type Payload struct {
	EventType string      `json:"event_type"` // login_anomaly
	Source    string      `json:"source"`     // loginwatch
	Timestamp time.Time   `json:"timestamp"`
	Count     int         `json:"count"`
	Alerts    []event.Raw `json:"alerts"`
}

// Notifier posts the alert set to a webhook URL with custom headers, a
// minimum send interval, and retries with backoff.
type Notifier struct {
	cfg    config.WebhookNotifierConfig
	client *http.Client

	mu       sync.Mutex
	lastSent time.Time
}

// New creates a webhook notifier.
func New(cfg config.WebhookNotifierConfig) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook notifier requires url")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "webhook" }

// Notify posts the alert set. Empty alert sets are not sent.
func (n *Notifier) Notify(ctx context.Context, alerts []event.Raw) error {
	if len(alerts) == 0 {
		return nil
	}

	if err := n.waitInterval(ctx); err != nil {
		return err
	}

	payload := Payload{
		EventType: "login_anomaly",
		Source:    "loginwatch",
		Timestamp: time.Now().UTC(),
		Count:     len(alerts),
		Alerts:    alerts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = n.send(ctx, body); lastErr == nil {
			n.mu.Lock()
			n.lastSent = time.Now()
			n.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("webhook delivery failed after %d retries: %w", n.cfg.RetryCount, lastErr)
}

// waitInterval enforces the minimum interval between sends.
func (n *Notifier) waitInterval(ctx context.Context) error {
	n.mu.Lock()
	wait := n.cfg.MinInterval - time.Since(n.lastSent)
	n.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
