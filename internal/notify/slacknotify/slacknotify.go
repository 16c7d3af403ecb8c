// Package slacknotify delivers a per-run alert summary to a Slack incoming
// webhook.
package slacknotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
)

// message is the Slack incoming-webhook body.
type message struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Notifier posts a run summary to a Slack incoming webhook. The webhook URL
// is read from an environment variable so it never lands in config files.
type Notifier struct {
	cfg    config.SlackNotifierConfig
	url    string
	client *http.Client
}

// New creates a Slack notifier.
func New(cfg config.SlackNotifierConfig) (*Notifier, error) {
	url := os.Getenv(cfg.WebhookURLEnv)
	if url == "" {
		return nil, fmt.Errorf("slack webhook URL not found in env var: %s", cfg.WebhookURLEnv)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "slack" }

// Notify posts one message summarizing the run's alerts. Empty alert sets
// are not sent.
func (n *Notifier) Notify(ctx context.Context, alerts []event.Raw) error {
	if len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(message{
		Channel: n.cfg.Channel,
		Text:    formatAlerts(alerts),
	})
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// formatAlerts renders each alert on one line, leading with the location and
// ASN annotations when the normalizer attached them.
func formatAlerts(alerts []event.Raw) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: %d anomalous login(s) detected\n", len(alerts))
	for _, alert := range alerts {
		location := alert.String(event.AnnotationLocation)
		asn := alert.String(event.AnnotationASN)
		switch {
		case location != "" && asn != "":
			fmt.Fprintf(&b, "• %s (%s)\n", location, asn)
		case location != "":
			fmt.Fprintf(&b, "• %s\n", location)
		default:
			line, _ := json.Marshal(alert)
			fmt.Fprintf(&b, "• %s\n", line)
		}
	}
	return b.String()
}
