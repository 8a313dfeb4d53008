package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxWebhookResponse = 64 << 10

// WebhookConfig describes a tool served by an external HTTP endpoint.
type WebhookConfig struct {
	Definition `yaml:",inline"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
}

// Webhook executes a tool by POSTing its JSON arguments to a URL and
// returning the JSON response body.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{cfg: cfg, client: client}
}

func (w *Webhook) Definition() Definition { return w.cfg.Definition }

func (w *Webhook) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", w.cfg.Name, resp.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage(`{"success":true}`), nil
	}
	return body, nil
}
