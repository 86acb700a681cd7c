// Package dispatch delivers triggered messages to the agent layer over
// HTTP. With no endpoint configured it degrades to logging, which keeps
// the watcher useful as a dry-run classifier.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iamveene/tsushin/internal/bus"
)

// Payload is the wire envelope posted to the agent layer.
type Payload struct {
	TriggerType bus.TriggerType       `json:"trigger_type"`
	Message     bus.NormalizedMessage `json:"message"`
}

// Client posts triggered messages to a single agent-layer endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a dispatch client. An empty url yields a log-only
// client that never fails.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch implements bus.DispatchFunc.
func (c *Client) Dispatch(ctx context.Context, msg bus.NormalizedMessage, tt bus.TriggerType) error {
	if c.url == "" {
		slog.Info("dispatch (dry-run)",
			"message_id", msg.ID,
			"chat", msg.ChatName,
			"sender", msg.Sender,
			"trigger", tt,
		)
		return nil
	}

	body, err := json.Marshal(Payload{TriggerType: tt, Message: msg})
	if err != nil {
		return fmt.Errorf("encode dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch to %s: status %d: %s", c.url, resp.StatusCode, snippet)
	}
	return nil
}
