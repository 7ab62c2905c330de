package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dohr-michael/steward/internal/task"
)

// WebhookProvider delivers actions to a single webhook endpoint. The
// receiver dedups on the Idempotency-Key header, so redelivery of the same
// action is safe.
type WebhookProvider struct {
	url    string
	client *http.Client
}

// NewWebhookProvider creates a provider posting to the given URL.
func NewWebhookProvider(url string, timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &WebhookProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookEnvelope struct {
	TaskID string         `json:"task_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Execute posts the action. 5xx and transport errors are retryable; 4xx
// means the receiver will never accept this action.
func (w *WebhookProvider) Execute(ctx context.Context, t *task.Task) error {
	body, err := json.Marshal(webhookEnvelope{
		TaskID: t.ID,
		Action: t.Action.Name,
		Params: t.Action.Params,
	})
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode action: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &FatalError{Err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.Action.IdempotencyKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("webhook request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &RetryableError{Err: fmt.Errorf("webhook returned %s", resp.Status)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &FatalError{Err: fmt.Errorf("webhook returned %s: %s", resp.Status, string(msg))}
	}
}
