package processor

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

// HTTPEngine talks to the reasoning engine over HTTP. The engine receives
// the full task and answers with a decision document.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine creates an engine client for the given decide endpoint.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// decideRequest is the wire shape sent to the engine.
type decideRequest struct {
	Task *task.Task `json:"task"`
}

// decideResponse is the wire shape of the engine's answer. RetryAfter is in
// seconds on the wire.
type decideResponse struct {
	Type              string         `json:"type"`
	ActionName        string         `json:"action_name,omitempty"`
	ActionParams      map[string]any `json:"action_params,omitempty"`
	ActionDescription string         `json:"action_description,omitempty"`
	RiskLevel         string         `json:"risk_level,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	RetryAfterSec     int            `json:"retry_after_sec,omitempty"`
}

// Decide posts the task to the engine and parses its decision. Network and
// 5xx failures come back as plain errors (transient); 401/403 as AuthError;
// 400 and unparseable bodies as ValidationError.
func (e *HTTPEngine) Decide(ctx context.Context, t *task.Task) (Decision, error) {
	body, err := json.Marshal(decideRequest{Task: t})
	if err != nil {
		return Decision{}, &ValidationError{Err: fmt.Errorf("encode task: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Decision{}, &AuthError{Err: fmt.Errorf("engine returned %s", resp.Status)}
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Decision{}, &ValidationError{Err: fmt.Errorf("engine rejected task: %s", string(msg))}
	case resp.StatusCode != http.StatusOK:
		return Decision{}, fmt.Errorf("engine returned %s", resp.Status)
	}

	var out decideResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, &ValidationError{Err: fmt.Errorf("decode engine response: %w", err)}
	}

	return Decision{
		Type:              DecisionType(out.Type),
		ActionName:        out.ActionName,
		ActionParams:      out.ActionParams,
		ActionDescription: out.ActionDescription,
		RiskLevel:         task.RiskLevel(out.RiskLevel),
		Reason:            out.Reason,
		RetryAfter:        time.Duration(out.RetryAfterSec) * time.Second,
	}, nil
}
