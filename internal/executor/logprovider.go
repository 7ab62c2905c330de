package executor

import (
	"context"
	"log/slog"

	"github.com/dohr-michael/steward/internal/task"
)

// LogProvider records actions in the log instead of delivering them
// anywhere. It is the provider of last resort when no webhook is
// configured, useful for local runs and dry-run setups.
type LogProvider struct{}

// NewLogProvider creates a log-only provider.
func NewLogProvider() *LogProvider { return &LogProvider{} }

// Execute logs the action and reports success.
func (LogProvider) Execute(ctx context.Context, t *task.Task) error {
	slog.Info("action executed (log only)",
		"task_id", t.ID,
		"action", t.Action.Name,
		"idempotency_key", t.Action.IdempotencyKey,
		"params", t.Action.Params)
	return nil
}
