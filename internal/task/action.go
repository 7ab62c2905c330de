package task

import (
	"crypto/sha256"
	"encoding/hex"
)

// Action is the external-system action a task resolved to, either
// auto-approved by the engine or pending human sign-off. Params are owned
// by the action provider.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`

	// IdempotencyKey is derived from the task identity, not the attempt, so
	// a retried execution after a timeout cannot double-apply the action.
	IdempotencyKey string `json:"idempotency_key"`
}

// NewAction builds an action with its idempotency key filled in.
func NewAction(taskID, name string, params map[string]any) *Action {
	return &Action{
		Name:           name,
		Params:         params,
		IdempotencyKey: IdempotencyKey(taskID, name),
	}
}

// IdempotencyKey derives the stable execution key for a task/action pair.
func IdempotencyKey(taskID, actionName string) string {
	sum := sha256.Sum256([]byte(taskID + "|" + actionName))
	return hex.EncodeToString(sum[:16])
}
