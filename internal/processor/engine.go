// Package processor pulls tasks from the ingestion queue one worker slot at
// a time, asks the external reasoning engine for a decision, and applies
// that decision to the task state machine.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dohr-michael/steward/internal/task"
)

// DecisionType enumerates the engine's possible verdicts for a task.
type DecisionType string

const (
	DecisionAutoExecute     DecisionType = "auto_execute"
	DecisionRequestApproval DecisionType = "request_approval"
	DecisionArchive         DecisionType = "archive"
	DecisionDefer           DecisionType = "defer"
)

// Decision is the engine's verdict. Exactly the fields for its type are
// meaningful.
type Decision struct {
	Type DecisionType `json:"type"`

	// auto_execute and request_approval
	ActionName   string         `json:"action_name,omitempty"`
	ActionParams map[string]any `json:"action_params,omitempty"`

	// request_approval
	ActionDescription string         `json:"action_description,omitempty"`
	RiskLevel         task.RiskLevel `json:"risk_level,omitempty"`

	// archive
	Reason string `json:"reason,omitempty"`

	// defer
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Validate checks the decision carries what its type requires. An invalid
// decision is a validation error: the task is frozen, never blindly retried.
func (d Decision) Validate() error {
	switch d.Type {
	case DecisionAutoExecute:
		if d.ActionName == "" {
			return fmt.Errorf("auto_execute decision requires action_name")
		}
	case DecisionRequestApproval:
		if d.ActionName == "" || d.ActionDescription == "" {
			return fmt.Errorf("request_approval decision requires action_name and action_description")
		}
		switch d.RiskLevel {
		case task.RiskLow, task.RiskMedium, task.RiskHigh, task.RiskCritical:
		default:
			return fmt.Errorf("request_approval decision has invalid risk_level %q", d.RiskLevel)
		}
	case DecisionArchive:
		if d.Reason == "" {
			return fmt.Errorf("archive decision requires reason")
		}
	case DecisionDefer:
		if d.RetryAfter <= 0 {
			return fmt.Errorf("defer decision requires positive retry_after")
		}
	default:
		return fmt.Errorf("unknown decision type %q", d.Type)
	}
	return nil
}

// Engine is the external reasoning engine boundary. Decide must respect ctx
// cancellation; the pool bounds every call with the process timeout.
type Engine interface {
	Decide(ctx context.Context, t *task.Task) (Decision, error)
}

// AuthError marks an authentication/permission failure at the engine. It is
// never retried automatically and flags the component for operator
// attention.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "engine auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError marks engine output that could not be interpreted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "engine validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// classify maps an engine failure to the task error taxonomy. Anything not
// explicitly auth or validation, including timeouts, is transient.
func classify(err error) task.ErrorCode {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return task.ErrAuth
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return task.ErrValidation
	}
	return task.ErrTransient
}
