// Package task defines the task, approval, and audit data model shared by
// the ingestion queue, the state machine store, and the pipeline components.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind categorizes the external event a task was derived from.
type Kind string

const (
	KindMessage   Kind = "message"
	KindFileDrop  Kind = "file_drop"
	KindScheduled Kind = "scheduled"
	KindDerived   Kind = "derived"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
)

// Priority represents the scheduling class of a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to a numeric rank (higher = more urgent).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Promote returns the priority one class more urgent, capped at critical.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh, PriorityCritical:
		return PriorityCritical
	default:
		return p
	}
}

// ErrorCode classifies a task failure.
type ErrorCode string

const (
	ErrTransient  ErrorCode = "transient"
	ErrAuth       ErrorCode = "auth"
	ErrValidation ErrorCode = "validation"
	ErrFatal      ErrorCode = "fatal"
)

// Payload is the normalized per-kind content of a task. Exactly the fields
// for the task's kind are validated at ingestion; Extra is an opaque blob
// owned by the reasoning engine.
type Payload struct {
	// message
	Channel string `json:"channel,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// file_drop
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`

	// scheduled
	EntryID string     `json:"entry_id,omitempty"`
	FiredAt *time.Time `json:"fired_at,omitempty"`

	// derived
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Reason       string `json:"reason,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Validate checks that the payload carries the required fields for kind.
func (p Payload) Validate(kind Kind) error {
	switch kind {
	case KindMessage:
		if p.Channel == "" || p.Sender == "" {
			return fmt.Errorf("message payload requires channel and sender")
		}
	case KindFileDrop:
		if p.Path == "" {
			return fmt.Errorf("file_drop payload requires path")
		}
	case KindScheduled:
		if p.EntryID == "" {
			return fmt.Errorf("scheduled payload requires entry_id")
		}
	case KindDerived:
		if p.ParentTaskID == "" {
			return fmt.Errorf("derived payload requires parent_task_id")
		}
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

// Task is a unit of externally triggered work tracked through the state
// machine. Tasks are mutated only by the store's CAS transitions.
type Task struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Priority     Priority   `json:"priority"`
	Source       string     `json:"source,omitempty"`
	Payload      Payload    `json:"payload"`
	Status       Status     `json:"status"`
	Action       *Action    `json:"action,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorCode    ErrorCode  `json:"error_code,omitempty"`
	Frozen       bool       `json:"frozen,omitempty"`
	Supersedes   string     `json:"supersedes,omitempty"`
	NotBefore    *time.Time `json:"not_before,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return IsTerminal(t.Status)
}

// Ready reports whether the task is dispatchable at now (queued and past
// its not_before, if any).
func (t *Task) Ready(now time.Time) bool {
	if t.Status != StatusQueued || t.Frozen {
		return false
	}
	return t.NotBefore == nil || !now.Before(*t.NotBefore)
}

// EffectivePriority returns the task's priority after aging promotion: one
// class per agingThreshold waited since creation.
func (t *Task) EffectivePriority(now time.Time, agingThreshold time.Duration) Priority {
	if agingThreshold <= 0 {
		return t.Priority
	}
	p := t.Priority
	waited := now.Sub(t.CreatedAt)
	for waited >= agingThreshold && p != PriorityCritical {
		p = p.Promote()
		waited -= agingThreshold
	}
	return p
}

// DeriveID builds a deterministic task ID from a source event identity so
// that redelivery of the same external event dedups.
func DeriveID(source string, kind Kind, eventIdentity string) string {
	sum := sha256.Sum256([]byte(source + "|" + string(kind) + "|" + eventIdentity))
	return "task_" + hex.EncodeToString(sum[:8])
}

// RetryID derives the ID for a task re-emitted after its predecessor
// reached a terminal state. Generation 2 is the first replacement.
func RetryID(id string, generation int) string {
	return fmt.Sprintf("%s-r%d", id, generation)
}
