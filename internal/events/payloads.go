package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskEnqueuedPayload struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Source   string `json:"source,omitempty"`
	Merged   bool   `json:"merged,omitempty"` // true when deduped into an existing task
}

func (TaskEnqueuedPayload) EventType() EventType { return EventTaskEnqueued }

type TaskTransitionPayload struct {
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	Detail     string `json:"detail,omitempty"`
}

func (TaskTransitionPayload) EventType() EventType { return EventTaskTransition }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

type ApprovalRequestedPayload struct {
	ApprovalID        string    `json:"approval_id"`
	TaskID            string    `json:"task_id"`
	ActionDescription string    `json:"action_description"`
	RiskLevel         string    `json:"risk_level"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (ApprovalRequestedPayload) EventType() EventType { return EventApprovalRequested }

type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
	Decision   string `json:"decision"`
	Notes      string `json:"notes,omitempty"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventApprovalResolved }

type ApprovalExpiredPayload struct {
	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
}

func (ApprovalExpiredPayload) EventType() EventType { return EventApprovalExpired }

// =============================================================================
// WATCHDOG EVENTS
// =============================================================================

type ProcessCrashedPayload struct {
	Component    string `json:"component"`
	RestartCount int    `json:"restart_count"`
	Error        string `json:"error,omitempty"`
}

func (ProcessCrashedPayload) EventType() EventType { return EventProcessCrashed }

type ProcessRestartedPayload struct {
	Component    string `json:"component"`
	RestartCount int    `json:"restart_count"`
	Backoff      string `json:"backoff"`
}

func (ProcessRestartedPayload) EventType() EventType { return EventProcessRestarted }

type ProcessStoppedPayload struct {
	Component string `json:"component"`
	Reason    string `json:"reason,omitempty"`
}

func (ProcessStoppedPayload) EventType() EventType { return EventProcessStopped }

// =============================================================================
// ALERTS
// =============================================================================

// AlertSeverity grades system alerts.
type AlertSeverity string

const (
	AlertWarning AlertSeverity = "warning"
	AlertFatal   AlertSeverity = "fatal"
)

type AlertPayload struct {
	Severity  AlertSeverity `json:"severity"`
	Component string        `json:"component,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Message   string        `json:"message"`
}

func (AlertPayload) EventType() EventType { return EventAlert }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

// NewTypedEvent builds an Event from a typed payload.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedEventForTask builds an Event carrying task context.
func NewTypedEventForTask(source EventSource, payload EventPayload, taskID string) Event {
	e := NewTypedEvent(source, payload)
	e.TaskID = taskID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
