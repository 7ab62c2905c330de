package task

import "time"

// AuditEntry records one state transition. The audit log is append-only and
// replayable: folding all entries from empty state reconstructs the current
// task and approval state.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      Actor     `json:"actor"`
	Detail     string    `json:"detail,omitempty"`

	// ApprovalID is set on entries caused by approval lifecycle changes so
	// replay can reconstruct approval decisions as well.
	ApprovalID string `json:"approval_id,omitempty"`
}
