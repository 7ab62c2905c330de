package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Decision is the resolution state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// RiskLevel grades how sensitive the gated action is. It selects the
// approval TTL.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalRequest is a human-decision gate bound to a single task. It
// references the task, it does not own it. A resolved request is immutable;
// re-requesting approval appends a new request.
type ApprovalRequest struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	ActionDescription string     `json:"action_description"`
	RiskLevel         RiskLevel  `json:"risk_level"`
	Decision          Decision   `json:"decision"`
	Notes             string     `json:"notes,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the request still awaits a decision.
func (a *ApprovalRequest) Open() bool {
	return a.Decision == DecisionPending
}

// GenerateApprovalID creates a unique approval request identifier.
func GenerateApprovalID() string {
	u := uuid.New().String()
	return "appr_" + strings.ReplaceAll(u[:8], "-", "")
}
