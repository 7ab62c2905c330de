// Package store persists the authoritative pipeline state: tasks and
// approval requests as directory-backed entities with CAS transitions, an
// append-only audit log replayable after a crash, and a read-only sqlite
// archive for terminal tasks.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/steward/internal/task"
)

// AuditLog is the append-only record of every state transition. It is
// written synchronously by the task store, inside the store lock, so the
// log order matches the transition order.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog creates an audit log at path, creating parent directories.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one entry as a JSON line.
func (l *AuditLog) Append(e task.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// Load reads all entries in append order. Corrupted lines (torn writes from
// a crash) are skipped.
func (l *AuditLog) Load() ([]task.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []task.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e task.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// Entries filters loaded entries by task ID. Empty id returns everything.
func (l *AuditLog) Entries(taskID string) ([]task.AuditEntry, error) {
	all, err := l.Load()
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return all, nil
	}
	var out []task.AuditEntry
	for _, e := range all {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReplayState is the state reconstructed by folding the audit log.
type ReplayState struct {
	Tasks     map[string]task.Status   // task ID -> current status
	Approvals map[string]task.Decision // approval ID -> current decision
}

// Replay folds entries from empty state. An entry with an empty FromStatus
// is a creation; an entry whose statuses are equal is an informational note
// (payload merge) and changes nothing; approval decisions are derived from
// the task status an approval-tagged transition lands in.
func Replay(entries []task.AuditEntry) ReplayState {
	st := ReplayState{
		Tasks:     make(map[string]task.Status),
		Approvals: make(map[string]task.Decision),
	}

	for _, e := range entries {
		if e.FromStatus == "" {
			st.Tasks[e.TaskID] = e.ToStatus
		} else if e.FromStatus != e.ToStatus {
			st.Tasks[e.TaskID] = e.ToStatus
		}

		if e.ApprovalID == "" {
			continue
		}
		switch e.ToStatus {
		case task.StatusAwaitingApproval:
			st.Approvals[e.ApprovalID] = task.DecisionPending
		case task.StatusExecuting:
			st.Approvals[e.ApprovalID] = task.DecisionApproved
		case task.StatusRejected:
			st.Approvals[e.ApprovalID] = task.DecisionRejected
		case task.StatusExpired:
			st.Approvals[e.ApprovalID] = task.DecisionExpired
		}
	}
	return st
}
