package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dohr-michael/steward/internal/store/dirstore"
	"github.com/dohr-michael/steward/internal/task"
)

// ErrCASMismatch is returned by Transition when the task's current status
// does not match the expected status. Callers retrying a delivered
// transition treat it as a no-op, not a failure.
var ErrCASMismatch = errors.New("transition precondition does not match")

// ErrIllegalTransition is returned for transitions absent from the legal
// transition graph. Unlike a CAS mismatch this is a logic error.
var ErrIllegalTransition = errors.New("illegal status transition")

// ListFilter selects tasks in List.
type ListFilter struct {
	Status task.Status
	Kind   task.Kind
	Source string
}

// TaskStore owns the authoritative status of every task. All mutation goes
// through Create, MergePayload, or the CAS Transition; every applied change
// appends exactly one audit entry inside the store lock.
type TaskStore struct {
	ds    *dirstore.DirStore
	audit *AuditLog
}

// NewTaskStore creates a task store rooted at baseDir, auditing to audit.
func NewTaskStore(baseDir string, audit *AuditLog) *TaskStore {
	return &TaskStore{ds: dirstore.New(baseDir, "task"), audit: audit}
}

// Create persists a new task in queued state.
func (s *TaskStore) Create(t *task.Task, actor task.Actor, detail string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if t.ID == "" {
		return fmt.Errorf("create task: missing id")
	}
	if s.ds.Exists(t.ID) {
		return fmt.Errorf("create task: %s already exists", t.ID)
	}

	now := time.Now()
	t.Status = task.StatusQueued
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.ds.EnsureDir(t.ID); err != nil {
		return err
	}
	if err := s.ds.WriteMeta(t.ID, t); err != nil {
		return err
	}

	return s.audit.Append(task.AuditEntry{
		Timestamp: now,
		TaskID:    t.ID,
		ToStatus:  task.StatusQueued,
		Actor:     actor,
		Detail:    detail,
	})
}

// Get reads a task by ID.
func (s *TaskStore) Get(id string) (*task.Task, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()
	return s.read(id)
}

func (s *TaskStore) read(id string) (*task.Task, error) {
	var t task.Task
	if err := s.ds.ReadMeta(id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Exists reports whether a task with this ID is stored.
func (s *TaskStore) Exists(id string) bool {
	s.ds.RLock()
	defer s.ds.RUnlock()
	return s.ds.Exists(id)
}

// List returns tasks matching the filter, sorted by CreatedAt ascending with
// ID as the deterministic tie-breaker.
func (s *TaskStore) List(filter ListFilter) ([]*task.Task, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	names, err := s.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*task.Task
	for _, name := range names {
		t, err := s.read(name)
		if err != nil {
			continue // skip corrupted entries
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.Source != "" && t.Source != filter.Source {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Transition applies a compare-and-swap status change. If the task's current
// status differs from `from` it returns ErrCASMismatch without side effects,
// which makes redelivered transitions idempotent. mutate, when non-nil, runs
// on the task after the CAS check and before the write (attempt counts,
// errors, not_before).
func (s *TaskStore) Transition(id string, from, to task.Status, actor task.Actor, detail string, mutate func(*task.Task)) (*task.Task, error) {
	if !task.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return s.swap(id, from, to, actor, detail, "", mutate)
}

// TransitionForApproval is Transition with the approval request recorded in
// the audit entry, so replay reconstructs approval decisions.
func (s *TaskStore) TransitionForApproval(id string, from, to task.Status, actor task.Actor, detail, approvalID string, mutate func(*task.Task)) (*task.Task, error) {
	if !task.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return s.swap(id, from, to, actor, detail, approvalID, mutate)
}

func (s *TaskStore) swap(id string, from, to task.Status, actor task.Actor, detail, approvalID string, mutate func(*task.Task)) (*task.Task, error) {
	s.ds.Lock()
	defer s.ds.Unlock()

	t, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", ErrCASMismatch, id, t.Status, from)
	}

	now := time.Now()
	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	t.UpdatedAt = now

	if err := s.ds.WriteMeta(id, t); err != nil {
		return nil, err
	}

	if err := s.audit.Append(task.AuditEntry{
		Timestamp:  now,
		TaskID:     id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Detail:     detail,
		ApprovalID: approvalID,
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// MergePayload merges a re-announced payload into an existing non-terminal
// task without a status change, recording an informational audit note.
func (s *TaskStore) MergePayload(id string, p task.Payload, actor task.Actor) (*task.Task, error) {
	s.ds.Lock()
	defer s.ds.Unlock()

	t, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("merge payload: task %s is terminal (%s)", id, t.Status)
	}

	t.Payload = mergePayload(t.Payload, p)
	t.UpdatedAt = time.Now()
	if err := s.ds.WriteMeta(id, t); err != nil {
		return nil, err
	}

	if err := s.audit.Append(task.AuditEntry{
		Timestamp:  t.UpdatedAt,
		TaskID:     id,
		FromStatus: t.Status,
		ToStatus:   t.Status,
		Actor:      actor,
		Detail:     "payload merged from re-announced event",
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func mergePayload(old, incoming task.Payload) task.Payload {
	merged := incoming
	if merged.Extra == nil {
		merged.Extra = old.Extra
	} else {
		for k, v := range old.Extra {
			if _, ok := merged.Extra[k]; !ok {
				merged.Extra[k] = v
			}
		}
	}
	return merged
}

// Recover re-queues tasks stranded mid-flight by a crash. processing and
// executing tasks go back to queued with a recovery audit entry; the
// executor's idempotency keys make re-running a possibly-completed action
// safe. Returns the number of tasks recovered.
func (s *TaskStore) Recover() (int, error) {
	s.ds.Lock()
	defer s.ds.Unlock()

	names, err := s.ds.ListDirs()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, name := range names {
		t, err := s.read(name)
		if err != nil {
			continue
		}
		if t.Status != task.StatusProcessing && t.Status != task.StatusExecuting {
			continue
		}

		from := t.Status
		now := time.Now()
		t.Status = task.StatusQueued
		t.UpdatedAt = now
		if err := s.ds.WriteMeta(t.ID, t); err != nil {
			continue
		}
		_ = s.audit.Append(task.AuditEntry{
			Timestamp:  now,
			TaskID:     t.ID,
			FromStatus: from,
			ToStatus:   task.StatusQueued,
			Actor:      task.ActorRecovery,
			Detail:     "re-queued after restart",
		})
		recovered++
	}
	return recovered, nil
}

// Remove deletes a task directory. Only the archive sweep calls this, after
// the task has been copied into the read-only archive.
func (s *TaskStore) Remove(id string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	t, err := s.read(id)
	if err != nil {
		return err
	}
	if !t.IsTerminal() {
		return fmt.Errorf("remove task: %s is not terminal (%s)", id, t.Status)
	}
	return s.ds.RemoveDir(id)
}
