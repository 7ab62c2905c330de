// Package queue implements the deduplicating ingestion queue and the
// priority scheduler that feeds the processor pool.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

// maxRetryGenerations bounds how many replacement tasks a single external
// event identity may spawn.
const maxRetryGenerations = 10

// Submission is the task submission contract for adapters. ID must be
// deterministically derived from the source event identity so redelivery
// dedups (task.DeriveID).
type Submission struct {
	ID       string        `json:"id"`
	Kind     task.Kind     `json:"kind"`
	Priority task.Priority `json:"priority,omitempty"`
	Source   string        `json:"source,omitempty"`
	Payload  task.Payload  `json:"payload"`
}

// Queue is the ordered, durable holding area for tasks. It owns enqueue
// dedup and the priority/FIFO/aging dequeue discipline; the task store owns
// persistence and CAS.
type Queue struct {
	store          *store.TaskStore
	bus            *events.Bus
	archive        *store.Archive
	agingThreshold time.Duration
}

// New creates a Queue over the given store.
func New(st *store.TaskStore, bus *events.Bus, agingThreshold time.Duration) *Queue {
	return &Queue{store: st, bus: bus, agingThreshold: agingThreshold}
}

// AttachArchive gives enqueue dedup visibility into archived terminal tasks.
// Without it, an ID whose record was archived out of the live store would be
// recreated as a brand-new task instead of spawning a successor generation.
func (q *Queue) AttachArchive(ar *store.Archive) { q.archive = ar }

// Enqueue validates and persists a submission. A resubmission of an ID in a
// non-terminal state merges the payload instead of duplicating; an ID in a
// terminal state spawns a new generation that supersedes the old record.
// Returns the live task and whether the submission was merged.
func (q *Queue) Enqueue(sub Submission) (*task.Task, bool, error) {
	if sub.ID == "" {
		return nil, false, fmt.Errorf("enqueue: missing task id")
	}
	if err := sub.Payload.Validate(sub.Kind); err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", sub.ID, err)
	}
	if sub.Priority == "" {
		sub.Priority = task.PriorityMedium
	}

	if q.store.Exists(sub.ID) {
		existing, err := q.store.Get(sub.ID)
		if err != nil {
			return nil, false, err
		}
		if !existing.IsTerminal() {
			merged, err := q.store.MergePayload(sub.ID, sub.Payload, task.ActorAdapter)
			if err != nil {
				return nil, false, err
			}
			q.bus.Publish(events.NewTypedEventForTask(events.SourceQueue, events.TaskEnqueuedPayload{
				TaskID:   merged.ID,
				Kind:     string(merged.Kind),
				Priority: string(merged.Priority),
				Source:   merged.Source,
				Merged:   true,
			}, merged.ID))
			return merged, true, nil
		}
		// Terminal records are never resurrected: create a successor.
		return q.enqueueSuccessor(sub)
	}

	archived, err := q.isArchived(sub.ID)
	if err != nil {
		return nil, false, err
	}
	if archived {
		return q.enqueueSuccessor(sub)
	}

	t := &task.Task{
		ID:       sub.ID,
		Kind:     sub.Kind,
		Priority: sub.Priority,
		Source:   sub.Source,
		Payload:  sub.Payload,
	}
	if err := q.store.Create(t, task.ActorAdapter, "enqueued by "+sourceLabel(sub.Source)); err != nil {
		return nil, false, err
	}

	q.bus.Publish(events.NewTypedEventForTask(events.SourceQueue, events.TaskEnqueuedPayload{
		TaskID:   t.ID,
		Kind:     string(t.Kind),
		Priority: string(t.Priority),
		Source:   t.Source,
	}, t.ID))

	slog.Info("task enqueued", "task_id", t.ID, "kind", t.Kind, "priority", t.Priority)
	return t, false, nil
}

func (q *Queue) enqueueSuccessor(sub Submission) (*task.Task, bool, error) {
	for gen := 2; gen <= maxRetryGenerations; gen++ {
		id := task.RetryID(sub.ID, gen)
		if !q.store.Exists(id) {
			archived, err := q.isArchived(id)
			if err != nil {
				return nil, false, err
			}
			if archived {
				continue // this generation already ran and was archived
			}
			t := &task.Task{
				ID:         id,
				Kind:       sub.Kind,
				Priority:   sub.Priority,
				Source:     sub.Source,
				Payload:    sub.Payload,
				Supersedes: sub.ID,
			}
			if err := q.store.Create(t, task.ActorAdapter, "re-emitted after terminal predecessor "+sub.ID); err != nil {
				return nil, false, err
			}
			q.bus.Publish(events.NewTypedEventForTask(events.SourceQueue, events.TaskEnqueuedPayload{
				TaskID:   t.ID,
				Kind:     string(t.Kind),
				Priority: string(t.Priority),
				Source:   t.Source,
			}, t.ID))
			return t, false, nil
		}

		// The newest generation might itself still be live: merge into it.
		successor, err := q.store.Get(id)
		if err != nil {
			return nil, false, err
		}
		if !successor.IsTerminal() {
			merged, err := q.store.MergePayload(id, sub.Payload, task.ActorAdapter)
			if err != nil {
				return nil, false, err
			}
			return merged, true, nil
		}
	}
	return nil, false, fmt.Errorf("enqueue %s: too many re-emitted generations", sub.ID)
}

func (q *Queue) isArchived(id string) (bool, error) {
	if q.archive == nil {
		return false, nil
	}
	return q.archive.Has(id)
}

// Contains reports whether a task with this ID (any state) is known.
func (q *Queue) Contains(id string) bool {
	return q.store.Exists(id)
}

// DequeueNext claims the next dispatchable task: highest effective priority
// (aging-promoted), then oldest created_at, then smallest ID. The claim is
// a CAS queued -> processing; a lost race moves on to the next candidate.
// Returns nil when nothing is dispatchable.
func (q *Queue) DequeueNext() (*task.Task, error) {
	queued, err := q.store.List(store.ListFilter{Status: task.StatusQueued})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var candidates []*task.Task
	for _, t := range queued {
		if t.Ready(now) {
			candidates = append(candidates, t)
		}
	}
	sortByEffectivePriority(candidates, now, q.agingThreshold)

	for _, t := range candidates {
		claimed, err := q.store.Transition(t.ID, task.StatusQueued, task.StatusProcessing,
			task.ActorScheduler, "dispatched", func(tt *task.Task) {
				tt.NotBefore = nil
			})
		if errors.Is(err, store.ErrCASMismatch) {
			continue // another worker claimed it
		}
		if err != nil {
			return nil, err
		}

		q.bus.Publish(events.NewTypedEventForTask(events.SourceQueue, events.TaskTransitionPayload{
			TaskID:     claimed.ID,
			FromStatus: string(task.StatusQueued),
			ToStatus:   string(task.StatusProcessing),
			Actor:      string(task.ActorScheduler),
		}, claimed.ID))
		return claimed, nil
	}
	return nil, nil
}

// sortByEffectivePriority orders candidates for dispatch. The list from the
// store is already (created_at, id) ordered; a stable sort on effective
// priority keeps FIFO within a class.
func sortByEffectivePriority(tasks []*task.Task, now time.Time, aging time.Duration) {
	// insertion sort keeps the implementation allocation-free and stable
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a := tasks[j-1].EffectivePriority(now, aging).Rank()
			b := tasks[j].EffectivePriority(now, aging).Rank()
			if b > a {
				tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
			} else {
				break
			}
		}
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "adapter"
	}
	return source
}
