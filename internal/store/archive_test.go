package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/steward/internal/task"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	ar, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { ar.Close() })
	return ar
}

func terminalTask(id string) *task.Task {
	now := time.Now()
	return &task.Task{
		ID:        id,
		Kind:      task.KindMessage,
		Priority:  task.PriorityMedium,
		Status:    task.StatusDone,
		Payload:   task.Payload{Channel: "email", Sender: "a@b.c"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestArchivePutGet(t *testing.T) {
	ar := newTestArchive(t)

	in := terminalTask("task_1")
	if err := ar.Put(in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := ar.Get("task_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.ID != in.ID || out.Status != in.Status || out.Payload.Sender != in.Payload.Sender {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestArchiveRejectsNonTerminal(t *testing.T) {
	ar := newTestArchive(t)

	tk := terminalTask("task_1")
	tk.Status = task.StatusProcessing
	if err := ar.Put(tk); err == nil {
		t.Fatal("expected error archiving non-terminal task")
	}
}

func TestArchivePutIdempotent(t *testing.T) {
	ar := newTestArchive(t)

	first := terminalTask("task_1")
	if err := ar.Put(first); err != nil {
		t.Fatal(err)
	}

	// Re-archiving the same record (a sweep retried after a partial failure)
	// is a no-op.
	if err := ar.Put(first); err != nil {
		t.Fatalf("Put again: %v", err)
	}

	// A different task under the same ID is refused, not silently dropped.
	second := terminalTask("task_1")
	second.Status = task.StatusFailed
	if err := ar.Put(second); !errors.Is(err, ErrArchiveConflict) {
		t.Fatalf("expected ErrArchiveConflict, got %v", err)
	}

	got, err := ar.Get("task_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusDone {
		t.Errorf("archived row was overwritten: got %s", got.Status)
	}
}

func TestArchiveHas(t *testing.T) {
	ar := newTestArchive(t)

	if err := ar.Put(terminalTask("task_1")); err != nil {
		t.Fatal(err)
	}

	has, err := ar.Has("task_1")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Error("archived task not found")
	}

	has, err = ar.Has("task_unknown")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Error("unknown id reported as archived")
	}
}

func TestArchiveList(t *testing.T) {
	ar := newTestArchive(t)

	for _, id := range []string{"task_1", "task_2", "task_3"} {
		if err := ar.Put(terminalTask(id)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := ar.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d tasks, want 2", len(list))
	}
}

func TestSweepTerminal(t *testing.T) {
	ts, _ := newTestStore(t)
	ar := newTestArchive(t)

	// One old terminal task, one fresh terminal task, one live task.
	newQueuedTask(t, ts, "task_old")
	mustTransition(t, ts, "task_old", task.StatusQueued, task.StatusProcessing)
	mustTransition(t, ts, "task_old", task.StatusProcessing, task.StatusDone)

	newQueuedTask(t, ts, "task_fresh")
	mustTransition(t, ts, "task_fresh", task.StatusQueued, task.StatusProcessing)
	mustTransition(t, ts, "task_fresh", task.StatusProcessing, task.StatusDone)

	newQueuedTask(t, ts, "task_live")

	// Zero olderThan sweeps anything terminal right away; a long olderThan
	// would sweep nothing. Exercise both.
	moved, err := SweepTerminal(ts, ar, 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepTerminal: %v", err)
	}
	if moved != 0 {
		t.Errorf("nothing should move before the age cutoff, moved %d", moved)
	}

	moved, err = SweepTerminal(ts, ar, 0)
	if err != nil {
		t.Fatalf("SweepTerminal: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved: got %d, want 2", moved)
	}

	if ts.Exists("task_old") || ts.Exists("task_fresh") {
		t.Error("swept tasks should be removed from the live store")
	}
	if !ts.Exists("task_live") {
		t.Error("live task should remain")
	}
	if _, err := ar.Get("task_old"); err != nil {
		t.Errorf("task_old should be archived: %v", err)
	}
}
