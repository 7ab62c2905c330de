package approval

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

func newTestGate(t *testing.T, ttl TTLPolicy) (*Gate, *store.TaskStore, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	audit, err := store.NewAuditLog(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	ts := store.NewTaskStore(filepath.Join(dir, "tasks"), audit)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	return NewGate(NewFileStore(filepath.Join(dir, "approvals")), ts, bus, ttl), ts, bus
}

// processingTask creates a task and walks it to processing, where approval
// requests originate.
func processingTask(t *testing.T, ts *store.TaskStore, id string) {
	t.Helper()
	tk := &task.Task{
		ID:       id,
		Kind:     task.KindMessage,
		Priority: task.PriorityMedium,
		Payload:  task.Payload{Channel: "email", Sender: "a@b.c"},
	}
	if err := ts.Create(tk, task.ActorAdapter, "enqueued"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Transition(id, task.StatusQueued, task.StatusProcessing, task.ActorScheduler, "", nil); err != nil {
		t.Fatal(err)
	}
}

func TestRequestMovesTaskToAwaitingApproval(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")

	a, err := gate.Request("task_1", "send the reply draft", task.RiskMedium, func(tt *task.Task) {
		tt.Action = task.NewAction(tt.ID, "send_email", nil)
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if a.Decision != task.DecisionPending {
		t.Errorf("decision: got %s, want pending", a.Decision)
	}
	if a.ExpiresAt.Before(a.CreatedAt) {
		t.Error("expires_at before created_at")
	}

	tk, _ := ts.Get("task_1")
	if tk.Status != task.StatusAwaitingApproval {
		t.Errorf("task status: got %s, want awaiting_approval", tk.Status)
	}
	if tk.Action == nil || tk.Action.Name != "send_email" {
		t.Error("mutate should attach the proposed action")
	}
}

func TestRequestAtMostOneOpen(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")

	if _, err := gate.Request("task_1", "first", task.RiskLow, nil); err != nil {
		t.Fatal(err)
	}
	_, err := gate.Request("task_1", "second", task.RiskLow, nil)
	if !errors.Is(err, ErrOpenApprovalExists) {
		t.Fatalf("expected ErrOpenApprovalExists, got %v", err)
	}
}

func TestRequestRollsBackOnTaskRace(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	// The task moves out of processing before the gate gets to it.
	if _, err := ts.Transition("task_1", task.StatusProcessing, task.StatusDone, task.ActorProcessor, "", nil); err != nil {
		t.Fatal(err)
	}

	_, err := gate.Request("task_1", "late request", task.RiskLow, nil)
	if !errors.Is(err, store.ErrCASMismatch) {
		t.Fatalf("expected CAS mismatch, got %v", err)
	}

	// No orphaned request left behind.
	open, err := gate.Store().OpenForTask("task_1")
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Errorf("orphaned request: %+v", open)
	}
}

func TestResolveApprove(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "send", task.RiskLow, nil)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := gate.Resolve(a.ID, task.DecisionApproved, "looks good")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Decision != task.DecisionApproved || resolved.Notes != "looks good" {
		t.Errorf("resolved: %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}

	tk, _ := ts.Get("task_1")
	if tk.Status != task.StatusExecuting {
		t.Errorf("approved task: got %s, want executing", tk.Status)
	}
}

// TestResolveReject covers the lifecycle: approval requested, human rejects,
// task lands in rejected with the full trail intact and the action never
// executed.
func TestResolveReject(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "delete the folder", task.RiskHigh, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := gate.Resolve(a.ID, task.DecisionRejected, "too risky"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tk, _ := ts.Get("task_1")
	if tk.Status != task.StatusRejected {
		t.Errorf("rejected task: got %s, want rejected", tk.Status)
	}

	stored, _ := gate.Store().Get(a.ID)
	if stored.Decision != task.DecisionRejected {
		t.Errorf("stored decision: got %s", stored.Decision)
	}
}

func TestResolveIsFinal(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "send", task.RiskLow, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Resolve(a.ID, task.DecisionRejected, ""); err != nil {
		t.Fatal(err)
	}

	// A second decision, even the same one, is rejected.
	_, err = gate.Resolve(a.ID, task.DecisionApproved, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	_, err = gate.Resolve(a.ID, task.DecisionRejected, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveInvalidDecision(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "send", task.RiskLow, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := gate.Resolve(a.ID, task.DecisionExpired, ""); err == nil {
		t.Fatal("humans cannot resolve to expired")
	}
	if _, err := gate.Resolve(a.ID, task.Decision("maybe"), ""); err == nil {
		t.Fatal("unknown decisions must be rejected")
	}
}

func TestSweepExpiresOverdueRequests(t *testing.T) {
	gate, ts, bus := newTestGate(t, TTLPolicy{Default: 10 * time.Millisecond})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "send", task.RiskLow, nil)
	if err != nil {
		t.Fatal(err)
	}

	alerts, unsubscribe := bus.SubscribeChan(8, events.EventAlert)
	defer unsubscribe()

	expired, err := gate.Sweep(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired: got %d, want 1", expired)
	}

	tk, _ := ts.Get("task_1")
	if tk.Status != task.StatusExpired {
		t.Errorf("task: got %s, want expired", tk.Status)
	}
	stored, _ := gate.Store().Get(a.ID)
	if stored.Decision != task.DecisionExpired {
		t.Errorf("request: got %s, want expired", stored.Decision)
	}

	select {
	case e := <-alerts:
		if e.Type != events.EventAlert {
			t.Errorf("unexpected event: %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Error("expected an alert event for the expired approval")
	}
}

// A human resolution landing between the sweep's List and its finalize must
// win: resolved requests are immutable.
func TestSweepDoesNotClobberConcurrentResolve(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: 10 * time.Millisecond})
	processingTask(t, ts, "task_1")
	a, err := gate.Request("task_1", "send", task.RiskLow, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The copy a sweep holds after listing pending requests.
	stale := *a

	if _, err := gate.Resolve(a.ID, task.DecisionApproved, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if gate.expireOne(&stale, time.Now().Add(time.Minute)) {
		t.Error("an overdue copy of a resolved request must not expire it")
	}

	stored, _ := gate.Store().Get(a.ID)
	if stored.Decision != task.DecisionApproved {
		t.Errorf("stored decision: got %s, want approved", stored.Decision)
	}
	tk, _ := ts.Get("task_1")
	if tk.Status != task.StatusExecuting {
		t.Errorf("task: got %s, want executing", tk.Status)
	}
}

// Liveness must not depend on the sweep cadence: a sweeper configured with a
// long interval still beats right away.
func TestRunSweeperBeatsAheadOfSweepInterval(t *testing.T) {
	gate, _, _ := newTestGate(t, TTLPolicy{Default: time.Hour})

	done := make(chan struct{})
	defer close(done)
	beats := make(chan struct{}, 1)
	go gate.RunSweeper(done, time.Hour, func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	})

	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("sweeper went silent waiting for its first sweep tick")
	}
}

func TestSweepLeavesUnexpiredRequests(t *testing.T) {
	gate, ts, _ := newTestGate(t, TTLPolicy{Default: time.Hour})
	processingTask(t, ts, "task_1")
	if _, err := gate.Request("task_1", "send", task.RiskLow, nil); err != nil {
		t.Fatal(err)
	}

	expired, err := gate.Sweep(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if expired != 0 {
		t.Errorf("expired: got %d, want 0", expired)
	}
}

func TestTTLPolicyByRisk(t *testing.T) {
	p := TTLPolicy{
		Default: 24 * time.Hour,
		ByRisk: map[task.RiskLevel]time.Duration{
			task.RiskCritical: time.Hour,
		},
	}
	if got := p.TTL(task.RiskCritical); got != time.Hour {
		t.Errorf("critical: got %s", got)
	}
	if got := p.TTL(task.RiskLow); got != 24*time.Hour {
		t.Errorf("low: got %s", got)
	}
	if got := (TTLPolicy{}).TTL(task.RiskLow); got != 24*time.Hour {
		t.Errorf("zero policy: got %s", got)
	}
}
