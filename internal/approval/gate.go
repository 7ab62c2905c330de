package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

var (
	// ErrOpenApprovalExists is returned when a task already has a pending
	// request. At most one open request may exist per task.
	ErrOpenApprovalExists = errors.New("task already has an open approval request")

	// ErrAlreadyResolved is returned when resolving a request whose decision
	// is final. Decisions cannot be reversed.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// TTLPolicy selects the approval deadline per risk level.
type TTLPolicy struct {
	Default time.Duration
	ByRisk  map[task.RiskLevel]time.Duration
}

// TTL returns the deadline duration for a risk level.
func (p TTLPolicy) TTL(risk task.RiskLevel) time.Duration {
	if d, ok := p.ByRisk[risk]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return 24 * time.Hour
}

// Gate materializes pending decisions as approval requests and applies the
// human's final decision back onto the task state machine.
type Gate struct {
	approvals *FileStore
	tasks     *store.TaskStore
	bus       *events.Bus
	ttl       TTLPolicy
}

// NewGate creates an approval gate.
func NewGate(approvals *FileStore, tasks *store.TaskStore, bus *events.Bus, ttl TTLPolicy) *Gate {
	return &Gate{approvals: approvals, tasks: tasks, bus: bus, ttl: ttl}
}

// Request gates a task currently in processing behind a new approval
// request and moves it to awaiting_approval. mutate, when non-nil, runs on
// the task inside the transition (the processor uses it to attach the
// proposed action for later execution).
func (g *Gate) Request(taskID, actionDescription string, risk task.RiskLevel, mutate func(*task.Task)) (*task.ApprovalRequest, error) {
	open, err := g.approvals.OpenForTask(taskID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: task %s, request %s", ErrOpenApprovalExists, taskID, open.ID)
	}

	now := time.Now()
	a := &task.ApprovalRequest{
		ID:                task.GenerateApprovalID(),
		TaskID:            taskID,
		ActionDescription: actionDescription,
		RiskLevel:         risk,
		Decision:          task.DecisionPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(g.ttl.TTL(risk)),
	}
	if err := g.approvals.Create(a); err != nil {
		return nil, err
	}

	_, err = g.tasks.TransitionForApproval(taskID,
		task.StatusProcessing, task.StatusAwaitingApproval,
		task.ActorProcessor, "approval requested: "+actionDescription, a.ID, mutate)
	if err != nil {
		// The task moved underneath us; roll the request back.
		_ = g.approvals.Remove(a.ID)
		return nil, err
	}

	g.bus.Publish(events.NewTypedEventForTask(events.SourceGate, events.ApprovalRequestedPayload{
		ApprovalID:        a.ID,
		TaskID:            taskID,
		ActionDescription: actionDescription,
		RiskLevel:         string(risk),
		ExpiresAt:         a.ExpiresAt,
	}, taskID))

	slog.Info("approval requested", "approval_id", a.ID, "task_id", taskID, "risk", risk)
	return a, nil
}

// Resolve applies a final human decision. Only approved and rejected are
// valid; a second resolve on the same request returns ErrAlreadyResolved.
func (g *Gate) Resolve(approvalID string, decision task.Decision, notes string) (*task.ApprovalRequest, error) {
	if decision != task.DecisionApproved && decision != task.DecisionRejected {
		return nil, fmt.Errorf("resolve %s: invalid decision %q", approvalID, decision)
	}

	a, err := g.approvals.Get(approvalID)
	if err != nil {
		return nil, err
	}
	if !a.Open() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, approvalID, a.Decision)
	}

	to := task.StatusExecuting
	detail := "approved by human"
	if decision == task.DecisionRejected {
		to = task.StatusRejected
		detail = "rejected by human"
	}
	if notes != "" {
		detail += ": " + notes
	}

	if _, err := g.tasks.TransitionForApproval(a.TaskID,
		task.StatusAwaitingApproval, to, task.ActorHuman, detail, a.ID, nil); err != nil {
		return nil, err
	}

	now := time.Now()
	a.Decision = decision
	a.Notes = notes
	a.ResolvedAt = &now
	if err := g.approvals.Update(a); err != nil {
		return nil, err
	}

	g.bus.Publish(events.NewTypedEventForTask(events.SourceGate, events.ApprovalResolvedPayload{
		ApprovalID: a.ID,
		TaskID:     a.TaskID,
		Decision:   string(decision),
		Notes:      notes,
	}, a.TaskID))

	slog.Info("approval resolved", "approval_id", a.ID, "task_id", a.TaskID, "decision", decision)
	return a, nil
}

// Sweep expires every pending request past its deadline and cascades the
// owning task to expired. Returns the number of requests expired.
func (g *Gate) Sweep(now time.Time) (int, error) {
	pending, err := g.approvals.List(ListFilter{Decision: task.DecisionPending})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, a := range pending {
		if now.Before(a.ExpiresAt) {
			continue
		}
		if g.expireOne(a, now) {
			expired++
		}
	}
	return expired, nil
}

// expireOne finalizes a single overdue request. Reports whether the request
// was expired by this call.
func (g *Gate) expireOne(a *task.ApprovalRequest, now time.Time) bool {
	if _, err := g.tasks.TransitionForApproval(a.TaskID,
		task.StatusAwaitingApproval, task.StatusExpired,
		task.ActorGate, "approval deadline passed", a.ID, nil); err != nil {
		if !errors.Is(err, store.ErrCASMismatch) {
			slog.Error("expire approval: task transition", "approval_id", a.ID, "error", err)
			return false
		}
		// The task moved on since we listed. A human may have resolved the
		// request in the meantime; re-read before touching it.
		cur, err := g.approvals.Get(a.ID)
		if err != nil {
			slog.Error("expire approval: reload", "approval_id", a.ID, "error", err)
			return false
		}
		if !cur.Open() {
			return false
		}
		a = cur
	}

	resolvedAt := now
	a.Decision = task.DecisionExpired
	a.ResolvedAt = &resolvedAt
	if err := g.approvals.Update(a); err != nil {
		slog.Error("expire approval: update", "approval_id", a.ID, "error", err)
		return false
	}

	g.bus.Publish(events.NewTypedEventForTask(events.SourceGate, events.ApprovalExpiredPayload{
		ApprovalID: a.ID,
		TaskID:     a.TaskID,
	}, a.TaskID))
	g.bus.Publish(events.NewTypedEvent(events.SourceGate, events.AlertPayload{
		Severity: events.AlertWarning,
		TaskID:   a.TaskID,
		Message:  fmt.Sprintf("approval %s expired without a decision", a.ID),
	}))

	slog.Warn("approval expired", "approval_id", a.ID, "task_id", a.TaskID)
	return true
}

// sweeperBeatInterval is how often the running sweeper reports liveness.
// Independent of the sweep cadence: a long sweep interval must not look like
// a hung component to the watchdog.
const sweeperBeatInterval = 10 * time.Second

// RunSweeper runs Sweep on a ticker until done closes. It is registered as
// a watchdog-supervised component by the runtime.
func (g *Gate) RunSweeper(done <-chan struct{}, interval time.Duration, beat func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beatTicker := time.NewTicker(sweeperBeatInterval)
	defer beatTicker.Stop()

	for {
		if beat != nil {
			beat()
		}
		select {
		case <-done:
			return
		case <-beatTicker.C:
		case <-ticker.C:
			if _, err := g.Sweep(time.Now()); err != nil {
				slog.Error("approval sweep", "error", err)
			}
		}
	}
}

// Store exposes the underlying approval store for the status surface.
func (g *Gate) Store() *FileStore { return g.approvals }
