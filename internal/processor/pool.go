package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/steward/internal/approval"
	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

// pollInterval is the fallback scan cadence when no wake signal arrives.
const pollInterval = 5 * time.Second

// Config holds dependencies and bounds for the processor pool.
type Config struct {
	Queue  *queue.Queue
	Store  *store.TaskStore
	Gate   *approval.Gate
	Bus    *events.Bus
	Engine Engine

	Slots          int           // concurrent engine calls (default 1)
	ProcessTimeout time.Duration // hard timeout per Decide call
	MaxAttempts    int           // attempts before a transient failure sticks
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	// WakeExecutor pokes the executor pool when a task reaches executing.
	WakeExecutor func()
	// Beat reports liveness to the watchdog.
	Beat func()
}

// Pool is the bounded processor worker pool. One task per slot is in flight
// at a time; the reasoning engine is typically the serialization point.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	inFlight int

	scheduleCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a processor pool.
func New(cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	return &Pool{
		cfg:        cfg,
		scheduleCh: make(chan struct{}, 1),
	}
}

// Start launches the schedule loop.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.scheduleLoop()
	slog.Info("processor pool started", "slots", p.cfg.Slots)
}

// Stop cancels in-flight work and waits for goroutines to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("processor pool stopped")
}

// Wake sends a non-blocking signal to the schedule loop.
func (p *Pool) Wake() {
	select {
	case p.scheduleCh <- struct{}{}:
	default:
	}
}

func (p *Pool) scheduleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if p.cfg.Beat != nil {
			p.cfg.Beat()
		}
		p.schedule()

		select {
		case <-p.ctx.Done():
			return
		case <-p.scheduleCh:
		case <-ticker.C:
		}
	}
}

// schedule fills free slots with dispatchable tasks.
func (p *Pool) schedule() {
	for {
		p.mu.Lock()
		if p.inFlight >= p.cfg.Slots {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		t, err := p.cfg.Queue.DequeueNext()
		if err != nil {
			slog.Error("processor dequeue", "error", err)
			return
		}
		if t == nil {
			return
		}

		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()

		p.wg.Add(1)
		go func(t *task.Task) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
				p.Wake()
			}()
			p.process(t)
		}(t)
	}
}

// process runs one engine decision for a task already claimed into
// processing.
func (p *Pool) process(t *task.Task) {
	slog.Info("processing task", "task_id", t.ID, "kind", t.Kind, "attempt", t.AttemptCount+1)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ProcessTimeout)
	defer cancel()

	decision, err := p.cfg.Engine.Decide(ctx, t)
	if err != nil {
		p.handleEngineError(t, err)
		return
	}
	if err := decision.Validate(); err != nil {
		p.handleEngineError(t, &ValidationError{Err: err})
		return
	}

	switch decision.Type {
	case DecisionAutoExecute:
		p.applyAutoExecute(t, decision)
	case DecisionRequestApproval:
		p.applyRequestApproval(t, decision)
	case DecisionArchive:
		p.applyArchive(t, decision)
	case DecisionDefer:
		p.applyDefer(t, decision)
	}
}

func (p *Pool) applyAutoExecute(t *task.Task, d Decision) {
	_, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusExecuting,
		task.ActorProcessor, "auto-approved action "+d.ActionName, func(tt *task.Task) {
			tt.Action = task.NewAction(tt.ID, d.ActionName, d.ActionParams)
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusExecuting, "auto-approved")
	if p.cfg.WakeExecutor != nil {
		p.cfg.WakeExecutor()
	}
}

func (p *Pool) applyRequestApproval(t *task.Task, d Decision) {
	_, err := p.cfg.Gate.Request(t.ID, d.ActionDescription, d.RiskLevel, func(tt *task.Task) {
		tt.Action = task.NewAction(tt.ID, d.ActionName, d.ActionParams)
	})
	if err != nil {
		if errors.Is(err, approval.ErrOpenApprovalExists) {
			// Invariant breach: a processing task cannot have an open gate.
			p.freeze(t, task.ErrFatal, err.Error())
			return
		}
		p.logTransitionErr(t.ID, err)
	}
}

func (p *Pool) applyArchive(t *task.Task, d Decision) {
	_, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusDone,
		task.ActorProcessor, "archived: "+d.Reason, nil)
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusDone, "archived")
}

func (p *Pool) applyDefer(t *task.Task, d Decision) {
	notBefore := time.Now().Add(d.RetryAfter)
	_, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusQueued,
		task.ActorProcessor, fmt.Sprintf("deferred for %s", d.RetryAfter), func(tt *task.Task) {
			tt.NotBefore = &notBefore
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusQueued, "deferred")
}

// handleEngineError applies the error taxonomy: transient failures retry
// with backoff until attempts are exhausted; auth and validation failures
// stick immediately.
func (p *Pool) handleEngineError(t *task.Task, decideErr error) {
	code := classify(decideErr)

	switch code {
	case task.ErrAuth:
		p.failNoRetry(t, code, decideErr.Error())
		p.cfg.Bus.Publish(events.NewTypedEvent(events.SourceProcessor, events.AlertPayload{
			Severity:  events.AlertWarning,
			Component: "engine",
			TaskID:    t.ID,
			Message:   "engine authentication failure: " + decideErr.Error(),
		}))
	case task.ErrValidation:
		p.freeze(t, code, decideErr.Error())
	default:
		p.failTransient(t, decideErr)
	}
}

func (p *Pool) failTransient(t *task.Task, decideErr error) {
	attempt := t.AttemptCount + 1
	failed, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusFailed,
		task.ActorProcessor, fmt.Sprintf("attempt %d/%d: %s", attempt, p.cfg.MaxAttempts, decideErr),
		func(tt *task.Task) {
			tt.AttemptCount++
			tt.LastError = decideErr.Error()
			tt.ErrorCode = task.ErrTransient
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusFailed, failed.LastError)

	if failed.AttemptCount >= p.cfg.MaxAttempts {
		slog.Warn("task failed, attempts exhausted", "task_id", t.ID, "attempts", failed.AttemptCount)
		return
	}

	notBefore := time.Now().Add(p.backoff(failed.AttemptCount))
	_, err = p.cfg.Store.Transition(t.ID, task.StatusFailed, task.StatusQueued,
		task.ActorProcessor, fmt.Sprintf("retry scheduled, backoff until %s", notBefore.Format(time.RFC3339)),
		func(tt *task.Task) {
			tt.NotBefore = &notBefore
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusFailed, task.StatusQueued, "retry scheduled")
}

func (p *Pool) failNoRetry(t *task.Task, code task.ErrorCode, msg string) {
	_, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusFailed,
		task.ActorProcessor, msg, func(tt *task.Task) {
			tt.AttemptCount++
			tt.LastError = msg
			tt.ErrorCode = code
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusFailed, msg)
}

// freeze fails the task and marks it frozen so nothing auto-retries it.
func (p *Pool) freeze(t *task.Task, code task.ErrorCode, msg string) {
	_, err := p.cfg.Store.Transition(t.ID, task.StatusProcessing, task.StatusFailed,
		task.ActorProcessor, "frozen: "+msg, func(tt *task.Task) {
			tt.AttemptCount++
			tt.LastError = msg
			tt.ErrorCode = code
			tt.Frozen = true
		})
	if err != nil {
		p.logTransitionErr(t.ID, err)
		return
	}
	p.publishTransition(t.ID, task.StatusProcessing, task.StatusFailed, "frozen: "+msg)
	p.cfg.Bus.Publish(events.NewTypedEvent(events.SourceProcessor, events.AlertPayload{
		Severity: events.AlertWarning,
		TaskID:   t.ID,
		Message:  fmt.Sprintf("task frozen (%s): %s", code, msg),
	}))
}

// backoff returns the exponential delay for the given completed attempt
// count, capped.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if d > p.cfg.BackoffCap {
		d = p.cfg.BackoffCap
	}
	return d
}

func (p *Pool) publishTransition(taskID string, from, to task.Status, detail string) {
	p.cfg.Bus.Publish(events.NewTypedEventForTask(events.SourceProcessor, events.TaskTransitionPayload{
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Actor:      string(task.ActorProcessor),
		Detail:     detail,
	}, taskID))
}

func (p *Pool) logTransitionErr(taskID string, err error) {
	if errors.Is(err, store.ErrCASMismatch) {
		slog.Debug("transition superseded", "task_id", taskID, "error", err)
		return
	}
	slog.Error("task transition", "task_id", taskID, "error", err)
}
