// Package executor carries approved actions out against external systems.
// It scans for tasks in executing, runs the configured provider with the
// execute timeout, and settles the task to done or failed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

const pollInterval = 5 * time.Second

// Provider performs a single action against an external system. Execute
// must be idempotent with respect to the action's idempotency key: a retry
// after a timeout may re-deliver an action that already landed.
type Provider interface {
	Execute(ctx context.Context, t *task.Task) error
}

// RetryableError marks a provider failure worth retrying in place.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a provider failure that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Config holds dependencies and bounds for the executor pool.
type Config struct {
	Store    *store.TaskStore
	Bus      *events.Bus
	Provider Provider

	Slots          int
	ExecuteTimeout time.Duration
	MaxAttempts    int // retryable provider failures before the task fails
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	Beat func()
}

// Pool is the bounded executor worker pool.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	inFlight map[string]struct{}

	scheduleCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an executor pool.
func New(cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 2
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		inFlight:   make(map[string]struct{}),
		scheduleCh: make(chan struct{}, 1),
	}
}

// Start launches the schedule loop.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.scheduleLoop()
	slog.Info("executor pool started", "slots", p.cfg.Slots)
}

// Stop cancels in-flight work and waits for goroutines to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("executor pool stopped")
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

// schedule claims executing tasks not already held by a worker, up to the
// slot limit.
func (p *Pool) schedule() {
	tasks, err := p.cfg.Store.List(store.ListFilter{Status: task.StatusExecuting})
	if err != nil {
		slog.Error("executor list", "error", err)
		return
	}

	for _, t := range tasks {
		p.mu.Lock()
		if len(p.inFlight) >= p.cfg.Slots {
			p.mu.Unlock()
			return
		}
		if _, held := p.inFlight[t.ID]; held {
			p.mu.Unlock()
			continue
		}
		p.inFlight[t.ID] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go func(t *task.Task) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.inFlight, t.ID)
				p.mu.Unlock()
				p.Wake()
			}()
			p.execute(t)
		}(t)
	}
}

// execute runs the provider for one task, retrying retryable failures in
// place, then settles the task.
func (p *Pool) execute(t *task.Task) {
	if t.Action == nil {
		p.settle(t, fmt.Errorf("task has no action attached"), task.ErrFatal, 1)
		return
	}
	slog.Info("executing action", "task_id", t.ID, "action", t.Action.Name,
		"idempotency_key", t.Action.IdempotencyKey)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ExecuteTimeout)
		err := p.cfg.Provider.Execute(ctx, t)
		cancel()

		if err == nil {
			p.settle(t, nil, "", attempt)
			return
		}
		lastErr = err

		var fatal *FatalError
		if errors.As(err, &fatal) {
			p.settle(t, err, task.ErrFatal, attempt)
			return
		}
		if p.ctx.Err() != nil {
			// Shutting down; leave the task in executing for crash recovery.
			return
		}
		if attempt < p.cfg.MaxAttempts {
			delay := p.backoff(attempt)
			slog.Warn("action failed, retrying", "task_id", t.ID, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	p.settle(t, lastErr, task.ErrTransient, p.cfg.MaxAttempts)
}

// settle moves the task to done or failed with a CAS from executing.
func (p *Pool) settle(t *task.Task, execErr error, code task.ErrorCode, attempts int) {
	to := task.StatusDone
	detail := "action " + actionName(t) + " completed"
	if execErr != nil {
		to = task.StatusFailed
		detail = fmt.Sprintf("action %s failed after %d attempt(s): %s", actionName(t), attempts, execErr)
	}

	_, err := p.cfg.Store.Transition(t.ID, task.StatusExecuting, to,
		task.ActorExecutor, detail, func(tt *task.Task) {
			tt.AttemptCount += attempts
			if execErr != nil {
				tt.LastError = execErr.Error()
				tt.ErrorCode = code
			}
		})
	if err != nil {
		if errors.Is(err, store.ErrCASMismatch) {
			slog.Debug("settle superseded", "task_id", t.ID)
			return
		}
		slog.Error("settle task", "task_id", t.ID, "error", err)
		return
	}

	p.cfg.Bus.Publish(events.NewTypedEventForTask(events.SourceExecutor, events.TaskTransitionPayload{
		TaskID:     t.ID,
		FromStatus: string(task.StatusExecuting),
		ToStatus:   string(to),
		Actor:      string(task.ActorExecutor),
		Detail:     detail,
	}, t.ID))

	if execErr != nil {
		slog.Warn("action failed", "task_id", t.ID, "error", execErr)
		p.cfg.Bus.Publish(events.NewTypedEvent(events.SourceExecutor, events.AlertPayload{
			Severity: events.AlertWarning,
			TaskID:   t.ID,
			Message:  detail,
		}))
	} else {
		slog.Info("action completed", "task_id", t.ID, "action", actionName(t))
	}
}

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

func actionName(t *task.Task) string {
	if t.Action == nil {
		return "(none)"
	}
	return t.Action.Name
}
