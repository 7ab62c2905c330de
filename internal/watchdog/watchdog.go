// Package watchdog supervises the long-running pipeline components. Each
// component reports liveness through beats; a component that crashes or goes
// silent is restarted with exponential backoff, and one that keeps crashing
// within the restart window is given up on with a fatal alert.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/steward/internal/events"
)

// ProcessStatus is the supervision state of a component.
type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessCrashed  ProcessStatus = "crashed"
	ProcessStopped  ProcessStatus = "stopped"
)

// ErrUnknownComponent is returned for operations on a name that was never
// registered.
var ErrUnknownComponent = errors.New("unknown component")

// RunFunc is a supervised component body. It must call beat periodically
// while healthy and return when ctx is done; a non-nil error (or going
// silent past the grace period) counts as a crash.
type RunFunc func(ctx context.Context, beat func()) error

// ProcessRecord is the externally visible supervision state of one
// component.
type ProcessRecord struct {
	Name          string        `json:"name"`
	Status        ProcessStatus `json:"status"`
	RestartCount  int           `json:"restart_count"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	LastError     string        `json:"last_error,omitempty"`
	BackoffUntil  *time.Time    `json:"backoff_until,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// Policy bounds restart behavior.
type Policy struct {
	PollInterval  time.Duration // beat staleness check cadence
	Grace         time.Duration // max silence before a running component counts as hung
	RestartBase   time.Duration // first restart delay
	RestartCap    time.Duration // max restart delay
	MaxRestarts   int           // restarts tolerated inside RestartWindow
	RestartWindow time.Duration // sliding window for MaxRestarts
}

func (p Policy) withDefaults() Policy {
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.Grace <= 0 {
		p.Grace = 30 * time.Second
	}
	if p.RestartBase <= 0 {
		p.RestartBase = time.Second
	}
	if p.RestartCap <= 0 {
		p.RestartCap = 2 * time.Minute
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 5
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = 10 * time.Minute
	}
	return p
}

type component struct {
	name string
	run  RunFunc

	status     ProcessStatus
	restarts   []time.Time // restart timestamps inside the sliding window
	totalCount int
	lastBeat   time.Time
	lastError  string
	backoffTil *time.Time
	startedAt  time.Time
	gaveUp     bool

	stopRequested bool // operator asked for this exit; do not count as crash
	staleKill     bool // exit was forced by the stale-beat check
	lastDelay     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Watchdog supervises registered components.
type Watchdog struct {
	policy Policy
	bus    *events.Bus

	mu         sync.Mutex
	components map[string]*component
	order      []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watchdog with the given restart policy.
func New(policy Policy, bus *events.Bus) *Watchdog {
	return &Watchdog{
		policy:     policy.withDefaults(),
		bus:        bus,
		components: make(map[string]*component),
	}
}

// Register adds a component. Must be called before Start.
func (w *Watchdog) Register(name string, run RunFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.components[name] = &component{name: name, run: run, status: ProcessStopped}
	w.order = append(w.order, name)
}

// Start launches every registered component and the poll loop.
func (w *Watchdog) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.mu.Lock()
	for _, name := range w.order {
		w.launch(w.components[name])
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pollLoop()
	slog.Info("watchdog started", "components", len(w.components))
}

// Stop shuts everything down and waits for components to exit.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("watchdog stopped")
}

// launch starts one component goroutine. Caller holds w.mu.
func (w *Watchdog) launch(c *component) {
	ctx, cancel := context.WithCancel(w.ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = ProcessStarting
	c.startedAt = time.Now()
	c.lastBeat = time.Now()
	c.backoffTil = nil
	c.stopRequested = false
	c.staleKill = false

	beat := func() {
		w.mu.Lock()
		c.lastBeat = time.Now()
		if c.status == ProcessStarting {
			c.status = ProcessRunning
		}
		w.mu.Unlock()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(c.done)

		err := c.run(ctx, beat)

		w.mu.Lock()
		defer w.mu.Unlock()

		if w.ctx.Err() != nil || c.stopRequested {
			c.status = ProcessStopped
			w.publish(events.ProcessStoppedPayload{Component: c.name})
			return
		}

		reason := "component returned unexpectedly"
		switch {
		case c.staleKill:
			reason = "heartbeat stale"
		case err != nil && !errors.Is(err, context.Canceled):
			reason = err.Error()
		}
		w.crashed(c, reason)
	}()
}

// crashed records a crash and schedules a restart, or gives up when the
// sliding-window cap is hit. Caller holds w.mu.
func (w *Watchdog) crashed(c *component, reason string) {
	now := time.Now()
	c.status = ProcessCrashed
	c.lastError = reason

	// Prune restarts outside the window.
	cutoff := now.Add(-w.policy.RestartWindow)
	kept := c.restarts[:0]
	for _, ts := range c.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.restarts = kept

	slog.Error("component crashed", "component", c.name, "reason", reason,
		"restarts_in_window", len(c.restarts))
	w.publish(events.ProcessCrashedPayload{
		Component:    c.name,
		RestartCount: c.totalCount,
		Error:        reason,
	})

	if len(c.restarts) >= w.policy.MaxRestarts {
		c.gaveUp = true
		slog.Error("component exceeded restart cap, giving up",
			"component", c.name, "max_restarts", w.policy.MaxRestarts, "window", w.policy.RestartWindow)
		w.publish(events.AlertPayload{
			Severity:  events.AlertFatal,
			Component: c.name,
			Message: fmt.Sprintf("component %s crashed %d times within %s, not restarting",
				c.name, len(c.restarts)+1, w.policy.RestartWindow),
		})
		return
	}

	delay := w.backoff(len(c.restarts))
	until := now.Add(delay)
	c.backoffTil = &until
	c.lastDelay = delay
	slog.Info("restart scheduled", "component", c.name, "delay", delay)
}

// backoff returns the delay before restart number n (0-based), with jitter.
func (w *Watchdog) backoff(n int) time.Duration {
	d := w.policy.RestartBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= w.policy.RestartCap {
			d = w.policy.RestartCap
			break
		}
	}
	// Up to 25% jitter so co-crashing components fan out.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (w *Watchdog) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll restarts components whose backoff has elapsed and kills components
// that went silent past the grace period.
func (w *Watchdog) poll() {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, name := range w.order {
		c := w.components[name]
		switch c.status {
		case ProcessCrashed:
			if c.gaveUp || c.backoffTil == nil || now.Before(*c.backoffTil) {
				continue
			}
			c.restarts = append(c.restarts, now)
			c.totalCount++
			w.launch(c)
			slog.Info("component restarted", "component", c.name, "restart_count", c.totalCount)
			w.publish(events.ProcessRestartedPayload{
				Component:    c.name,
				RestartCount: c.totalCount,
				Backoff:      c.lastDelay.String(),
			})
		case ProcessRunning, ProcessStarting:
			// For a starting component lastBeat is its launch time, so one
			// that hangs before its first beat is caught by the same check.
			if now.Sub(c.lastBeat) <= w.policy.Grace {
				continue
			}
			slog.Warn("component heartbeat stale, restarting", "component", c.name,
				"silent_for", now.Sub(c.lastBeat).Truncate(time.Second))
			c.staleKill = true
			c.cancel()
			// The run goroutine observes cancellation and returns; its exit
			// handler records the crash and schedules the restart.
		}
	}
}

// Status returns the records of all components, sorted by name.
func (w *Watchdog) Status() []ProcessRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]ProcessRecord, 0, len(w.components))
	for _, c := range w.components {
		out = append(out, w.record(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one component's record.
func (w *Watchdog) Get(name string) (ProcessRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.components[name]
	if !ok {
		return ProcessRecord{}, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return w.record(c), nil
}

// Restart forces an immediate restart of a component, clearing any pending
// backoff and the give-up flag.
func (w *Watchdog) Restart(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}

	if c.status == ProcessRunning || c.status == ProcessStarting {
		c.stopRequested = true
		c.cancel()
		w.mu.Unlock()
		<-c.done
		w.mu.Lock()
	}

	// Operator restarts do not count against the crash-loop window; only
	// crash-triggered restarts (poll) consume it.
	c.gaveUp = false
	c.totalCount++
	w.launch(c)
	slog.Info("component restarted on request", "component", name)
	w.publish(events.ProcessRestartedPayload{
		Component:    name,
		RestartCount: c.totalCount,
	})
	return nil
}

// StopComponent stops a component without restarting it.
func (w *Watchdog) StopComponent(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	if c.status != ProcessRunning && c.status != ProcessStarting {
		return nil
	}

	c.stopRequested = true
	c.cancel()
	w.mu.Unlock()
	<-c.done
	w.mu.Lock()
	c.status = ProcessStopped
	return nil
}

// ResetRestarts clears a component's sliding restart window so the watchdog
// will supervise it again after an operator intervention.
func (w *Watchdog) ResetRestarts(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.components[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	c.restarts = nil
	c.gaveUp = false
	return nil
}

// RestartCounts returns total restart counts keyed by component, for the
// heartbeat file.
func (w *Watchdog) RestartCounts() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]int, len(w.components))
	for name, c := range w.components {
		out[name] = c.totalCount
	}
	return out
}

// record builds the external view. Caller holds w.mu.
func (w *Watchdog) record(c *component) ProcessRecord {
	r := ProcessRecord{
		Name:          c.name,
		Status:        c.status,
		RestartCount:  c.totalCount,
		LastHeartbeat: c.lastBeat,
		LastError:     c.lastError,
		StartedAt:     c.startedAt,
	}
	if c.backoffTil != nil && c.status == ProcessCrashed && !c.gaveUp {
		t := *c.backoffTil
		r.BackoffUntil = &t
	}
	return r
}

func (w *Watchdog) publish(payload events.EventPayload) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.NewTypedEvent(events.SourceWatchdog, payload))
}
