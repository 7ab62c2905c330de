package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/steward/internal/events"
)

func testPolicy() Policy {
	return Policy{
		PollInterval:  5 * time.Millisecond,
		Grace:         50 * time.Millisecond,
		RestartBase:   5 * time.Millisecond,
		RestartCap:    10 * time.Millisecond,
		MaxRestarts:   2,
		RestartWindow: 10 * time.Second,
	}
}

// healthyRun beats on a short ticker until ctx is done.
func healthyRun(ctx context.Context, beat func()) error {
	beat()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestComponentBeatsToRunning(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)
	w.Register("worker", healthyRun)

	w.Start()
	defer w.Stop()

	waitFor(t, "worker running", func() bool {
		r, err := w.Get("worker")
		return err == nil && r.Status == ProcessRunning
	})
}

func TestStopMarksComponentsStopped(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)
	w.Register("worker", healthyRun)

	w.Start()
	waitFor(t, "worker running", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning
	})
	w.Stop()

	r, err := w.Get("worker")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != ProcessStopped {
		t.Errorf("status after Stop: got %s, want stopped", r.Status)
	}
}

func TestCrashTriggersRestartAfterBackoff(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)

	var runs atomic.Int32
	w.Register("flaky", func(ctx context.Context, beat func()) error {
		if runs.Add(1) == 1 {
			return errors.New("boom")
		}
		return healthyRun(ctx, beat)
	})

	w.Start()
	defer w.Stop()

	waitFor(t, "flaky restarted and running", func() bool {
		r, _ := w.Get("flaky")
		return r.Status == ProcessRunning && r.RestartCount == 1
	})

	r, _ := w.Get("flaky")
	if r.LastError != "boom" {
		t.Errorf("last_error: got %q, want boom", r.LastError)
	}
}

func TestRestartCapGivesUpWithFatalAlert(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	alerts, unsubscribe := bus.SubscribeChan(8, events.EventAlert)
	defer unsubscribe()

	w := New(testPolicy(), bus) // MaxRestarts: 2
	var runs atomic.Int32
	w.Register("doomed", func(ctx context.Context, beat func()) error {
		runs.Add(1)
		return errors.New("always crashes")
	})

	w.Start()
	defer w.Stop()

	select {
	case e := <-alerts:
		if e.Payload["severity"] != string(events.AlertFatal) || e.Payload["component"] != "doomed" {
			t.Errorf("alert payload: %+v", e.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal alert before deadline")
	}

	waitFor(t, "doomed parked in crashed", func() bool {
		r, _ := w.Get("doomed")
		return r.Status == ProcessCrashed && r.BackoffUntil == nil
	})

	// Give the poll loop a few more cycles: a given-up component must not be
	// relaunched.
	runsAtGiveUp := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != runsAtGiveUp {
		t.Errorf("component relaunched after give-up: %d -> %d runs", runsAtGiveUp, got)
	}
}

func TestStaleHeartbeatCountsAsCrash(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)

	var runs atomic.Int32
	w.Register("silent", func(ctx context.Context, beat func()) error {
		if runs.Add(1) == 1 {
			// Beat once, then go quiet past the grace period.
			beat()
			<-ctx.Done()
			return ctx.Err()
		}
		return healthyRun(ctx, beat)
	})

	w.Start()
	defer w.Stop()

	waitFor(t, "silent component killed and restarted", func() bool {
		r, _ := w.Get("silent")
		return r.RestartCount >= 1
	})

	r, _ := w.Get("silent")
	if r.LastError != "heartbeat stale" {
		t.Errorf("last_error: got %q, want heartbeat stale", r.LastError)
	}
}

// A component that hangs before its first beat never leaves starting; the
// grace check must catch it there too.
func TestHungStartCountsAsCrash(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)

	var runs atomic.Int32
	w.Register("wedged", func(ctx context.Context, beat func()) error {
		if runs.Add(1) == 1 {
			// Never beats: stuck in some blocking init.
			<-ctx.Done()
			return ctx.Err()
		}
		return healthyRun(ctx, beat)
	})

	w.Start()
	defer w.Stop()

	waitFor(t, "wedged component killed and restarted", func() bool {
		r, _ := w.Get("wedged")
		return r.RestartCount >= 1
	})

	r, _ := w.Get("wedged")
	if r.LastError != "heartbeat stale" {
		t.Errorf("last_error: got %q, want heartbeat stale", r.LastError)
	}
}

func TestRestartOnRequest(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)
	w.Register("worker", healthyRun)

	w.Start()
	defer w.Stop()
	waitFor(t, "worker running", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning
	})

	if err := w.Restart("worker"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	waitFor(t, "worker running after restart", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning && r.RestartCount == 1
	})
}

// Operator restarts must not consume the crash-loop window: a component
// restarted on request as often as MaxRestarts still gets restarted when it
// later crashes for real.
func TestManualRestartsDoNotConsumeCrashWindow(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus) // MaxRestarts: 2

	var crash atomic.Bool
	w.Register("worker", func(ctx context.Context, beat func()) error {
		if crash.Load() {
			crash.Store(false)
			return errors.New("boom")
		}
		return healthyRun(ctx, beat)
	})

	w.Start()
	defer w.Stop()

	for i := 1; i <= 2; i++ {
		waitFor(t, "worker running", func() bool {
			r, _ := w.Get("worker")
			return r.Status == ProcessRunning
		})
		if err := w.Restart("worker"); err != nil {
			t.Fatalf("Restart: %v", err)
		}
	}

	waitFor(t, "worker running after manual restarts", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning
	})

	crash.Store(true)
	if err := w.Restart("worker"); err != nil {
		t.Fatal(err)
	}

	// The crash after two manual restarts is the first strike in the window,
	// so the watchdog restarts it instead of giving up.
	waitFor(t, "worker restarted after crash", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning && r.LastError == "boom"
	})
}

func TestStopComponentStaysDown(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)
	w.Register("worker", healthyRun)

	w.Start()
	defer w.Stop()
	waitFor(t, "worker running", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning
	})

	if err := w.StopComponent("worker"); err != nil {
		t.Fatalf("StopComponent: %v", err)
	}

	// The poll loop must not resurrect an operator-stopped component.
	time.Sleep(50 * time.Millisecond)
	r, _ := w.Get("worker")
	if r.Status != ProcessStopped {
		t.Errorf("status: got %s, want stopped", r.Status)
	}
	if r.RestartCount != 0 {
		t.Errorf("restart_count: got %d, want 0", r.RestartCount)
	}
}

func TestResetRestartsRevivesGivenUpComponent(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	w := New(testPolicy(), bus)

	var healthy atomic.Bool
	w.Register("worker", func(ctx context.Context, beat func()) error {
		if !healthy.Load() {
			return errors.New("still broken")
		}
		return healthyRun(ctx, beat)
	})

	w.Start()
	defer w.Stop()

	waitFor(t, "worker given up", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessCrashed && r.BackoffUntil == nil
	})

	healthy.Store(true)
	if err := w.ResetRestarts("worker"); err != nil {
		t.Fatal(err)
	}
	if err := w.Restart("worker"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "worker running after reset", func() bool {
		r, _ := w.Get("worker")
		return r.Status == ProcessRunning
	})
}

func TestUnknownComponent(t *testing.T) {
	w := New(testPolicy(), nil)
	if _, err := w.Get("ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("Get: %v", err)
	}
	if err := w.Restart("ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("Restart: %v", err)
	}
	if err := w.StopComponent("ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("StopComponent: %v", err)
	}
	if err := w.ResetRestarts("ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("ResetRestarts: %v", err)
	}
}

func TestStatusSortedByName(t *testing.T) {
	w := New(testPolicy(), nil)
	w.Register("zeta", healthyRun)
	w.Register("alpha", healthyRun)

	records := w.Status()
	if len(records) != 2 || records[0].Name != "alpha" || records[1].Name != "zeta" {
		t.Errorf("status order: %+v", records)
	}
}
