package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Liveness represents the freshness of a heartbeat file.
type Liveness string

const (
	LivenessAlive Liveness = "alive"
	LivenessStale Liveness = "stale"
	LivenessDead  Liveness = "dead"
)

// Heartbeat is the data written to the heartbeat file. An external monitor
// can read it to tell a live daemon from a crashed one.
type Heartbeat struct {
	PID        int            `json:"pid"`
	StartedAt  time.Time      `json:"started_at"`
	Timestamp  time.Time      `json:"timestamp"`
	Uptime     string         `json:"uptime"`
	Components map[string]int `json:"components"` // name -> restart count
}

// HeartbeatWriter periodically writes the daemon heartbeat file.
type HeartbeatWriter struct {
	path     string
	interval time.Duration
	started  time.Time
	snapshot func() map[string]int

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewHeartbeatWriter creates a writer for path. snapshot, when non-nil,
// supplies per-component restart counts to embed in each beat.
func NewHeartbeatWriter(path string, interval time.Duration, snapshot func() map[string]int) *HeartbeatWriter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatWriter{path: path, interval: interval, snapshot: snapshot}
}

// Start begins writing heartbeat files in a background goroutine.
func (w *HeartbeatWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return // already running
	}

	w.started = time.Now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *HeartbeatWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop == nil {
		return
	}

	close(w.stop)
	<-w.done
	w.stop = nil

	os.Remove(w.path)
}

func (w *HeartbeatWriter) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.snapshot != nil {
		hb.Components = w.snapshot()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, w.path)
}

// CheckHeartbeat reads a heartbeat file and returns the liveness status.
// maxAge determines how old a beat can be before it counts as stale.
func CheckHeartbeat(path string, maxAge time.Duration) (Liveness, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LivenessDead, nil, nil
		}
		return LivenessDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return LivenessDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return LivenessStale, &hb, nil
	}
	return LivenessAlive, &hb, nil
}
