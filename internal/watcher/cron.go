package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/task"
)

// beatInterval is how often a running cron watcher reports liveness.
const beatInterval = 10 * time.Second

// CronWatcher fires scheduled tasks on a cron expression. Each firing gets
// a distinct task identity (entry plus fire time), so a missed approval on
// yesterday's run never swallows today's.
type CronWatcher struct {
	manifest Manifest
	submit   Submitter
}

// NewCron creates a schedule watcher from its manifest.
func NewCron(m Manifest, submit Submitter) (*CronWatcher, error) {
	if _, err := cron.ParseStandard(m.Schedule); err != nil {
		return nil, fmt.Errorf("watcher %s: bad schedule %q: %w", m.Name, m.Schedule, err)
	}
	return &CronWatcher{manifest: m, submit: submit}, nil
}

// Name returns the watcher's component name.
func (w *CronWatcher) Name() string { return "watcher:" + w.manifest.Name }

// Run installs the schedule and blocks until ctx is done. Compatible with
// watchdog supervision.
func (w *CronWatcher) Run(ctx context.Context, beat func()) error {
	c := cron.New()
	if _, err := c.AddFunc(w.manifest.Schedule, w.fire); err != nil {
		return fmt.Errorf("install schedule: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		if beat != nil {
			beat()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *CronWatcher) fire() {
	now := time.Now()
	entryID := w.manifest.EntryID
	if entryID == "" {
		entryID = w.manifest.Name
	}

	identity := fmt.Sprintf("%s@%s", entryID, now.Format(time.RFC3339))
	id := task.DeriveID(w.Name(), task.KindScheduled, identity)

	t, _, err := w.submit.Enqueue(queue.Submission{
		ID:       id,
		Kind:     task.KindScheduled,
		Priority: w.manifest.priority(),
		Source:   w.Name(),
		Payload: task.Payload{
			EntryID: entryID,
			FiredAt: &now,
		},
	})
	if err != nil {
		slog.Error("schedule fire", "watcher", w.manifest.Name, "error", err)
		return
	}
	slog.Info("schedule fired", "watcher", w.manifest.Name, "entry_id", entryID, "task_id", t.ID)
}
