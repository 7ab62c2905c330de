package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/task"
)

// DropDirWatcher polls a directory and submits a file_drop task for every
// matching file. The task ID is derived from path and modtime, so rescanning
// an unchanged file merges into the existing task while an overwritten file
// produces a fresh one.
type DropDirWatcher struct {
	manifest Manifest
	submit   Submitter
}

// NewDropDir creates a drop-directory watcher from its manifest.
func NewDropDir(m Manifest, submit Submitter) *DropDirWatcher {
	return &DropDirWatcher{manifest: m, submit: submit}
}

// Name returns the watcher's component name.
func (w *DropDirWatcher) Name() string { return "watcher:" + w.manifest.Name }

// Run polls until ctx is done. Compatible with watchdog supervision.
func (w *DropDirWatcher) Run(ctx context.Context, beat func()) error {
	interval := w.manifest.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if beat != nil {
			beat()
		}
		if err := w.scan(); err != nil {
			slog.Error("drop dir scan", "watcher", w.manifest.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scan walks the drop directory once and submits every matching file.
func (w *DropDirWatcher) scan() error {
	root := w.manifest.Path
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil // directory may appear later
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !w.matches(filepath.ToSlash(rel)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return w.submitFile(path, info)
	})
}

// matches applies the manifest patterns; no patterns means everything.
func (w *DropDirWatcher) matches(rel string) bool {
	if len(w.manifest.Patterns) == 0 {
		return true
	}
	for _, pattern := range w.manifest.Patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *DropDirWatcher) submitFile(path string, info fs.FileInfo) error {
	identity := fmt.Sprintf("%s@%d", path, info.ModTime().UnixNano())
	id := task.DeriveID(w.manifest.Name, task.KindFileDrop, identity)

	t, merged, err := w.submit.Enqueue(queue.Submission{
		ID:       id,
		Kind:     task.KindFileDrop,
		Priority: w.manifest.priority(),
		Source:   w.Name(),
		Payload: task.Payload{
			Path: path,
			Size: info.Size(),
		},
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", path, err)
	}
	if !merged {
		slog.Info("file drop detected", "watcher", w.manifest.Name, "path", path, "task_id", t.ID)
	}
	return nil
}
