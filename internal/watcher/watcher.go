// Package watcher turns external signals into task submissions: files
// appearing in watched directories and cron-style schedules firing. Watchers
// are declared in YAML manifests and run as watchdog-supervised components.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/task"
)

// Submitter is where watchers hand their submissions. *queue.Queue satisfies
// it.
type Submitter interface {
	Enqueue(sub queue.Submission) (*task.Task, bool, error)
}

// Manifest declares one watcher.
type Manifest struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "file_drop" or "scheduled"

	// file_drop
	Path         string        `yaml:"path,omitempty"`
	Patterns     []string      `yaml:"patterns,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// scheduled
	Schedule string `yaml:"schedule,omitempty"`
	EntryID  string `yaml:"entry_id,omitempty"`

	Priority string `yaml:"priority,omitempty"`
}

// Validate checks the manifest is complete for its kind.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("watcher manifest requires name")
	}
	switch m.Kind {
	case "file_drop":
		if m.Path == "" {
			return fmt.Errorf("watcher %s: file_drop requires path", m.Name)
		}
	case "scheduled":
		if m.Schedule == "" {
			return fmt.Errorf("watcher %s: scheduled requires schedule", m.Name)
		}
	default:
		return fmt.Errorf("watcher %s: unknown kind %q", m.Name, m.Kind)
	}
	switch task.Priority(m.Priority) {
	case "", task.PriorityCritical, task.PriorityHigh, task.PriorityMedium, task.PriorityLow:
	default:
		return fmt.Errorf("watcher %s: unknown priority %q", m.Name, m.Priority)
	}
	return nil
}

// priority returns the manifest priority, defaulting to medium.
func (m Manifest) priority() task.Priority {
	if m.Priority == "" {
		return task.PriorityMedium
	}
	return task.Priority(m.Priority)
}

// LoadManifests reads every *.yaml/*.yml manifest in dir, sorted by
// filename. A missing dir yields no watchers.
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read watcher dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var manifests []Manifest
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read watcher manifest %s: %w", name, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse watcher manifest %s: %w", name, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
