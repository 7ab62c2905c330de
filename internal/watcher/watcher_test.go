package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/task"
)

// fakeSubmitter records submissions and reports a merge for any repeated ID.
type fakeSubmitter struct {
	subs []queue.Submission
	seen map[string]bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{seen: make(map[string]bool)}
}

func (f *fakeSubmitter) Enqueue(sub queue.Submission) (*task.Task, bool, error) {
	merged := f.seen[sub.ID]
	f.seen[sub.ID] = true
	f.subs = append(f.subs, sub)
	return &task.Task{ID: sub.ID, Kind: sub.Kind, Status: task.StatusQueued}, merged, nil
}

// fresh returns the distinct task IDs submitted so far.
func (f *fakeSubmitter) distinct() int { return len(f.seen) }

func TestManifestValidate(t *testing.T) {
	cases := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"file drop ok", Manifest{Name: "inbox", Kind: "file_drop", Path: "/tmp/in"}, false},
		{"file drop missing path", Manifest{Name: "inbox", Kind: "file_drop"}, true},
		{"scheduled ok", Manifest{Name: "daily", Kind: "scheduled", Schedule: "0 8 * * *"}, false},
		{"scheduled missing schedule", Manifest{Name: "daily", Kind: "scheduled"}, true},
		{"missing name", Manifest{Kind: "file_drop", Path: "/tmp/in"}, true},
		{"unknown kind", Manifest{Name: "x", Kind: "imap"}, true},
		{"bad priority", Manifest{Name: "inbox", Kind: "file_drop", Path: "/tmp/in", Priority: "urgent"}, true},
		{"good priority", Manifest{Name: "inbox", Kind: "file_drop", Path: "/tmp/in", Priority: "high"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b-daily.yaml": "name: daily\nkind: scheduled\nschedule: \"0 8 * * *\"\n",
		"a-inbox.yml":  "name: inbox\nkind: file_drop\npath: /tmp/in\npatterns:\n  - \"**/*.pdf\"\n",
		"notes.txt":    "not a manifest",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	manifests, err := LoadManifests(dir)
	if err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("got %d manifests, want 2", len(manifests))
	}
	// Sorted by filename, so inbox first.
	if manifests[0].Name != "inbox" || manifests[1].Name != "daily" {
		t.Errorf("order: %s, %s", manifests[0].Name, manifests[1].Name)
	}
	if len(manifests[0].Patterns) != 1 || manifests[0].Patterns[0] != "**/*.pdf" {
		t.Errorf("patterns: %+v", manifests[0].Patterns)
	}
}

func TestLoadManifestsMissingDir(t *testing.T) {
	manifests, err := LoadManifests(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should be fine: %v", err)
	}
	if manifests != nil {
		t.Errorf("got %v, want nil", manifests)
	}
}

func TestLoadManifestsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: x\nkind: imap\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifests(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDropDirScanMatchesPatterns(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "invoice.pdf"))
	mustWrite(t, filepath.Join(root, "notes.txt"))
	mustWrite(t, filepath.Join(root, "sub", "receipt.pdf"))

	sub := newFakeSubmitter()
	w := NewDropDir(Manifest{
		Name:     "inbox",
		Kind:     "file_drop",
		Path:     root,
		Patterns: []string{"**/*.pdf"},
	}, sub)

	if err := w.scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sub.distinct() != 2 {
		t.Fatalf("got %d submissions, want 2 (pdf only): %+v", sub.distinct(), sub.subs)
	}
	for _, s := range sub.subs {
		if s.Kind != task.KindFileDrop {
			t.Errorf("kind: got %s", s.Kind)
		}
		if s.Payload.Path == "" || s.Payload.Size == 0 {
			t.Errorf("payload: %+v", s.Payload)
		}
		if s.Source != "watcher:inbox" {
			t.Errorf("source: got %s", s.Source)
		}
	}
}

func TestDropDirRescanKeepsIdentity(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doc.pdf")
	mustWrite(t, path)

	sub := newFakeSubmitter()
	w := NewDropDir(Manifest{Name: "inbox", Kind: "file_drop", Path: root}, sub)

	if err := w.scan(); err != nil {
		t.Fatal(err)
	}
	if err := w.scan(); err != nil {
		t.Fatal(err)
	}
	if sub.distinct() != 1 {
		t.Errorf("unchanged file across rescans should keep one identity, got %d", sub.distinct())
	}

	// Touching the file changes modtime, which is a new identity.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if err := w.scan(); err != nil {
		t.Fatal(err)
	}
	if sub.distinct() != 2 {
		t.Errorf("modified file should get a fresh identity, got %d", sub.distinct())
	}
}

func TestDropDirMissingDirectory(t *testing.T) {
	sub := newFakeSubmitter()
	w := NewDropDir(Manifest{Name: "inbox", Kind: "file_drop", Path: filepath.Join(t.TempDir(), "later")}, sub)
	if err := w.scan(); err != nil {
		t.Errorf("missing drop dir should not error: %v", err)
	}
	if len(sub.subs) != 0 {
		t.Errorf("unexpected submissions: %+v", sub.subs)
	}
}

func TestNewCronValidatesSchedule(t *testing.T) {
	if _, err := NewCron(Manifest{Name: "daily", Kind: "scheduled", Schedule: "not a schedule"}, newFakeSubmitter()); err == nil {
		t.Fatal("expected schedule parse error")
	}
	if _, err := NewCron(Manifest{Name: "daily", Kind: "scheduled", Schedule: "@hourly"}, newFakeSubmitter()); err != nil {
		t.Fatalf("@hourly should parse: %v", err)
	}
}

func TestCronFireSubmitsDistinctTasks(t *testing.T) {
	sub := newFakeSubmitter()
	w, err := NewCron(Manifest{Name: "daily", Kind: "scheduled", Schedule: "@daily", EntryID: "morning-brief"}, sub)
	if err != nil {
		t.Fatal(err)
	}

	w.fire()
	time.Sleep(1100 * time.Millisecond) // identity has second resolution
	w.fire()

	if sub.distinct() != 2 {
		t.Errorf("each firing should be its own task, got %d", sub.distinct())
	}
	s := sub.subs[0]
	if s.Kind != task.KindScheduled || s.Payload.EntryID != "morning-brief" || s.Payload.FiredAt == nil {
		t.Errorf("submission: %+v", s)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
}
