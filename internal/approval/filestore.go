// Package approval implements the human approval gate: requests, final
// resolutions, and the expiry sweep.
package approval

import (
	"sort"
	"time"

	"github.com/dohr-michael/steward/internal/store/dirstore"
	"github.com/dohr-michael/steward/internal/task"
)

// FileStore persists approval requests as directories with a meta.json.
type FileStore struct {
	ds *dirstore.DirStore
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.New(baseDir, "approval")}
}

// Create persists a new approval request.
func (fs *FileStore) Create(a *task.ApprovalRequest) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if a.ID == "" {
		a.ID = task.GenerateApprovalID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	if err := fs.ds.EnsureDir(a.ID); err != nil {
		return err
	}
	return fs.ds.WriteMeta(a.ID, a)
}

// Get reads an approval request by ID.
func (fs *FileStore) Get(id string) (*task.ApprovalRequest, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	var a task.ApprovalRequest
	if err := fs.ds.ReadMeta(id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Update rewrites an approval request's meta.json.
func (fs *FileStore) Update(a *task.ApprovalRequest) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()
	return fs.ds.WriteMeta(a.ID, a)
}

// Remove deletes an approval request directory. Used only to roll back a
// request whose task transition lost its CAS race.
func (fs *FileStore) Remove(id string) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()
	return fs.ds.RemoveDir(id)
}

// ListFilter selects approval requests.
type ListFilter struct {
	TaskID   string
	Decision task.Decision
}

// List returns approval requests matching the filter, oldest first.
func (fs *FileStore) List(filter ListFilter) ([]*task.ApprovalRequest, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	names, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*task.ApprovalRequest
	for _, name := range names {
		var a task.ApprovalRequest
		if err := fs.ds.ReadMeta(name, &a); err != nil {
			continue
		}
		if filter.TaskID != "" && a.TaskID != filter.TaskID {
			continue
		}
		if filter.Decision != "" && a.Decision != filter.Decision {
			continue
		}
		out = append(out, &a)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// OpenForTask returns the open (pending) request for a task, or nil.
func (fs *FileStore) OpenForTask(taskID string) (*task.ApprovalRequest, error) {
	open, err := fs.List(ListFilter{TaskID: taskID, Decision: task.DecisionPending})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open[0], nil
}
