// Package dirstore provides the shared primitives for directory-backed
// entity stores: one subdirectory per entity, a meta.json written via atomic
// tmp+rename, and a store-wide lock callers hold across read-check-write
// sequences. The atomic rename is what makes the stores' compare-and-swap
// updates crash-safe.
package dirstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirStore is the base for directory-backed stores. entityName is used in
// error messages ("task", "approval", "process").
type DirStore struct {
	mu         sync.RWMutex
	baseDir    string
	entityName string
}

// New creates a DirStore rooted at baseDir.
func New(baseDir, entityName string) *DirStore {
	return &DirStore{baseDir: baseDir, entityName: entityName}
}

// Lock acquires the exclusive store lock.
func (ds *DirStore) Lock() { ds.mu.Lock() }

// Unlock releases the exclusive store lock.
func (ds *DirStore) Unlock() { ds.mu.Unlock() }

// RLock acquires the shared read lock.
func (ds *DirStore) RLock() { ds.mu.RLock() }

// RUnlock releases the shared read lock.
func (ds *DirStore) RUnlock() { ds.mu.RUnlock() }

// BaseDir returns the store's root directory.
func (ds *DirStore) BaseDir() string { return ds.baseDir }

// Dir returns the directory path for an entity ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// EnsureDir creates the entity directory (and parents) if missing.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// RemoveDir removes the entity directory and its contents.
func (ds *DirStore) RemoveDir(id string) error {
	return os.RemoveAll(ds.Dir(id))
}

// Exists reports whether an entity directory with a meta.json exists.
func (ds *DirStore) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(ds.Dir(id), "meta.json"))
	return err == nil
}

// ListDirs returns the names of all entity directories.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", ds.entityName, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// ErrNotFound wraps a missing-entity error with the entity name and ID.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// WriteMeta atomically writes the entity's meta.json via tmp + rename.
// Caller must hold the exclusive lock.
func (ds *DirStore) WriteMeta(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s meta: %w", ds.entityName, err)
	}

	path := filepath.Join(ds.Dir(id), "meta.json")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s meta tmp: %w", ds.entityName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s meta: %w", ds.entityName, err)
	}
	return nil
}

// ReadMeta reads and unmarshals the entity's meta.json into out. Caller
// must hold at least the read lock.
func (ds *DirStore) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(filepath.Join(ds.Dir(id), "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Entity: ds.entityName, ID: id}
		}
		return fmt.Errorf("read %s meta: %w", ds.entityName, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s meta: %w", ds.entityName, err)
	}
	return nil
}
