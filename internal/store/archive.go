package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/steward/internal/task"
)

// ErrArchiveConflict is returned when a Put would overwrite an archived row
// holding a different task. Archived rows are immutable.
var ErrArchiveConflict = errors.New("conflicting task already archived")

// Archive is the read-only store terminal tasks are moved into. Rows are
// inserted once and never updated, preserving the audit trail while keeping
// the live task directory small.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	priority    TEXT NOT NULL,
	status      TEXT NOT NULL,
	source      TEXT,
	last_error  TEXT,
	created_at  TEXT NOT NULL,
	archived_at TEXT NOT NULL,
	task_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_status ON archived_tasks(status);
CREATE INDEX IF NOT EXISTS idx_archived_kind ON archived_tasks(kind);
`

// OpenArchive opens (creating if needed) the sqlite archive at path.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }

// Put inserts a terminal task. Re-archiving the same task is a no-op; an ID
// collision with a different task returns ErrArchiveConflict instead of
// silently dropping the new record.
func (a *Archive) Put(t *task.Task) error {
	if !t.IsTerminal() {
		return fmt.Errorf("archive: task %s is not terminal (%s)", t.ID, t.Status)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	var existing string
	err = a.db.QueryRow(`SELECT task_json FROM archived_tasks WHERE id = ?`, t.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("check archived task: %w", err)
	case existing == string(data):
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrArchiveConflict, t.ID)
	}

	_, err = a.db.Exec(`
		INSERT INTO archived_tasks
			(id, kind, priority, status, source, last_error, created_at, archived_at, task_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), string(t.Priority), string(t.Status), t.Source,
		t.LastError, t.CreatedAt.Format(time.RFC3339Nano),
		time.Now().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert archived task: %w", err)
	}
	return nil
}

// Has reports whether an archived row with this ID exists.
func (a *Archive) Has(id string) (bool, error) {
	var one int
	err := a.db.QueryRow(`SELECT 1 FROM archived_tasks WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check archived task: %w", err)
	}
	return true, nil
}

// Get reads an archived task by ID.
func (a *Archive) Get(id string) (*task.Task, error) {
	var data string
	err := a.db.QueryRow(`SELECT task_json FROM archived_tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("archived task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query archived task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal archived task: %w", err)
	}
	return &t, nil
}

// List returns archived tasks, newest archived first, up to limit.
func (a *Archive) List(limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`SELECT task_json FROM archived_tasks ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SweepTerminal moves tasks that have been terminal for longer than
// olderThan from the live store into the archive. Returns how many moved.
func SweepTerminal(ts *TaskStore, ar *Archive, olderThan time.Duration) (int, error) {
	all, err := ts.List(ListFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	moved := 0
	for _, t := range all {
		if !t.IsTerminal() || t.UpdatedAt.After(cutoff) {
			continue
		}
		if err := ar.Put(t); err != nil {
			return moved, err
		}
		if err := ts.Remove(t.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
