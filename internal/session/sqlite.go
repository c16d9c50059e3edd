package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    record       TEXT NOT NULL,
    spec         TEXT,
    requirements TEXT,
    children     TEXT,
    current_idx  INTEGER NOT NULL DEFAULT 0,
    saved_at     DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask inserts or replaces the row for one task.
func (s *SQLiteStore) SaveTask(ctx context.Context, row *TaskRow) error {
	children, err := json.Marshal(row.Children)
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, record, spec, requirements, children, current_idx, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			record = excluded.record,
			spec = excluded.spec,
			requirements = excluded.requirements,
			children = excluded.children,
			current_idx = excluded.current_idx,
			saved_at = excluded.saved_at`,
		row.ID, row.Kind, row.Record, row.Spec, row.Requirements,
		string(children), row.Current, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// LoadTask retrieves the row for one task by id.
func (s *SQLiteStore) LoadTask(ctx context.Context, id string) (*TaskRow, error) {
	row := &TaskRow{}
	var children string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, record, spec, requirements, children, current_idx
		FROM tasks WHERE id = ?`, id,
	).Scan(&row.ID, &row.Kind, &row.Record, &row.Spec, &row.Requirements,
		&children, &row.Current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if children != "" {
		if err := json.Unmarshal([]byte(children), &row.Children); err != nil {
			return nil, fmt.Errorf("unmarshal children: %w", err)
		}
	}
	return row, nil
}

// DeleteTask removes the row for one task. Deleting a missing task is not an
// error.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
