// Package session provides the durable checkpoint for task trees: a session
// directory holding an index of top-level task ids, a store locator, and
// created/finished marker files, backed by a SQLite task store. A session
// survives process restarts; reloading it rehydrates every indexed task with
// its exact execution record so an engine can resume where it left off.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gc3pie/gridrun/internal/task"
)

const (
	indexFile    = "tasks.index"
	storeURLFile = "store.url"
	createdFile  = "created"
	finishedFile = "finished"

	storeURLPrefix = "sqlite://"
	defaultDBName  = "store.db"
)

// Session is a directory-backed collection of persisted task trees.
type Session struct {
	dir    string
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	order []string
	tasks map[string]task.Task
}

// New opens the session at dir, creating it if needed. An existing session
// (one with a created marker) is loaded with the ignore-with-warning policy:
// tasks that fail to rehydrate are logged and skipped. A nil logger falls
// back to slog.Default().
func New(dir string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	s := &Session{
		dir:    dir,
		logger: logger,
		tasks:  make(map[string]task.Task),
	}

	existing := fileExists(filepath.Join(dir, createdFile))

	dbPath := filepath.Join(dir, defaultDBName)
	if existing {
		url, err := os.ReadFile(filepath.Join(dir, storeURLFile))
		if err != nil {
			return nil, fmt.Errorf("read store locator: %w", err)
		}
		dbPath = strings.TrimPrefix(strings.TrimSpace(string(url)), storeURLPrefix)
	}

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	s.store = store

	if existing {
		if err := s.Load(context.Background(), false); err != nil {
			store.Close()
			return nil, err
		}
		return s, nil
	}

	if err := s.writeMeta(dbPath); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the session directory path.
func (s *Session) Dir() string { return s.dir }

// Add persists the task tree, indexes its root, and rewrites the index file.
func (s *Session) Add(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := saveTree(ctx, s.store, t); err != nil {
		return err
	}
	if _, known := s.tasks[t.ID()]; !known {
		s.order = append(s.order, t.ID())
	}
	s.tasks[t.ID()] = t
	return s.writeIndex()
}

// Save persists the current state of a task tree without touching the index.
// It implements the engine's save-through interface.
func (s *Session) Save(t task.Task) error {
	return saveTree(context.Background(), s.store, t)
}

// Remove deletes the task tree from the store (children transitively) and
// drops it from the index.
func (s *Session) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.tasks[id]; !known {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := deleteTree(ctx, s.store, id); err != nil {
		return err
	}
	s.drop(id)
	return s.writeIndex()
}

// Forget drops the task from the index without deleting its stored rows; the
// task stops being part of the session but its history remains queryable.
func (s *Session) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.tasks[id]; !known {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	s.drop(id)
	return s.writeIndex()
}

// Flush saves every indexed task tree and rewrites the index and locator
// files.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if err := saveTree(ctx, s.store, s.tasks[id]); err != nil {
			return err
		}
	}
	return s.writeIndex()
}

// Load rehydrates every task listed in the index file. With strict false
// (the default policy) a task that fails to load is logged and skipped;
// with strict true the first failure aborts the load.
func (s *Session) Load(ctx context.Context, strict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex()
	if err != nil {
		return err
	}

	s.order = s.order[:0]
	s.tasks = make(map[string]task.Task, len(ids))
	for _, id := range ids {
		t, err := loadTree(ctx, s.store, id)
		if err != nil {
			if strict {
				return fmt.Errorf("load task %s: %w", id, err)
			}
			s.logger.Warn("skipping task that failed to load",
				"task", id, "error", err)
			continue
		}
		s.order = append(s.order, id)
		s.tasks[id] = t
	}
	return nil
}

// Task returns the indexed task with the given id.
func (s *Session) Task(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns the indexed tasks in index order.
func (s *Session) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

// IDs returns the indexed task ids in index order.
func (s *Session) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Finished marks the session as finished by touching the finished marker
// file; its mtime records when.
func (s *Session) Finished() error {
	return touch(filepath.Join(s.dir, finishedFile))
}

// Close flushes the session and closes the store.
func (s *Session) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	return s.store.Close()
}

// Destroy deletes every stored task, closes the store, and removes the
// session directory.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if err := deleteTree(ctx, s.store, id); err != nil {
			return err
		}
	}
	s.order = nil
	s.tasks = make(map[string]task.Task)
	if err := s.store.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

// drop removes id from the in-memory index. Callers hold s.mu.
func (s *Session) drop(id string) {
	delete(s.tasks, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// writeMeta lays down the store locator and created marker of a fresh
// session.
func (s *Session) writeMeta(dbPath string) error {
	url := storeURLPrefix + dbPath + "\n"
	if err := os.WriteFile(filepath.Join(s.dir, storeURLFile), []byte(url), 0o644); err != nil {
		return fmt.Errorf("write store locator: %w", err)
	}
	if err := s.writeIndex(); err != nil {
		return err
	}
	return touch(filepath.Join(s.dir, createdFile))
}

// writeIndex rewrites the index file, one task id per line. Callers hold
// s.mu (or are constructing the session).
func (s *Session) writeIndex() error {
	var b strings.Builder
	for _, id := range s.order {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(s.dir, indexFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *Session) readIndex() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
