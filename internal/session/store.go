package session

import (
	"context"
	"errors"
)

// Task kinds as persisted in the store.
const (
	kindLeaf       = "leaf"
	kindParallel   = "parallel"
	kindSequential = "sequential"
)

// ErrNotFound is returned when a task row is not in the store.
var ErrNotFound = errors.New("task not found")

// TaskRow is the serialized form of one task. Leaf tasks carry a spec and
// requirements; collections carry the ordered ids of their children, and
// sequential ones additionally the index of the live child.
type TaskRow struct {
	ID           string
	Kind         string
	Record       []byte   // execution record, JSON
	Spec         []byte   // job payload, JSON (leaf only)
	Requirements []byte   // requested quantities, JSON (leaf only)
	Children     []string // ordered child ids (collections only)
	Current      int      // live child index (sequential only)
}

// Store persists serialized task trees, one row per task.
type Store interface {
	SaveTask(ctx context.Context, row *TaskRow) error
	LoadTask(ctx context.Context, id string) (*TaskRow, error)
	DeleteTask(ctx context.Context, id string) error
	Close() error
}
