package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

// encodeTask serializes one task node (not its children) into a store row.
func encodeTask(t task.Task) (*TaskRow, error) {
	record, err := json.Marshal(t.Record())
	if err != nil {
		return nil, fmt.Errorf("marshal record of %s: %w", t.ID(), err)
	}
	row := &TaskRow{ID: t.ID(), Record: record}

	switch v := t.(type) {
	case *task.Leaf:
		row.Kind = kindLeaf
		if row.Spec, err = json.Marshal(v.Spec()); err != nil {
			return nil, fmt.Errorf("marshal spec of %s: %w", t.ID(), err)
		}
		if row.Requirements, err = json.Marshal(v.Requirements()); err != nil {
			return nil, fmt.Errorf("marshal requirements of %s: %w", t.ID(), err)
		}
	case *task.Parallel:
		row.Kind = kindParallel
		for _, child := range v.Children() {
			row.Children = append(row.Children, child.ID())
		}
	case *task.Sequential:
		row.Kind = kindSequential
		for _, child := range v.Children() {
			row.Children = append(row.Children, child.ID())
		}
		row.Current = v.Current()
	default:
		return nil, fmt.Errorf("task %s has unsupported type %T", t.ID(), t)
	}
	return row, nil
}

// saveTree persists a task and, for collections, all children transitively.
func saveTree(ctx context.Context, s Store, t task.Task) error {
	row, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := s.SaveTask(ctx, row); err != nil {
		return err
	}
	if c, ok := t.(interface{ Children() []task.Task }); ok {
		for _, child := range c.Children() {
			if err := saveTree(ctx, s, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadTree rehydrates a task and its children from the store. Rehydrated
// sequential collections run the default advance-then-finish step policy;
// custom step functions are code, not data, and must be reinstalled by the
// caller.
func loadTree(ctx context.Context, s Store, id string) (task.Task, error) {
	row, err := s.LoadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &model.Record{}
	if err := json.Unmarshal(row.Record, rec); err != nil {
		return nil, fmt.Errorf("unmarshal record of %s: %w", id, err)
	}

	switch row.Kind {
	case kindLeaf:
		spec := &model.JobSpec{}
		if err := json.Unmarshal(row.Spec, spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec of %s: %w", id, err)
		}
		var req model.Requirements
		if err := json.Unmarshal(row.Requirements, &req); err != nil {
			return nil, fmt.Errorf("unmarshal requirements of %s: %w", id, err)
		}
		return task.RehydrateLeaf(id, spec, req, rec), nil

	case kindParallel:
		children, err := loadChildren(ctx, s, row.Children)
		if err != nil {
			return nil, err
		}
		return task.RehydrateParallel(id, rec, children), nil

	case kindSequential:
		children, err := loadChildren(ctx, s, row.Children)
		if err != nil {
			return nil, err
		}
		return task.RehydrateSequential(id, rec, children, row.Current), nil

	default:
		return nil, fmt.Errorf("task %s has unknown kind %q", id, row.Kind)
	}
}

func loadChildren(ctx context.Context, s Store, ids []string) ([]task.Task, error) {
	children := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		child, err := loadTree(ctx, s, id)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// deleteTree removes a task and its children from the store. Missing rows
// are skipped so a partially removed tree can be removed again.
func deleteTree(ctx context.Context, s Store, id string) error {
	row, err := s.LoadTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	for _, child := range row.Children {
		if err := deleteTree(ctx, s, child); err != nil {
			return err
		}
	}
	return s.DeleteTask(ctx, id)
}
