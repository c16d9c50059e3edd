package task

import (
	"context"
	"fmt"

	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
)

// NextFunc decides what a sequential collection does after the child at
// index done terminates. Returning TERMINATED ends the whole sequence with
// that child's returncode; any other state (typically RUNNING) makes the
// collection submit the next child and continue. The function may call Add
// to extend the sequence before returning, which is how iterative and
// convergence-driven pipelines are modeled.
type NextFunc func(s *Sequential, done int) (model.State, error)

// DefaultNext runs the sequence to the end: it continues while children
// remain and terminates after the last one.
func DefaultNext(s *Sequential, done int) (model.State, error) {
	if done == len(s.tasks)-1 {
		return model.StateTerminated, nil
	}
	return model.StateRunning, nil
}

// Sequential is a collection whose children run one at a time, in order. At
// most one child is ever live; the Next step function is called exactly once
// per child transition into TERMINATED.
type Sequential struct {
	collection

	// Next is the step function; nil means DefaultNext.
	Next NextFunc

	current int // index of the live child, -1 before the first submission
}

// NewSequential creates a sequential collection over the given children.
func NewSequential(children ...Task) *Sequential {
	return &Sequential{
		collection: collection{
			id:    model.NewID(),
			rec:   model.NewRecord(),
			tasks: children,
		},
		current: -1,
	}
}

// RehydrateSequential rebuilds a sequential collection from persisted parts.
// The step function is code, not data: rehydrated collections get
// DefaultNext unless the caller installs its own.
func RehydrateSequential(id string, rec *model.Record, children []Task, current int) *Sequential {
	return &Sequential{
		collection: collection{id: id, rec: rec, tasks: children},
		current:    current,
	}
}

// Current returns the index of the live child, or -1 if the sequence has not
// started.
func (s *Sequential) Current() int { return s.current }

// Stage returns the child currently executing, or nil.
func (s *Sequential) Stage() Task {
	if s.current < 0 || s.current >= len(s.tasks) {
		return nil
	}
	return s.tasks[s.current]
}

// Add appends a child to the sequence; typically called from a Next function
// to extend a still-running pipeline.
func (s *Sequential) Add(t Task) {
	s.tasks = append(s.tasks, t)
	if s.attached {
		t.Attach(s.ctrl)
	}
}

// Attach binds the collection and the current child to the controller.
// Children are attached lazily as they become current.
func (s *Sequential) Attach(ctrl Controller) {
	s.ctrl = ctrl
	s.attached = true
	if cur := s.Stage(); cur != nil {
		cur.Attach(ctrl)
	}
}

// Detach unbinds the collection and all children.
func (s *Sequential) Detach() {
	s.ctrl = nil
	s.attached = false
	for _, t := range s.tasks {
		t.Detach()
	}
}

// Submit starts the first child of the sequence. An empty sequence is
// already finished.
func (s *Sequential) Submit(ctx context.Context) error {
	if len(s.tasks) == 0 {
		s.rec.MarkTerminated(0, model.SignalNone)
		return nil
	}
	if s.current < 0 {
		s.current = 0
	}
	cur := s.tasks[s.current]
	cur.Attach(s.ctrl)
	if err := cur.Submit(ctx); err != nil {
		if ferr := s.childError(cur, "submission", err); ferr != nil {
			return ferr
		}
		return nil
	}
	switch cur.Record().State {
	case model.StateNew:
		// submission did not stick, stay NEW and retry next round
	case model.StateSubmitted:
		s.rec.ForceState(model.StateSubmitted)
	default:
		s.rec.ForceState(model.StateRunning)
	}
	return nil
}

// Update polls the current child and advances the sequence when it
// terminates. The Next step function is consulted exactly once per child
// termination.
func (s *Sequential) Update(ctx context.Context) error {
	cur := s.Stage()
	if cur == nil {
		// either not started or already finished, nothing to poll
		return nil
	}

	switch cur.Record().State {
	case model.StateNew:
		// an earlier submission of this child failed and was swallowed;
		// try again instead of polling a job that never started
		if err := cur.Submit(ctx); err != nil {
			if ferr := s.childError(cur, "submission", err); ferr != nil {
				return ferr
			}
			return nil
		}
	case model.StateTerminated:
		// no remote job to poll
	default:
		if err := cur.Update(ctx); err != nil {
			if ferr := s.childError(cur, "update", err); ferr != nil {
				return ferr
			}
			return nil
		}
	}

	switch cur.Record().State {
	case model.StateTerminated:
		return s.advance(ctx)
	case model.StateStopped:
		s.rec.ForceState(model.StateStopped)
	case model.StateSubmitted:
		if s.current == 0 && s.rec.State == model.StateNew {
			s.rec.ForceState(model.StateSubmitted)
		} else if s.rec.State != model.StateSubmitted {
			s.rec.ForceState(model.StateRunning)
		}
	default:
		s.rec.ForceState(model.StateRunning)
	}
	return nil
}

// advance consults the step function after the current child terminated and
// either ends the sequence or submits the next child.
func (s *Sequential) advance(ctx context.Context) error {
	done := s.current
	next := s.Next
	if next == nil {
		next = DefaultNext
	}
	state, err := next(s, done)
	if err != nil {
		return fmt.Errorf("sequence %s step %d: %w", s.id, done, err)
	}
	if state == model.StateTerminated || state == model.StateStopped {
		if state == model.StateStopped {
			s.rec.ForceState(model.StateStopped)
			return nil
		}
		s.finishAs(s.tasks[done])
		return nil
	}

	// continue with the next child; the step function may have extended
	// the sequence via Add
	if done+1 >= len(s.tasks) {
		s.finishAs(s.tasks[done])
		return nil
	}
	s.current = done + 1
	nxt := s.tasks[s.current]
	nxt.Attach(s.ctrl)
	if err := nxt.Submit(ctx); err != nil {
		if ferr := s.childError(nxt, "submission", err); ferr != nil {
			return ferr
		}
	}
	s.rec.ForceState(model.StateRunning)
	return nil
}

// finishAs terminates the whole sequence using the given child's returncode
// and signal as the collection's own.
func (s *Sequential) finishAs(last Task) {
	rc := 0
	if r := last.Record().Returncode; r != nil {
		rc = *r
	}
	s.rec.MarkTerminated(rc, last.Record().Signal)
}

// Kill kills the currently-live child (if any), marks every later child
// TERMINATED with signal Cancelled, and forces the collection to TERMINATED.
func (s *Sequential) Kill(ctx context.Context) error {
	if cur := s.Stage(); cur != nil {
		if err := cur.Kill(ctx); err != nil {
			if ferr := s.childError(cur, "kill", err); ferr != nil {
				return ferr
			}
		}
		for i := s.current + 1; i < len(s.tasks); i++ {
			s.tasks[i].Record().MarkTerminated(-1, model.SignalCancelled)
		}
	}
	s.rec.MarkTerminated(-1, model.SignalCancelled)
	return nil
}

// FetchOutput retrieves the output of every terminated child.
func (s *Sequential) FetchOutput(ctx context.Context, destDir string) error {
	for _, t := range s.tasks {
		if t.Record().State != model.StateTerminated {
			continue
		}
		if err := t.FetchOutput(ctx, destDir); err != nil {
			if ferr := s.childError(t, "fetch", err); ferr != nil {
				return ferr
			}
		}
	}
	s.rec.FinalOutputRetrieved = allRetrieved(s.tasks)
	return nil
}

// Free releases remote storage of every terminated child.
func (s *Sequential) Free(ctx context.Context) error {
	for _, t := range s.tasks {
		if t.Record().State != model.StateTerminated {
			continue
		}
		if err := t.Free(ctx); err != nil {
			if ferr := s.childError(t, "free", err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// Progress advances the sequence one lifecycle step: submit when NEW,
// otherwise poll and possibly move to the next child.
func (s *Sequential) Progress(ctx context.Context) error {
	switch s.rec.State {
	case model.StateNew:
		return s.Submit(ctx)
	case model.StateTerminated:
		return nil
	default:
		return s.Update(ctx)
	}
}

// Redo resets the sequence back to its start, resetting every child.
func (s *Sequential) Redo() error {
	switch s.rec.State {
	case model.StateNew, model.StateStopped, model.StateUnknown, model.StateTerminated:
		// allowed
	default:
		return fmt.Errorf("redo sequence %s in state %s: %w",
			s.id, s.rec.State, errdefs.ErrInvalidOperation)
	}
	for _, t := range s.tasks {
		if err := t.Redo(); err != nil {
			return err
		}
	}
	s.current = -1
	s.rec.Reset()
	return nil
}

var _ Task = (*Sequential)(nil)
