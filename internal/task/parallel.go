package task

import (
	"context"

	"github.com/gc3pie/gridrun/internal/model"
)

// Parallel is a collection whose children run with full concurrency, subject
// only to engine-level backpressure. Its state is derived from the children
// and never set directly.
type Parallel struct {
	collection
}

// NewParallel creates a parallel collection over the given children.
func NewParallel(children ...Task) *Parallel {
	return &Parallel{collection{
		id:    model.NewID(),
		rec:   model.NewRecord(),
		tasks: children,
	}}
}

// RehydrateParallel rebuilds a parallel collection from persisted parts.
func RehydrateParallel(id string, rec *model.Record, children []Task) *Parallel {
	return &Parallel{collection{id: id, rec: rec, tasks: children}}
}

// Add appends a child to the collection.
func (p *Parallel) Add(t Task) {
	p.tasks = append(p.tasks, t)
	if p.attached {
		t.Attach(p.ctrl)
	}
}

// Attach binds the collection and all children to the controller.
func (p *Parallel) Attach(ctrl Controller) {
	p.ctrl = ctrl
	p.attached = true
	for _, t := range p.tasks {
		t.Attach(ctrl)
	}
}

// Detach unbinds the collection and all children.
func (p *Parallel) Detach() {
	p.ctrl = nil
	p.attached = false
	for _, t := range p.tasks {
		t.Detach()
	}
}

// Submit starts every child. Non-fatal per-child failures are recorded and
// retried on a later round; the collection state is derived afterwards.
func (p *Parallel) Submit(ctx context.Context) error {
	for _, t := range p.tasks {
		if t.Record().State != model.StateNew {
			continue
		}
		if err := t.Submit(ctx); err != nil {
			if ferr := p.childError(t, "submission", err); ferr != nil {
				return ferr
			}
		}
	}
	p.deriveState()
	return nil
}

// Update polls every live child and recomputes the derived state. Children
// still NEW at this point are ones whose earlier submission failed and was
// swallowed; they are re-submitted so a partially started collection can
// still run to completion.
func (p *Parallel) Update(ctx context.Context) error {
	for _, t := range p.tasks {
		switch t.Record().State {
		case model.StateTerminated:
			continue
		case model.StateNew:
			if err := t.Submit(ctx); err != nil {
				if ferr := p.childError(t, "submission", err); ferr != nil {
					return ferr
				}
			}
			continue
		}
		if err := t.Update(ctx); err != nil {
			if ferr := p.childError(t, "update", err); ferr != nil {
				return ferr
			}
		}
	}
	p.deriveState()
	return nil
}

// Kill kills every child and forces the collection to TERMINATED with
// signal Cancelled.
func (p *Parallel) Kill(ctx context.Context) error {
	for _, t := range p.tasks {
		if err := t.Kill(ctx); err != nil {
			if ferr := p.childError(t, "kill", err); ferr != nil {
				return ferr
			}
		}
	}
	p.rec.MarkTerminated(-1, model.SignalCancelled)
	return nil
}

// FetchOutput retrieves the output of every terminated child.
func (p *Parallel) FetchOutput(ctx context.Context, destDir string) error {
	for _, t := range p.tasks {
		if t.Record().State != model.StateTerminated {
			continue
		}
		if err := t.FetchOutput(ctx, destDir); err != nil {
			if ferr := p.childError(t, "fetch", err); ferr != nil {
				return ferr
			}
		}
	}
	p.rec.FinalOutputRetrieved = allRetrieved(p.tasks)
	return nil
}

// Free releases remote storage of every terminated child.
func (p *Parallel) Free(ctx context.Context) error {
	for _, t := range p.tasks {
		if t.Record().State != model.StateTerminated {
			continue
		}
		if err := t.Free(ctx); err != nil {
			if ferr := p.childError(t, "free", err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// Progress advances every child one lifecycle step and recomputes the
// derived state.
func (p *Parallel) Progress(ctx context.Context) error {
	if p.rec.State == model.StateTerminated {
		return nil
	}
	for _, t := range p.tasks {
		if err := t.Progress(ctx); err != nil {
			if ferr := p.childError(t, "progress", err); ferr != nil {
				return ferr
			}
		}
	}
	p.deriveState()
	return nil
}

// Redo resets the collection and every child back to NEW.
func (p *Parallel) Redo() error {
	for _, t := range p.tasks {
		if err := t.Redo(); err != nil {
			return err
		}
	}
	p.rec.Reset()
	return nil
}

// deriveState recomputes the collection state from the children: live states
// first (STOPPED and UNKNOWN take precedence as they need attention), then
// RUNNING/SUBMITTED; a mixture of NEW and TERMINATED means the computation
// is mid-flight; the collection is TERMINATED iff every child is.
func (p *Parallel) deriveState() {
	if p.rec.State == model.StateTerminated {
		return
	}
	var byState [6]int
	for _, t := range p.tasks {
		switch t.Record().State {
		case model.StateStopped:
			byState[0]++
		case model.StateUnknown:
			byState[1]++
		case model.StateRunning:
			byState[2]++
		case model.StateSubmitted:
			byState[3]++
		case model.StateNew:
			byState[4]++
		case model.StateTerminated:
			byState[5]++
		}
	}
	total := len(p.tasks)
	switch {
	case total == 0:
		p.rec.MarkTerminated(0, model.SignalNone)
	case byState[4] == total:
		// nothing submitted yet, stay NEW
	case byState[0] > 0:
		p.rec.ForceState(model.StateStopped)
	case byState[1] > 0:
		p.rec.ForceState(model.StateUnknown)
	case byState[2] > 0:
		p.rec.ForceState(model.StateRunning)
	case byState[3] > 0:
		p.rec.ForceState(model.StateSubmitted)
	case byState[5] == total:
		p.rec.MarkTerminated(p.exitcode(), model.SignalNone)
	default:
		// mixture of NEW and TERMINATED: mid-computation
		p.rec.ForceState(model.StateRunning)
	}
}

// exitcode is 0 when every child succeeded, a soft-failure code otherwise.
func (p *Parallel) exitcode() int {
	for _, t := range p.tasks {
		if !t.Record().Succeeded() {
			return exitChildFailed
		}
	}
	return 0
}

func allRetrieved(tasks []Task) bool {
	for _, t := range tasks {
		if !t.Record().FinalOutputRetrieved {
			return false
		}
	}
	return true
}

var _ Task = (*Parallel)(nil)
