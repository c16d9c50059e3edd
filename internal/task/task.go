package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
)

// Task is the active handle over one execution record. Leaf tasks delegate
// operations to an attached Controller; collections implement the same
// interface over their children so workflows compose recursively.
type Task interface {
	ID() string
	Record() *model.Record

	Attach(ctrl Controller)
	Detach()
	Attached() bool

	Submit(ctx context.Context) error
	Update(ctx context.Context) error
	Kill(ctx context.Context) error
	FetchOutput(ctx context.Context, destDir string) error
	Peek(ctx context.Context, stream backend.Stream, offset, size int64) (io.ReadCloser, error)
	Free(ctx context.Context) error

	Progress(ctx context.Context) error
	Redo() error
}

// Transition identifies one edge of the task state machine for hook lookup.
type Transition struct {
	From, To model.State
}

// Hook is a per-task side effect fired when the task's record crosses the
// transition it is registered for.
type Hook func(t Task)

// Leaf is a Task bound to a single remote job. It owns the job payload, the
// requested quantities and the execution record; every remote operation goes
// through the attached Controller.
//
// A Leaf must not be operated on by two goroutines at once: the engine's
// advance loop is the single writer.
type Leaf struct {
	id   string
	spec *model.JobSpec
	req  model.Requirements
	rec  *model.Record

	ctrl     Controller
	attached bool

	// Hooks maps state transitions to callbacks, fired after the record
	// crosses the edge. The set of hookable transitions is closed by the
	// state machine itself.
	Hooks map[Transition]Hook

	// OnSubmitError, when set, may swallow a submission failure by
	// returning nil; the returned error (possibly rewritten) is surfaced
	// to the caller otherwise.
	OnSubmitError func(err error) error

	// Postprocess runs exactly once after the final output of a terminated
	// task has been retrieved, with the download directory as argument.
	Postprocess func(dir string)

	// UpdateOnError lets polls degrade the state to UNKNOWN when the
	// backend could not answer.
	UpdateOnError bool
}

// NewLeaf creates a leaf task in state NEW with a fresh identifier. Default
// stdout/stderr filenames are filled in if the spec leaves them empty.
func NewLeaf(spec *model.JobSpec, req model.Requirements) *Leaf {
	if spec.Stdout == "" {
		spec.Stdout = "stdout.txt"
	}
	if spec.Stderr == "" {
		spec.Stderr = "stderr.txt"
	}
	return &Leaf{
		id:   model.NewID(),
		spec: spec,
		req:  req,
		rec:  model.NewRecord(),
	}
}

// RehydrateLeaf rebuilds a leaf task from persisted parts. Used by the
// session store; application code should use NewLeaf.
func RehydrateLeaf(id string, spec *model.JobSpec, req model.Requirements, rec *model.Record) *Leaf {
	return &Leaf{id: id, spec: spec, req: req, rec: rec}
}

// ID returns the task identifier.
func (l *Leaf) ID() string { return l.id }

// Record returns the task's execution record.
func (l *Leaf) Record() *model.Record { return l.rec }

// Spec returns the opaque job payload.
func (l *Leaf) Spec() *model.JobSpec { return l.spec }

// Requirements returns the requested resource quantities.
func (l *Leaf) Requirements() model.Requirements { return l.req }

// Attach binds the task to a controller that performs its remote operations.
func (l *Leaf) Attach(ctrl Controller) {
	l.ctrl = ctrl
	l.attached = true
}

// Detach removes the controller binding; subsequent operations fail with
// errdefs.ErrDetached.
func (l *Leaf) Detach() {
	l.ctrl = nil
	l.attached = false
}

// Attached reports whether the task is bound to a controller.
func (l *Leaf) Attached() bool { return l.attached }

func (l *Leaf) controller() (Controller, error) {
	if !l.attached || l.ctrl == nil {
		return nil, errdefs.ErrDetached
	}
	return l.ctrl, nil
}

// FireTransition invokes the hook registered for the (from, to) edge, if
// any. Controllers call it after changing the record state.
func (l *Leaf) FireTransition(from, to model.State) {
	if from == to || l.Hooks == nil {
		return
	}
	if hook, ok := l.Hooks[Transition{From: from, To: to}]; ok {
		hook(l)
	}
}

// Submit starts the remote job. On failure the error is surfaced to the
// caller unless the OnSubmitError hook swallows it.
func (l *Leaf) Submit(ctx context.Context) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	if err := ctrl.Submit(ctx, l); err != nil {
		if l.OnSubmitError != nil {
			err = l.OnSubmitError(err)
		}
		return err
	}
	return nil
}

// Update polls the remote job and applies the observed state to the record.
func (l *Leaf) Update(ctx context.Context) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.Update(ctx, l, UpdateOpts{AllowUnknown: l.UpdateOnError})
}

// Kill cancels the remote job, best-effort, and forces the record to
// TERMINATED with signal Cancelled. A no-op in NEW and TERMINATED.
func (l *Leaf) Kill(ctx context.Context) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.Kill(ctx, l)
}

// FetchOutput downloads the job's output into destDir (default: the spec's
// output directory). Fails with errdefs.ErrOutputNotAvailable while the job
// is NEW or SUBMITTED.
func (l *Leaf) FetchOutput(ctx context.Context, destDir string) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.Fetch(ctx, l, destDir)
}

// Peek returns a reader over a byte range of the job's stdout or stderr. If
// the final output has already been retrieved it reads the local copy,
// otherwise it asks the live backend.
func (l *Leaf) Peek(ctx context.Context, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	if l.rec.FinalOutputRetrieved {
		return l.peekLocal(stream, offset, size)
	}
	ctrl, err := l.controller()
	if err != nil {
		return nil, err
	}
	return ctrl.Peek(ctx, l, stream, offset, size)
}

// peekLocal serves a peek from the already-downloaded output directory.
func (l *Leaf) peekLocal(stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	name := l.spec.Stdout
	if stream == backend.Stderr {
		name = l.spec.Stderr
	}
	f, err := os.Open(filepath.Join(l.spec.OutputDir, name))
	if err != nil {
		return nil, fmt.Errorf("peek local %s: %w", stream, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("peek local %s: %w", stream, err)
		}
	}
	if size <= 0 {
		return f, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, size), closer: f}, nil
}

// Free releases remote storage held for the job. Only legal once TERMINATED.
func (l *Leaf) Free(ctx context.Context) error {
	ctrl, err := l.controller()
	if err != nil {
		return err
	}
	return ctrl.Free(ctx, l)
}

// Progress advances the task one step through a regular lifecycle: submit
// when NEW, poll when live, fetch output once TERMINATED. It fails with
// errdefs.ErrUnexpectedState when a poll lands on STOPPED or UNKNOWN, which
// the caller must handle explicitly.
func (l *Leaf) Progress(ctx context.Context) error {
	switch l.rec.State {
	case model.StateSubmitted, model.StateRunning, model.StateStopped, model.StateUnknown:
		if err := l.Update(ctx); err != nil {
			return err
		}
	}
	switch l.rec.State {
	case model.StateStopped, model.StateUnknown:
		return fmt.Errorf("task %s: %w: %s", l.id, errdefs.ErrUnexpectedState, l.rec.State)
	case model.StateNew:
		return l.Submit(ctx)
	case model.StateTerminated:
		if !l.rec.FinalOutputRetrieved {
			return l.FetchOutput(ctx, "")
		}
	}
	return nil
}

// Redo resets a finished task back to NEW so it can be resubmitted. It fails
// with errdefs.ErrInvalidOperation unless the task is NEW, STOPPED, UNKNOWN
// or TERMINATED.
func (l *Leaf) Redo() error {
	switch l.rec.State {
	case model.StateNew, model.StateStopped, model.StateUnknown, model.StateTerminated:
		l.rec.Reset()
		return nil
	default:
		return fmt.Errorf("redo task %s in state %s: %w",
			l.id, l.rec.State, errdefs.ErrInvalidOperation)
	}
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (lrc *limitedReadCloser) Close() error { return lrc.closer.Close() }

// Compile-time interface satisfaction checks.
var (
	_ Task        = (*Leaf)(nil)
	_ backend.Job = (*Leaf)(nil)
)
