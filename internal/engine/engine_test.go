package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

// fakeCtrl is a scriptable task.Controller for engine tests. Submissions
// succeed and move the task to SUBMITTED; each update pops the next state
// from the task's script.
type fakeCtrl struct {
	scripts     map[string][]model.State
	returncodes map[string]int
	submitErr   error

	submits int
	updates int
	kills   int
	fetches int
	frees   int
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{
		scripts:     make(map[string][]model.State),
		returncodes: make(map[string]int),
	}
}

func (f *fakeCtrl) script(t task.Task, states ...model.State) {
	f.scripts[t.ID()] = states
}

func (f *fakeCtrl) Submit(ctx context.Context, t task.Task) error {
	if _, leaf := t.(backend.Job); !leaf {
		return t.Submit(ctx)
	}
	f.submits++
	if f.submitErr != nil {
		return f.submitErr
	}
	t.Record().SetState(model.StateSubmitted)
	return nil
}

func (f *fakeCtrl) Update(ctx context.Context, t task.Task, opts task.UpdateOpts) error {
	if _, leaf := t.(backend.Job); !leaf {
		return t.Update(ctx)
	}
	f.updates++
	queue := f.scripts[t.ID()]
	if len(queue) == 0 {
		return nil
	}
	next := queue[0]
	f.scripts[t.ID()] = queue[1:]
	if next == model.StateTerminated {
		t.Record().MarkTerminated(f.returncodes[t.ID()], model.SignalNone)
	} else {
		t.Record().SetState(next)
	}
	return nil
}

func (f *fakeCtrl) Kill(ctx context.Context, t task.Task) error {
	if _, leaf := t.(backend.Job); !leaf {
		return t.Kill(ctx)
	}
	f.kills++
	t.Record().MarkTerminated(-1, model.SignalCancelled)
	return nil
}

func (f *fakeCtrl) Fetch(ctx context.Context, t task.Task, destDir string) error {
	if _, leaf := t.(backend.Job); !leaf {
		return t.FetchOutput(ctx, destDir)
	}
	f.fetches++
	if t.Record().State == model.StateTerminated {
		t.Record().FinalOutputRetrieved = true
	}
	return nil
}

func (f *fakeCtrl) Peek(ctx context.Context, t task.Task, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeCtrl) Free(ctx context.Context, t task.Task) error {
	if _, leaf := t.(backend.Job); !leaf {
		return t.Free(ctx)
	}
	f.frees++
	return nil
}

// memSaver records every save-through call.
type memSaver struct {
	saved []string
	err   error
}

func (s *memSaver) Save(t task.Task) error {
	s.saved = append(s.saved, t.ID())
	return s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestLeaf() *task.Leaf {
	return task.NewLeaf(&model.JobSpec{Command: []string{"/bin/true"}}, model.Requirements{Cores: 1})
}

func TestEngineRunsTaskToCompletion(t *testing.T) {
	ctrl := newFakeCtrl()
	saver := &memSaver{}
	e := New(ctrl, saver, testLogger(), Limits{})

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctrl.script(l, model.StateRunning, model.StateTerminated)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.Progress(ctx); err != nil {
			t.Fatalf("Progress #%d: %v", i, err)
		}
	}

	rec := l.Record()
	if rec.State != model.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", rec.State)
	}
	if !rec.FinalOutputRetrieved {
		t.Fatal("final output not retrieved")
	}
	if ctrl.frees != 1 {
		t.Fatalf("frees = %d, want 1", ctrl.frees)
	}
	if len(saver.saved) == 0 {
		t.Fatal("task never saved through the session")
	}
}

func TestEngineStatsPartitionInvariant(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})

	running := newTestLeaf()
	running.Record().ForceState(model.StateRunning)
	stopped := newTestLeaf()
	stopped.Record().ForceState(model.StateStopped)
	done := newTestLeaf()
	done.Record().MarkTerminated(0, model.SignalNone)
	done.Record().FinalOutputRetrieved = true

	for _, tk := range []task.Task{newTestLeaf(), running, stopped, done} {
		if err := e.Add(tk); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	st := e.Stats()
	sum := 0
	for _, n := range st.ByState {
		sum += n
	}
	if sum != st.Total || st.Total != 4 {
		t.Fatalf("stats do not partition the tasks: %+v", st)
	}
	if st.Ok != 1 || st.Failed != 0 {
		t.Fatalf("ok/failed split = %d/%d, want 1/0", st.Ok, st.Failed)
	}
}

func TestEngineMaxSubmittedBackpressure(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{MaxSubmitted: 1})

	a, b := newTestLeaf(), newTestLeaf()
	for _, tk := range []task.Task{a, b} {
		if err := e.Add(tk); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ctrl.script(a, model.StateTerminated)

	ctx := context.Background()
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if ctrl.submits != 1 {
		t.Fatalf("submits after round 1 = %d, want 1", ctrl.submits)
	}
	if got := b.Record().State; got != model.StateNew {
		t.Fatalf("second task state = %s, want NEW (held back)", got)
	}
	if e.CanSubmit() {
		t.Fatal("CanSubmit reports headroom with the submission slot taken")
	}

	// a terminates in round 2, freeing the slot for b in the same round
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if got := a.Record().State; got != model.StateTerminated {
		t.Fatalf("first task state = %s, want TERMINATED", got)
	}
	if got := b.Record().State; got != model.StateSubmitted {
		t.Fatalf("second task state = %s, want SUBMITTED", got)
	}
}

func TestEngineSubmissionSwitch(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})
	e.EnableSubmission(false)

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if ctrl.submits != 0 {
		t.Fatalf("submits = %d, want 0 with submission disabled", ctrl.submits)
	}
	if got := l.Record().State; got != model.StateNew {
		t.Fatalf("state = %s, want NEW", got)
	}
	if e.CanSubmit() {
		t.Fatal("CanSubmit reports headroom with submission disabled")
	}

	e.EnableSubmission(true)
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if got := l.Record().State; got != model.StateSubmitted {
		t.Fatalf("state = %s, want SUBMITTED after re-enabling", got)
	}
}

func TestEngineRetrievalSwitch(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})
	e.EnableRetrieval(false)

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctrl.script(l, model.StateTerminated)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.Progress(ctx); err != nil {
			t.Fatalf("Progress #%d: %v", i, err)
		}
	}
	if ctrl.fetches != 0 {
		t.Fatalf("fetches = %d, want 0 with retrieval disabled", ctrl.fetches)
	}
	if l.Record().FinalOutputRetrieved {
		t.Fatal("output retrieved with retrieval disabled")
	}
	if e.CanRetrieve() {
		t.Fatal("CanRetrieve reports work with retrieval disabled")
	}

	e.EnableRetrieval(true)
	if !e.CanRetrieve() {
		t.Fatal("CanRetrieve reports nothing to fetch for a terminated task")
	}
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !l.Record().FinalOutputRetrieved {
		t.Fatal("output not retrieved after re-enabling")
	}
	if ctrl.frees != 1 {
		t.Fatalf("frees = %d, want 1", ctrl.frees)
	}
}

func TestEngineParallelCollection(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})

	c1, c2, c3 := newTestLeaf(), newTestLeaf(), newTestLeaf()
	p := task.NewParallel(c1, c2, c3)
	if err := e.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, child := range []task.Task{c1, c2, c3} {
		ctrl.script(child, model.StateRunning, model.StateTerminated)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := e.Progress(ctx); err != nil {
			t.Fatalf("Progress #%d: %v", i, err)
		}
	}

	if ctrl.submits != 3 {
		t.Fatalf("submits = %d, want 3 (all children fan out)", ctrl.submits)
	}
	rec := p.Record()
	if rec.State != model.StateTerminated {
		t.Fatalf("collection state = %s, want TERMINATED", rec.State)
	}
	if rec.Returncode == nil || *rec.Returncode != 0 {
		t.Fatalf("collection returncode = %v, want 0", rec.Returncode)
	}
	if !rec.FinalOutputRetrieved {
		t.Fatal("collection output not marked retrieved")
	}

	st := e.Stats()
	if st.Ok != 1 || st.Total != 1 {
		t.Fatalf("stats = %+v, want one ok task", st)
	}
}

func TestEngineMarkKill(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if got := l.Record().State; got != model.StateSubmitted {
		t.Fatalf("state = %s, want SUBMITTED", got)
	}

	if err := e.MarkKill(l.ID()); err != nil {
		t.Fatalf("MarkKill: %v", err)
	}
	if err := e.Progress(ctx); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	rec := l.Record()
	if rec.State != model.StateTerminated || rec.Signal != model.SignalCancelled {
		t.Fatalf("record after kill round = %+v, want cancelled termination", rec)
	}
	if ctrl.kills != 1 {
		t.Fatalf("kills = %d, want 1", ctrl.kills)
	}
}

func TestEngineRemove(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Progress(context.Background()); err != nil {
		t.Fatalf("Progress: %v", err)
	}

	if err := e.Remove(l); err == nil {
		t.Fatal("Remove of a live task succeeded")
	}

	l.Record().MarkTerminated(0, model.SignalNone)
	if err := e.Remove(l); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if l.Attached() {
		t.Fatal("removed task still attached")
	}
	if _, ok := e.Managed(l.ID()); ok {
		t.Fatal("removed task still managed")
	}
}

func TestEngineEventsFollowLifecycle(t *testing.T) {
	ctrl := newFakeCtrl()
	e := New(ctrl, nil, testLogger(), Limits{})

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	events, unsubscribe := e.Events().Subscribe(l.ID())
	defer unsubscribe()

	ctrl.script(l, model.StateTerminated)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := e.Progress(ctx); err != nil {
			t.Fatalf("Progress #%d: %v", i, err)
		}
	}

	var seen []model.State
	for ev := range events {
		if ev.TaskID != l.ID() {
			t.Fatalf("event task id = %q, want %q", ev.TaskID, l.ID())
		}
		seen = append(seen, ev.State)
	}
	want := []model.State{model.StateSubmitted, model.StateTerminated}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestEngineFatalErrorAbortsRound(t *testing.T) {
	ctrl := newFakeCtrl()
	ctrl.submitErr = errdefs.Configuration("test.submit", "bad resource definition")
	e := New(ctrl, nil, testLogger(), Limits{})

	l := newTestLeaf()
	if err := e.Add(l); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Progress(context.Background())
	if !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("Progress: got %v, want the configuration error re-raised", err)
	}
}
