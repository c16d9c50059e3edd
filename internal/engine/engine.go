package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

var lifecycleGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "gridrun_engine_tasks",
		Help: "Number of tasks managed by the engine, by lifecycle state.",
	},
	[]string{"state"},
)

// Limits bound how many tasks the engine keeps live at once. Zero means
// unlimited on that dimension.
type Limits struct {
	// MaxInFlight caps the tasks in SUBMITTED or RUNNING.
	MaxInFlight int
	// MaxSubmitted caps the tasks sitting in remote queues (SUBMITTED).
	MaxSubmitted int
}

// Saver persists a task after the engine changes its lifecycle bucket. A
// session implements it; a nil Saver disables save-through.
type Saver interface {
	Save(t task.Task) error
}

// bucket classifies a managed task by its current lifecycle state.
type bucket int

const (
	bucketNew bucket = iota
	bucketInFlight
	bucketStopped
	bucketTerminated
)

func bucketFor(s model.State) bucket {
	switch s {
	case model.StateNew:
		return bucketNew
	case model.StateSubmitted, model.StateRunning:
		return bucketInFlight
	case model.StateStopped, model.StateUnknown:
		return bucketStopped
	default:
		return bucketTerminated
	}
}

// managed is the engine's bookkeeping around one top-level task.
type managed struct {
	t      task.Task
	seq    int
	bucket bucket
}

// Engine drives a set of tasks through their lifecycle in bounded rounds.
// Each Progress call runs a fixed sequence of passes: poll the in-flight
// tasks, execute pending kills, re-poll the stopped ones, submit NEW tasks
// while the limits allow, and retrieve the output of freshly terminated
// tasks. Per-task failures are logged and recorded on the task; only fatal
// classes (configuration, unrecoverable auth) abort the round.
//
// The engine implements task.Controller by proxying to the wrapped
// controller, so managed tasks and their collection children all route their
// remote operations through the same core.
type Engine struct {
	ctrl   task.Controller
	saver  Saver
	logger *slog.Logger
	limits Limits
	events *EventBroker

	mu      sync.Mutex
	tasks   map[string]*managed
	order   []*managed
	toKill  map[string]bool
	nextSeq int

	// feature switches gating the submission and retrieval passes; both
	// start enabled, an operator can pause either side while the polling
	// passes keep running
	canSubmit   bool
	canRetrieve bool
}

// New creates an engine over the given controller. A nil saver disables
// persistence; a nil logger falls back to slog.Default().
func New(ctrl task.Controller, saver Saver, logger *slog.Logger, limits Limits) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ctrl:        ctrl,
		saver:       saver,
		logger:      logger,
		limits:      limits,
		events:      NewEventBroker(),
		tasks:       make(map[string]*managed),
		toKill:      make(map[string]bool),
		canSubmit:   true,
		canRetrieve: true,
	}
}

// EnableSubmission turns the submission pass on or off. Disabled, the engine
// still polls, kills and retrieves, but NEW tasks stay in their bucket.
func (e *Engine) EnableSubmission(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canSubmit = on
}

// EnableRetrieval turns the output-retrieval pass on or off. Disabled,
// terminated tasks keep their remote output until the switch is turned back
// on.
func (e *Engine) EnableRetrieval(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canRetrieve = on
}

// Events returns the engine's state-change broker for streaming subscribers.
func (e *Engine) Events() *EventBroker {
	return e.events
}

// Add places a task under engine management and attaches it. The task starts
// in the bucket matching its current state, so loading a session of half-done
// tasks resumes where it left off.
func (e *Engine) Add(t task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tasks[t.ID()]; dup {
		return fmt.Errorf("task %s is already managed: %w", t.ID(), errdefs.ErrInvalidOperation)
	}
	t.Attach(e)
	m := &managed{t: t, seq: e.nextSeq, bucket: bucketFor(t.Record().State)}
	e.nextSeq++
	e.tasks[t.ID()] = m
	e.order = append(e.order, m)
	e.save(t)
	e.refreshGauges()
	return nil
}

// Remove detaches a terminated task and drops it from the engine. Removing a
// live task is an error; kill it first.
func (e *Engine) Remove(t task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tasks[t.ID()]
	if !ok {
		return fmt.Errorf("task %s is not managed: %w", t.ID(), errdefs.ErrInvalidOperation)
	}
	if !model.Terminal(m.t.Record().State) {
		return fmt.Errorf("remove live task %s in state %s: %w",
			t.ID(), m.t.Record().State, errdefs.ErrInvalidOperation)
	}
	m.t.Detach()
	delete(e.tasks, t.ID())
	delete(e.toKill, t.ID())
	for i, o := range e.order {
		if o == m {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.events.Close(t.ID())
	e.refreshGauges()
	return nil
}

// MarkKill schedules a managed task for termination on the next Progress
// round, where kills run after the in-flight poll.
func (e *Engine) MarkKill(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tasks[id]
	if !ok {
		return fmt.Errorf("task %s is not managed: %w", id, errdefs.ErrInvalidOperation)
	}
	if model.Terminal(m.t.Record().State) {
		return nil
	}
	e.toKill[id] = true
	return nil
}

// Managed returns the managed task with the given id.
func (e *Engine) Managed(id string) (task.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tasks[id]
	if !ok {
		return nil, false
	}
	return m.t, true
}

// Tasks returns the managed tasks in the order they were added.
func (e *Engine) Tasks() []task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]task.Task, 0, len(e.order))
	for _, m := range e.order {
		out = append(out, m.t)
	}
	return out
}

// Progress runs one bounded advance round over all managed tasks.
func (e *Engine) Progress(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// pass 1: poll the in-flight tasks
	for _, m := range e.inBucket(bucketInFlight) {
		if e.toKill[m.t.ID()] {
			continue
		}
		if err := m.t.Update(ctx); err != nil {
			if ferr := e.taskError(m.t, "update", err); ferr != nil {
				return ferr
			}
		}
	}
	e.settle()

	// pass 2: execute pending kills
	for id := range e.toKill {
		m, ok := e.tasks[id]
		if !ok {
			delete(e.toKill, id)
			continue
		}
		if err := m.t.Kill(ctx); err != nil {
			if ferr := e.taskError(m.t, "kill", err); ferr != nil {
				return ferr
			}
		}
		delete(e.toKill, id)
	}
	e.settle()

	// pass 3: re-poll stopped and unknown tasks, they may have recovered
	for _, m := range e.inBucket(bucketStopped) {
		if err := m.t.Update(ctx); err != nil {
			if ferr := e.taskError(m.t, "update", err); ferr != nil {
				return ferr
			}
		}
	}
	e.settle()

	// pass 4: submit NEW tasks while the switch is on and the limits allow.
	// Counters advance as submissions succeed so a single round never
	// oversubscribes.
	if e.canSubmit {
		submitted, inFlight := e.liveCounts()
		for _, m := range e.inBucket(bucketNew) {
			if e.toKill[m.t.ID()] {
				continue
			}
			if e.limits.MaxInFlight > 0 && inFlight >= e.limits.MaxInFlight {
				break
			}
			if e.limits.MaxSubmitted > 0 && submitted >= e.limits.MaxSubmitted {
				break
			}
			if err := m.t.Submit(ctx); err != nil {
				if ferr := e.taskError(m.t, "submission", err); ferr != nil {
					return ferr
				}
				continue
			}
			switch m.t.Record().State {
			case model.StateSubmitted:
				submitted++
				inFlight++
			case model.StateRunning:
				inFlight++
			}
		}
		e.settle()
	}

	// pass 5: retrieve the output of terminated tasks and release their
	// remote storage once the retrieval is final
	if e.canRetrieve {
		for _, m := range e.inBucket(bucketTerminated) {
			if m.t.Record().FinalOutputRetrieved {
				continue
			}
			if err := m.t.FetchOutput(ctx, ""); err != nil {
				if ferr := e.taskError(m.t, "output retrieval", err); ferr != nil {
					return ferr
				}
				continue
			}
			if !m.t.Record().FinalOutputRetrieved {
				continue
			}
			if err := m.t.Free(ctx); err != nil {
				if ferr := e.taskError(m.t, "free", err); ferr != nil {
					return ferr
				}
			}
		}
		e.settle()
	}

	return nil
}

// CanSubmit reports whether the next Progress round will submit at least one
// more task: the submission pass must be enabled and the limits must leave
// headroom.
func (e *Engine) CanSubmit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canSubmit {
		return false
	}
	submitted, inFlight := e.liveCounts()
	if e.limits.MaxInFlight > 0 && inFlight >= e.limits.MaxInFlight {
		return false
	}
	if e.limits.MaxSubmitted > 0 && submitted >= e.limits.MaxSubmitted {
		return false
	}
	return true
}

// CanRetrieve reports whether the retrieval pass is enabled and any
// terminated task still has output to fetch.
func (e *Engine) CanRetrieve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canRetrieve {
		return false
	}
	for _, m := range e.inBucket(bucketTerminated) {
		if !m.t.Record().FinalOutputRetrieved {
			return true
		}
	}
	return false
}

// Stats is a snapshot of the managed tasks by lifecycle state, with the
// terminated ones split by outcome.
type Stats struct {
	ByState map[model.State]int `json:"by_state"`
	Ok      int                 `json:"ok"`
	Failed  int                 `json:"failed"`
	Total   int                 `json:"total"`
}

// Stats returns a snapshot of the engine's task population.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{ByState: make(map[model.State]int)}
	for _, m := range e.order {
		rec := m.t.Record()
		st.ByState[rec.State]++
		st.Total++
		if rec.State == model.StateTerminated {
			if rec.Succeeded() {
				st.Ok++
			} else {
				st.Failed++
			}
		}
	}
	return st
}

// inBucket returns the managed tasks currently in the given bucket, in
// insertion order. Callers hold e.mu.
func (e *Engine) inBucket(b bucket) []*managed {
	out := make([]*managed, 0, len(e.order))
	for _, m := range e.order {
		if bucketFor(m.t.Record().State) == b {
			out = append(out, m)
		}
	}
	return out
}

// liveCounts returns the number of SUBMITTED tasks and the number of
// in-flight (SUBMITTED or RUNNING) tasks. Callers hold e.mu.
func (e *Engine) liveCounts() (submitted, inFlight int) {
	for _, m := range e.order {
		switch m.t.Record().State {
		case model.StateSubmitted:
			submitted++
			inFlight++
		case model.StateRunning:
			inFlight++
		}
	}
	return submitted, inFlight
}

// settle detects bucket moves after a pass: moved tasks are saved through
// the session, announced on the event broker, and the lifecycle gauges are
// refreshed. Callers hold e.mu.
func (e *Engine) settle() {
	for _, m := range e.order {
		nb := bucketFor(m.t.Record().State)
		if nb == m.bucket {
			continue
		}
		m.bucket = nb
		e.save(m.t)
		state := m.t.Record().State
		e.events.Publish(m.t.ID(), state)
		if model.Terminal(state) {
			e.events.Close(m.t.ID())
		}
	}
	e.refreshGauges()
}

// save persists the task through the attached saver. Save failures are
// logged and never interrupt the round; the next bucket move retries.
func (e *Engine) save(t task.Task) {
	if e.saver == nil {
		return
	}
	if err := e.saver.Save(t); err != nil {
		e.logger.Error("failed to save task", "task", t.ID(), "error", err)
	}
}

// taskError handles a per-task failure during a pass: fatal classes abort
// the round, everything else is logged, recorded on the task, and retried on
// a later round.
func (e *Engine) taskError(t task.Task, op string, err error) error {
	if errdefs.IsFatal(err) {
		return err
	}
	e.logger.Warn("task operation failed",
		"task", t.ID(), "op", op, "error", err)
	t.Record().Log(fmt.Sprintf("%s failed: %v", op, err))
	return nil
}

func (e *Engine) refreshGauges() {
	counts := map[model.State]int{
		model.StateNew: 0, model.StateSubmitted: 0, model.StateRunning: 0,
		model.StateStopped: 0, model.StateTerminated: 0, model.StateUnknown: 0,
	}
	for _, m := range e.order {
		counts[m.t.Record().State]++
	}
	for state, n := range counts {
		lifecycleGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}

// Controller proxying: managed tasks (and their collection children) route
// remote operations through the engine to the wrapped controller.

func (e *Engine) Submit(ctx context.Context, t task.Task) error {
	return e.ctrl.Submit(ctx, t)
}

func (e *Engine) Update(ctx context.Context, t task.Task, opts task.UpdateOpts) error {
	return e.ctrl.Update(ctx, t, opts)
}

func (e *Engine) Kill(ctx context.Context, t task.Task) error {
	return e.ctrl.Kill(ctx, t)
}

func (e *Engine) Fetch(ctx context.Context, t task.Task, destDir string) error {
	return e.ctrl.Fetch(ctx, t, destDir)
}

func (e *Engine) Peek(ctx context.Context, t task.Task, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	return e.ctrl.Peek(ctx, t, stream, offset, size)
}

func (e *Engine) Free(ctx context.Context, t task.Task) error {
	return e.ctrl.Free(ctx, t)
}

var _ task.Controller = (*Engine)(nil)
