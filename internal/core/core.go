// Package core implements the resource-facing operations of the orchestrator:
// brokered submission with candidate failover, polling, cancellation, output
// retrieval and cleanup. Core is the task.Controller the rest of the system
// attaches tasks to; it holds no task registry of its own and drives exactly
// what it is handed.
package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gc3pie/gridrun/internal/auth"
	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/broker"
	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

// Core binds the configured resources, the credential provider and the
// brokering policy into a task.Controller.
type Core struct {
	registry *backend.Registry
	creds    auth.Provider
	logger   *slog.Logger
}

// New creates a Core over the given registry. A nil credential provider means
// no resource needs credentials; a nil logger falls back to slog.Default().
func New(registry *backend.Registry, creds auth.Provider, logger *slog.Logger) *Core {
	if creds == nil {
		creds = auth.None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{registry: registry, creds: creds, logger: logger}
}

// Submit starts the task. Collections drive their own children; a leaf task
// is brokered across the enabled resources and submitted to the candidates in
// fitness order until one accepts it.
func (c *Core) Submit(ctx context.Context, t task.Task) error {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.Submit(ctx)
	}

	rec := job.Record()
	if rec.State != model.StateNew {
		return fmt.Errorf("submit task %s in state %s: %w",
			job.ID(), rec.State, errdefs.ErrInvalidOperation)
	}

	candidates := broker.Order(job.Requirements(), c.registry.Enabled())
	if len(candidates) == 0 {
		return errdefs.NoResources("core.submit",
			fmt.Sprintf("no enabled resource can satisfy the requirements of task %s", job.ID()))
	}

	var lastErr error
	var lastRes string
	for _, res := range candidates {
		if err := c.obtainCredential(ctx, res); err != nil {
			if errdefs.IsFatal(err) {
				return err
			}
			c.logger.Warn("credential not available, skipping resource",
				"task", job.ID(), "resource", res.Name, "error", err)
			lastErr, lastRes = err, res.Name
			continue
		}
		be, err := c.registry.Get(res.Name)
		if err != nil {
			if errdefs.IsFatal(err) {
				return err
			}
			lastErr, lastRes = err, res.Name
			continue
		}
		if err := be.Submit(ctx, job); err != nil {
			if errdefs.IsFatal(err) {
				return err
			}
			c.logger.Warn("submission failed, trying next candidate",
				"task", job.ID(), "resource", res.Name, "error", err)
			rec.Log(fmt.Sprintf("submission to %s failed: %v", res.Name, err))
			lastErr, lastRes = err, res.Name
			continue
		}

		rec.ResourceName = res.Name
		rec.SetState(model.StateSubmitted)
		rec.Log(fmt.Sprintf("submitted to %s", res.Name))
		c.fireTransition(t, model.StateNew, model.StateSubmitted)
		c.logger.Info("task submitted",
			"task", job.ID(), "resource", res.Name, "remote_id", rec.RemoteID)
		return nil
	}

	return errdefs.Submission("core.submit", lastRes, lastErr)
}

// Update polls the task's remote job and applies the observed state to the
// record. NEW and TERMINATED tasks are left untouched. A failed poll, or a
// poll reporting the job lost (UNKNOWN), leaves the state unchanged unless
// opts.AllowUnknown degrades it to UNKNOWN.
func (c *Core) Update(ctx context.Context, t task.Task, opts task.UpdateOpts) error {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.Update(ctx)
	}

	rec := job.Record()
	switch rec.State {
	case model.StateNew, model.StateTerminated:
		return nil
	}

	be, err := c.registry.Get(rec.ResourceName)
	if err != nil {
		return err
	}
	result, err := be.Poll(ctx, job)
	if err != nil {
		if !opts.AllowUnknown {
			return err
		}
		from := rec.State
		rec.SetState(model.StateUnknown)
		rec.SetInfo(fmt.Sprintf("poll failed: %v", err))
		c.fireTransition(t, from, model.StateUnknown)
		c.logger.Warn("poll failed, task state degraded to UNKNOWN",
			"task", job.ID(), "resource", rec.ResourceName, "error", err)
		return nil
	}

	from := rec.State
	switch {
	case result.State == model.StateUnknown && !opts.AllowUnknown:
		// the backend lost track of the job; keep the last known state
		rec.Log(fmt.Sprintf("poll reported job lost: %s", result.Info))
		c.logger.Warn("poll reported task lost, keeping last known state",
			"task", job.ID(), "resource", rec.ResourceName, "info", result.Info)
		return nil
	case result.State == model.StateTerminated:
		rec.MarkTerminated(result.Returncode, result.Signal)
	default:
		rec.SetState(result.State)
	}
	if result.Info != "" && result.Info != rec.Info {
		rec.SetInfo(result.Info)
	}
	c.fireTransition(t, from, rec.State)
	return nil
}

// Kill terminates the task. A NEW task never reached any resource and is
// cancelled locally; live tasks get a best-effort remote cancel and are
// marked TERMINATED with signal Cancelled even when the cancel call fails,
// since the task is abandoned either way.
func (c *Core) Kill(ctx context.Context, t task.Task) error {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.Kill(ctx)
	}

	rec := job.Record()
	from := rec.State
	switch rec.State {
	case model.StateTerminated:
		return nil
	case model.StateNew:
		rec.MarkTerminated(-1, model.SignalCancelled)
		c.fireTransition(t, from, model.StateTerminated)
		return nil
	}

	be, err := c.registry.Get(rec.ResourceName)
	if err == nil {
		err = be.Cancel(ctx, job)
	}
	if err != nil {
		c.logger.Warn("remote cancel failed, marking task terminated anyway",
			"task", job.ID(), "resource", rec.ResourceName, "error", err)
		rec.Log(fmt.Sprintf("remote cancel failed: %v", err))
	}
	rec.MarkTerminated(-1, model.SignalCancelled)
	c.fireTransition(t, from, model.StateTerminated)
	return nil
}

// Fetch downloads the task's output into destDir (empty means the job's
// configured output directory, or a directory named after the task). Output
// of a NEW or SUBMITTED task does not exist yet and the filesystem is left
// untouched. On a TERMINATED task the final-output flag is set and the
// postprocess hook runs, both exactly once.
func (c *Core) Fetch(ctx context.Context, t task.Task, destDir string) error {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.FetchOutput(ctx, destDir)
	}

	rec := job.Record()
	switch rec.State {
	case model.StateNew, model.StateSubmitted:
		return fmt.Errorf("fetch output of task %s in state %s: %w",
			job.ID(), rec.State, errdefs.ErrOutputNotAvailable)
	}
	if rec.State == model.StateTerminated && rec.FinalOutputRetrieved {
		return nil
	}

	if destDir == "" {
		destDir = job.Spec().OutputDir
	}
	if destDir == "" {
		destDir = job.ID() + ".out"
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	job.Spec().OutputDir = destDir

	be, err := c.registry.Get(rec.ResourceName)
	if err != nil {
		return err
	}
	if err := be.FetchOutput(ctx, job, destDir); err != nil {
		return err
	}

	if rec.State == model.StateTerminated {
		rec.FinalOutputRetrieved = true
		rec.Log(fmt.Sprintf("final output retrieved into %s", destDir))
		if leaf, ok := t.(*task.Leaf); ok && leaf.Postprocess != nil {
			leaf.Postprocess(destDir)
		}
	}
	return nil
}

// Peek returns a reader over a byte range of the task's live stdout or
// stderr on the resource it runs on.
func (c *Core) Peek(ctx context.Context, t task.Task, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.Peek(ctx, stream, offset, size)
	}

	rec := job.Record()
	if rec.ResourceName == "" {
		return nil, fmt.Errorf("peek task %s in state %s: %w",
			job.ID(), rec.State, errdefs.ErrOutputNotAvailable)
	}
	be, err := c.registry.Get(rec.ResourceName)
	if err != nil {
		return nil, err
	}
	return be.Peek(ctx, job, stream, offset, size)
}

// Free releases remote storage held for the task. Only legal once the task
// is TERMINATED; freeing earlier would pull the job's sandbox out from under
// it.
func (c *Core) Free(ctx context.Context, t task.Task) error {
	job, isJob := t.(backend.Job)
	if !isJob {
		return t.Free(ctx)
	}

	rec := job.Record()
	if rec.State != model.StateTerminated {
		return fmt.Errorf("free task %s in state %s: %w",
			job.ID(), rec.State, errdefs.ErrInvalidOperation)
	}
	if rec.ResourceName == "" {
		return nil
	}
	be, err := c.registry.Get(rec.ResourceName)
	if err != nil {
		return err
	}
	return be.Free(ctx, job)
}

// UpdateResources refreshes the capacity snapshot of every enabled resource.
// Per-resource failures are logged and mark the snapshot stale; they never
// abort the sweep.
func (c *Core) UpdateResources(ctx context.Context) {
	for _, res := range c.registry.Enabled() {
		be, err := c.registry.Get(res.Name)
		if err != nil {
			c.logger.Warn("resource status unavailable",
				"resource", res.Name, "error", err)
			res.Status.Updated = false
			continue
		}
		st, err := be.Status(ctx)
		if err != nil {
			c.logger.Warn("resource status query failed",
				"resource", res.Name, "error", err)
			res.Status.Updated = false
			continue
		}
		st.Updated = true
		st.LastUpdate = time.Now().UTC()
		res.Status = st
	}
}

// Registry exposes the resource registry for callers that need to inspect or
// narrow the configured resources.
func (c *Core) Registry() *backend.Registry { return c.registry }

func (c *Core) obtainCredential(ctx context.Context, res *backend.Resource) error {
	if res.AuthKey == "" {
		return nil
	}
	return c.creds.Obtain(ctx, res.AuthKey)
}

// fireTransition triggers the leaf's registered hook after a state change.
func (c *Core) fireTransition(t task.Task, from, to model.State) {
	if from == to {
		return
	}
	if leaf, ok := t.(*task.Leaf); ok {
		leaf.FireTransition(from, to)
	}
}

var _ task.Controller = (*Core)(nil)
