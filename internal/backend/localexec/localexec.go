// Package localexec implements the backend interface by running jobs as
// local processes under a per-resource spool directory. Each job gets its
// own sandbox directory holding stdout, stderr, and an exit marker written
// when the process finishes, so that polls survive a restart of the daemon
// even though the process handle does not.
package localexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/model"
)

// Type is the resource type tag this backend registers under.
const Type = "localexec"

const exitFile = ".exitcode"

// New is the backend.Factory for local-process resources.
func New(res *backend.Resource, logger *slog.Logger) (backend.Backend, error) {
	if res.SpoolDir == "" {
		return nil, fmt.Errorf("resource %q has no spool directory", res.Name)
	}
	if err := os.MkdirAll(res.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Backend{
		res:    res,
		logger: logger,
		procs:  make(map[string]*proc),
	}, nil
}

// Backend runs jobs as local child processes.
type Backend struct {
	res    *backend.Resource
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// proc tracks one live child process until it is reaped.
type proc struct {
	cmd    *exec.Cmd
	done   chan struct{}
	exit   int
	signal string
}

func (b *Backend) sandbox(job backend.Job) string {
	return filepath.Join(b.res.SpoolDir, job.ID())
}

// Submit starts the job's command as a child process inside a fresh sandbox
// directory and records the pid as the remote handle.
func (b *Backend) Submit(ctx context.Context, job backend.Job) error {
	spec := job.Spec()
	if len(spec.Command) == 0 {
		return fmt.Errorf("job %s has an empty command", job.ID())
	}

	dir := b.sandbox(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	stdout, err := os.Create(filepath.Join(dir, spec.Stdout))
	if err != nil {
		return fmt.Errorf("create stdout file: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, spec.Stderr))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create stderr file: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start process: %w", err)
	}

	job.Record().RemoteID = strconv.Itoa(cmd.Process.Pid)

	p := &proc{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[job.ID()] = p
	b.mu.Unlock()

	go b.reap(job.ID(), dir, p, stdout, stderr)
	return nil
}

// reap waits for the process, records its outcome, and writes the exit
// marker so later polls (including after a daemon restart) see it.
func (b *Backend) reap(id, dir string, p *proc, stdout, stderr *os.File) {
	err := p.cmd.Wait()
	stdout.Close()
	stderr.Close()

	p.exit = p.cmd.ProcessState.ExitCode()
	if err != nil && p.exit < 0 {
		// killed by signal
		p.exit = -1
		p.signal = err.Error()
	}
	close(p.done)

	marker := strconv.Itoa(p.exit) + "\n"
	if werr := os.WriteFile(filepath.Join(dir, exitFile), []byte(marker), 0o644); werr != nil {
		b.logger.Error("failed to write exit marker", "job", id, "error", werr)
	}
}

// Poll reports the job's state. Jobs the backend no longer tracks are
// resolved through the exit marker in the sandbox; a missing marker means
// the process is lost and the state is UNKNOWN.
func (b *Backend) Poll(ctx context.Context, job backend.Job) (backend.PollResult, error) {
	b.mu.Lock()
	p, tracked := b.procs[job.ID()]
	b.mu.Unlock()

	if tracked {
		select {
		case <-p.done:
			return backend.PollResult{
				State:      model.StateTerminated,
				Returncode: p.exit,
				Signal:     p.signal,
				Info:       fmt.Sprintf("process exited with code %d", p.exit),
			}, nil
		default:
			return backend.PollResult{State: model.StateRunning, Info: "process running"}, nil
		}
	}

	data, err := os.ReadFile(filepath.Join(b.sandbox(job), exitFile))
	if err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr != nil {
			code = -1
		}
		return backend.PollResult{
			State:      model.StateTerminated,
			Returncode: code,
			Info:       "process exited before this daemon started",
		}, nil
	}
	return backend.PollResult{
		State: model.StateUnknown,
		Info:  "process is not tracked and left no exit marker",
	}, nil
}

// Cancel kills the job's process, best-effort.
func (b *Backend) Cancel(ctx context.Context, job backend.Job) error {
	b.mu.Lock()
	p, tracked := b.procs[job.ID()]
	b.mu.Unlock()

	if tracked {
		select {
		case <-p.done:
			return nil
		default:
		}
		return p.cmd.Process.Kill()
	}

	pid, err := strconv.Atoi(job.Record().RemoteID)
	if err != nil {
		return fmt.Errorf("job %s has no usable pid", job.ID())
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return process.Kill()
}

// FetchOutput copies the job's declared outputs from the sandbox into
// destDir.
func (b *Backend) FetchOutput(ctx context.Context, job backend.Job, destDir string) error {
	spec := job.Spec()
	names := append([]string{spec.Stdout, spec.Stderr}, spec.OutputFiles...)
	dir := b.sandbox(job)
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := copyFile(filepath.Join(dir, name), filepath.Join(destDir, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("fetch %s: %w", name, err)
		}
	}
	return nil
}

// Peek returns a reader over a byte range of the job's stdout or stderr in
// the sandbox.
func (b *Backend) Peek(ctx context.Context, job backend.Job, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	name := job.Spec().Stdout
	if stream == backend.Stderr {
		name = job.Spec().Stderr
	}
	f, err := os.Open(filepath.Join(b.sandbox(job), name))
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", stream, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("peek %s: %w", stream, err)
		}
	}
	if size <= 0 {
		return f, nil
	}
	return readCloser{Reader: io.LimitReader(f, size), Closer: f}, nil
}

// Free removes the job's sandbox directory and drops the process entry.
func (b *Backend) Free(ctx context.Context, job backend.Job) error {
	b.mu.Lock()
	delete(b.procs, job.ID())
	b.mu.Unlock()
	return os.RemoveAll(b.sandbox(job))
}

// Status reports the resource's capacity based on the processes currently
// tracked.
func (b *Backend) Status(ctx context.Context) (backend.Status, error) {
	b.mu.Lock()
	running := 0
	for _, p := range b.procs {
		select {
		case <-p.done:
		default:
			running++
		}
	}
	b.mu.Unlock()

	free := b.res.MaxCores - running
	if free < 0 {
		free = 0
	}
	return backend.Status{
		FreeSlots:  free,
		OwnRunning: running,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ backend.Backend = (*Backend)(nil)
