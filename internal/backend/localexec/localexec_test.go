package localexec

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	res := &backend.Resource{
		Name:     "local",
		Type:     Type,
		MaxCores: 4,
		SpoolDir: t.TempDir(),
	}
	b, err := New(res, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b.(*Backend)
}

// waitTerminated polls until the job terminates or the deadline passes.
func waitTerminated(t *testing.T, b *Backend, job backend.Job) backend.PollResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := b.Poll(context.Background(), job)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.State == model.StateTerminated {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not terminate in time")
	return backend.PollResult{}
}

func TestSubmitAndPollToCompletion(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/sh", "-c", "echo hello"}}, model.Requirements{})

	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Record().RemoteID == "" {
		t.Fatal("pid not recorded as remote handle")
	}

	res := waitTerminated(t, b, job)
	if res.Returncode != 0 {
		t.Fatalf("returncode = %d, want 0", res.Returncode)
	}

	data, err := os.ReadFile(filepath.Join(b.sandbox(job), job.Spec().Stdout))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hello" {
		t.Fatalf("stdout = %q, want hello", data)
	}
}

func TestNonzeroExitCode(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/sh", "-c", "exit 3"}}, model.Requirements{})

	if err := b.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitTerminated(t, b, job)
	if res.Returncode != 3 {
		t.Fatalf("returncode = %d, want 3", res.Returncode)
	}
}

func TestCancelKillsProcess(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/sh", "-c", "sleep 60"}}, model.Requirements{})
	ctx := context.Background()

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Cancel(ctx, job); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := waitTerminated(t, b, job)
	if res.Returncode == 0 {
		t.Fatal("killed process reported success")
	}
}

func TestPollUntrackedJobUsesExitMarker(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/true"}}, model.Requirements{})
	ctx := context.Background()

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminated(t, b, job)

	// simulate a restart: drop the in-memory process table
	b.mu.Lock()
	delete(b.procs, job.ID())
	b.mu.Unlock()

	res, err := b.Poll(ctx, job)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.State != model.StateTerminated || res.Returncode != 0 {
		t.Fatalf("poll after restart = %+v, want TERMINATED rc 0", res)
	}
}

func TestPollLostJobIsUnknown(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/true"}}, model.Requirements{})

	res, err := b.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("Poll must not error on unknown jobs: %v", err)
	}
	if res.State != model.StateUnknown {
		t.Fatalf("state = %s, want UNKNOWN", res.State)
	}
}

func TestFetchOutputAndFree(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{
		Command:     []string{"/bin/sh", "-c", "echo out; echo result > result.txt"},
		OutputFiles: []string{"result.txt"},
	}, model.Requirements{})
	ctx := context.Background()

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminated(t, b, job)

	dest := t.TempDir()
	if err := b.FetchOutput(ctx, job, dest); err != nil {
		t.Fatalf("FetchOutput: %v", err)
	}
	for _, name := range []string{job.Spec().Stdout, "result.txt"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("missing fetched file %s: %v", name, err)
		}
	}

	if err := b.Free(ctx, job); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := os.Stat(b.sandbox(job)); !os.IsNotExist(err) {
		t.Fatal("sandbox still exists after Free")
	}
}

func TestPeekReadsByteRange(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/sh", "-c", "printf 'hello world'"}}, model.Requirements{})
	ctx := context.Background()

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminated(t, b, job)

	rc, err := b.Peek(ctx, job, backend.Stdout, 6, 5)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read peek: %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("peek = %q, want world", data)
	}
}

func TestStatusCountsRunningProcesses(t *testing.T) {
	b := newTestBackend(t)
	job := task.NewLeaf(&model.JobSpec{Command: []string{"/bin/sh", "-c", "sleep 60"}}, model.Requirements{})
	ctx := context.Background()

	if err := b.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer b.Cancel(ctx, job)

	st, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.OwnRunning != 1 {
		t.Fatalf("own running = %d, want 1", st.OwnRunning)
	}
	if st.FreeSlots != 3 {
		t.Fatalf("free slots = %d, want 3", st.FreeSlots)
	}
}
