package backend

import (
	"context"
	"io"

	"github.com/gc3pie/gridrun/internal/model"
)

// Stream selects which output stream a Peek call reads.
type Stream string

// Peekable output streams.
const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Job is the view of a task that a backend operates on: an identifier, the
// opaque payload to run, the requested quantities, and the execution record
// where the backend stores its remote handle.
type Job interface {
	ID() string
	Spec() *model.JobSpec
	Requirements() model.Requirements
	Record() *model.Record
}

// PollResult is the answer to a poll: the observed lifecycle state plus an
// explanatory status line. Returncode and Signal are meaningful only when
// State is TERMINATED.
type PollResult struct {
	State      model.State
	Info       string
	Returncode int
	Signal     string
}

// Backend is the capability interface every execution resource adapter must
// implement. All operations are potentially blocking I/O against a remote
// scheduler; callers bound them with the context.
//
// Poll must not return an error for "job not found": it reports TERMINATED
// or UNKNOWN with an explanatory Info instead, and reserves the error return
// for transport failures.
type Backend interface {
	// Submit starts the job on this resource and stores the remote handle
	// in the job's record.
	Submit(ctx context.Context, job Job) error

	// Poll returns the current remote state of the job.
	Poll(ctx context.Context, job Job) (PollResult, error)

	// Cancel requests remote termination, best-effort.
	Cancel(ctx context.Context, job Job) error

	// FetchOutput downloads the job's declared outputs into destDir.
	FetchOutput(ctx context.Context, job Job, destDir string) error

	// Peek returns a reader over size bytes at offset of the given stream.
	// size <= 0 means "to the end".
	Peek(ctx context.Context, job Job, stream Stream, offset, size int64) (io.ReadCloser, error)

	// Free releases remote storage held for the job.
	Free(ctx context.Context, job Job) error

	// Status returns a fresh capacity snapshot for the resource.
	Status(ctx context.Context) (Status, error)
}
