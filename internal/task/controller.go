package task

import (
	"context"
	"io"

	"github.com/gc3pie/gridrun/internal/backend"
)

// UpdateOpts tunes a poll operation.
type UpdateOpts struct {
	// AllowUnknown lets a failed poll degrade the task state to UNKNOWN
	// instead of leaving it unchanged.
	AllowUnknown bool
}

// Controller performs the actual remote operations a Task delegates to.
// Core implements it directly; Engine implements it by proxying to a Core
// while tracking the task in its buckets.
type Controller interface {
	Submit(ctx context.Context, t Task) error
	Update(ctx context.Context, t Task, opts UpdateOpts) error
	Kill(ctx context.Context, t Task) error
	Fetch(ctx context.Context, t Task, destDir string) error
	Peek(ctx context.Context, t Task, stream backend.Stream, offset, size int64) (io.ReadCloser, error)
	Free(ctx context.Context, t Task) error
}
