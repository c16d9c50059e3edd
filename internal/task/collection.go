package task

import (
	"context"
	"fmt"
	"io"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
)

// Collection exit code used when any child of a parallel collection failed.
const exitChildFailed = 70

// collection holds the parts shared by Sequential and Parallel: an ordered
// child list and a derived execution record. Children never reference their
// parent; the collection exclusively owns the sequence.
type collection struct {
	id       string
	rec      *model.Record
	tasks    []Task
	ctrl     Controller
	attached bool
}

// ID returns the collection identifier.
func (c *collection) ID() string { return c.id }

// Record returns the collection's derived execution record.
func (c *collection) Record() *model.Record { return c.rec }

// Children returns the ordered child tasks.
func (c *collection) Children() []Task { return c.tasks }

// Attached reports whether the collection is bound to a controller.
func (c *collection) Attached() bool { return c.attached }

// Peek is not meaningful on a collection; peek a specific child instead.
func (c *collection) Peek(ctx context.Context, stream backend.Stream, offset, size int64) (io.ReadCloser, error) {
	return nil, fmt.Errorf("peek on collection %s: %w", c.id, errdefs.ErrInvalidOperation)
}

// childError handles a failure while submitting or updating one child:
// fatal classes propagate immediately, everything else is recorded on both
// records and retried on the next round.
func (c *collection) childError(child Task, op string, err error) error {
	if errdefs.IsFatal(err) {
		return err
	}
	msg := fmt.Sprintf("%s of child %s failed: %v", op, child.ID(), err)
	child.Record().Log(msg)
	c.rec.Log(msg)
	return nil
}
