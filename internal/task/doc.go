// Package task defines the unit of work the rest of the system operates on:
// leaf tasks bound to a single remote job, and sequential/parallel
// collections that compose tasks into workflows behind the same interface.
//
// A task carries a model.Record state machine and delegates its remote
// operations (submit, poll, kill, fetch) to an attached Controller. Tasks are
// passive: nothing happens until a caller drives Progress or the individual
// operations, and a task detached from its controller can only be inspected.
package task
