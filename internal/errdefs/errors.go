// Package errdefs provides the shared error taxonomy for the orchestration
// core. Errors are classified by sentinel so that callers can use errors.Is
// to decide between "retry next round", "try the next resource" and
// "abort the whole run".
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrConfiguration marks fatal misconfiguration (missing resource
	// definition, unknown backend type). Never retried; propagates out of
	// every polling loop.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoResources is returned when no configured resource is compatible
	// with a task's requirements. Distinct from submission failure.
	ErrNoResources = errors.New("no compatible resources")

	// ErrSubmission is returned when submission was attempted and failed on
	// every candidate resource.
	ErrSubmission = errors.New("submission failed")

	// ErrRecoverableAuth marks a credential failure worth retrying later.
	ErrRecoverableAuth = errors.New("recoverable auth error")

	// ErrUnrecoverableAuth marks a credential failure that permanently drops
	// the resource/operation for this task.
	ErrUnrecoverableAuth = errors.New("unrecoverable auth error")

	// ErrDetached is returned by task operations when the task is not
	// attached to a controller.
	ErrDetached = errors.New("task is not attached to any controller")

	// ErrOutputNotAvailable is returned by fetch on a task whose job has
	// not started producing output yet (NEW or SUBMITTED).
	ErrOutputNotAvailable = errors.New("output not available")

	// ErrInvalidOperation marks caller misuse of the state contract, e.g.
	// freeing a non-terminal task or redoing a live one.
	ErrInvalidOperation = errors.New("invalid operation for task state")

	// ErrUnexpectedState is returned by Progress when an update lands on
	// STOPPED or UNKNOWN, which the caller must handle explicitly.
	ErrUnexpectedState = errors.New("task entered unexpected state")

	// ErrUnknownResource is returned when no configured resource has the
	// requested name.
	ErrUnknownResource = errors.New("unknown resource")
)

// Error is a structured error carrying the failing operation and resource
// alongside the classification sentinel.
type Error struct {
	Sentinel error  // wrapped sentinel for errors.Is() classification
	Op       string // operation that failed (e.g. "core.submit")
	Resource string // resource involved, if any
	Message  string // human-readable message
	Cause    error  // underlying error
}

// Error returns the human-readable message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Configuration creates a fatal configuration-class error.
func Configuration(op, message string) error {
	return &Error{Sentinel: ErrConfiguration, Op: op, Message: message}
}

// NoResources creates a no-resources error for the given operation.
func NoResources(op, message string) error {
	return &Error{Sentinel: ErrNoResources, Op: op, Message: message}
}

// Submission creates an operational submission error wrapping the last cause.
func Submission(op, resource string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Op:       op,
		Resource: resource,
		Message:  fmt.Sprintf("submission to %q failed", resource),
		Cause:    cause,
	}
}

// RecoverableAuth wraps a credential failure that may succeed on retry.
func RecoverableAuth(key string, cause error) error {
	return &Error{
		Sentinel: ErrRecoverableAuth,
		Op:       "auth.obtain",
		Message:  fmt.Sprintf("obtaining credential %q failed", key),
		Cause:    cause,
	}
}

// UnrecoverableAuth wraps a credential failure that will never succeed.
func UnrecoverableAuth(key string, cause error) error {
	return &Error{
		Sentinel: ErrUnrecoverableAuth,
		Op:       "auth.obtain",
		Message:  fmt.Sprintf("credential %q is unusable", key),
		Cause:    cause,
	}
}

// UnknownResource creates an error for a resource name that is not configured.
func UnknownResource(name string) error {
	return &Error{
		Sentinel: ErrUnknownResource,
		Resource: name,
		Message:  fmt.Sprintf("no configured resource by the name %q", name),
	}
}

// IsFatal reports whether err belongs to a class that must abort the whole
// run instead of being swallowed by a polling loop: configuration errors and
// unrecoverable auth errors.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrUnrecoverableAuth)
}
