// Package auth defines the credential collaborator the core calls before a
// backend operation that needs one. Concrete providers (SSH agents, grid
// proxies) live outside the core; the core only depends on this interface.
package auth

import "context"

// Provider obtains (or refreshes) the credential bound to the given key.
// Failures must be classified with errdefs.RecoverableAuth or
// errdefs.UnrecoverableAuth so callers can decide between retrying later and
// dropping the resource for good.
type Provider interface {
	Obtain(ctx context.Context, key string) error
}

// None is a Provider for resources that need no credentials.
type None struct{}

// Obtain always succeeds.
func (None) Obtain(ctx context.Context, key string) error { return nil }

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, key string) error

// Obtain calls f.
func (f ProviderFunc) Obtain(ctx context.Context, key string) error {
	return f(ctx, key)
}
