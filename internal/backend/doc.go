// Package backend defines the capability interface that all execution
// resource adapters (batch clusters, local process pools, container
// runtimes) must implement, the resource descriptors they are bound to, and
// the registry that lazily constructs one adapter per configured resource.
package backend
