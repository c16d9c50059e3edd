package backend

import (
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/gc3pie/gridrun/internal/errdefs"
)

// Factory constructs a Backend bound to one configured resource.
type Factory func(res *Resource, logger *slog.Logger) (Backend, error)

// Selector narrows the set of enabled resources. It is a closed sum type:
// use ByPredicate or ByGlob.
type Selector interface {
	matches(r *Resource) bool
}

// ByPredicate keeps resources for which the function returns true.
type ByPredicate func(*Resource) bool

func (p ByPredicate) matches(r *Resource) bool { return p(r) }

// ByGlob keeps resources whose name matches the shell glob pattern.
type ByGlob string

func (g ByGlob) matches(r *Resource) bool {
	ok, err := path.Match(string(g), r.Name)
	return err == nil && ok
}

// Registry holds the configured resources and lazily constructs one Backend
// per resource on first use. Construction failures are recorded and retried
// on the next Get; they never prevent use of the other resources.
//
// The resource map is mutated only during construction and Select; during
// normal operation it is read-only and safe to share across pollers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	resources map[string]*Resource
	order     []string
	backends  map[string]Backend
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		resources: make(map[string]*Resource),
		backends:  make(map[string]Backend),
		logger:    logger,
	}
}

// RegisterType binds a backend factory to a resource type tag.
func (r *Registry) RegisterType(typeTag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = f
}

// AddResource adds a configured resource to the registry. Duplicate names
// are a configuration error.
func (r *Registry) AddResource(res *Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.resources[res.Name]; dup {
		return errdefs.Configuration("registry.add",
			fmt.Sprintf("duplicate resource name %q", res.Name))
	}
	res.Enabled = true
	r.resources[res.Name] = res
	r.order = append(r.order, res.Name)
	return nil
}

// Resource returns the configured resource descriptor by name.
func (r *Registry) Resource(name string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	if !ok {
		return nil, errdefs.UnknownResource(name)
	}
	return res, nil
}

// Resources returns all configured resources in configuration order.
func (r *Registry) Resources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.resources[name])
	}
	return out
}

// Enabled returns the enabled resources in configuration order.
func (r *Registry) Enabled() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, 0, len(r.order))
	for _, name := range r.order {
		if res := r.resources[name]; res.Enabled {
			out = append(out, res)
		}
	}
	return out
}

// Get returns the Backend bound to the named resource, constructing it on
// first use. An unknown name yields errdefs.ErrUnknownResource; a factory
// failure is logged and returned, and construction is retried on the next
// call rather than poisoning the resource forever.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	res, ok := r.resources[name]
	if !ok {
		return nil, errdefs.UnknownResource(name)
	}
	factory, ok := r.factories[res.Type]
	if !ok {
		return nil, errdefs.Configuration("registry.get",
			fmt.Sprintf("resource %q has unsupported backend type %q", name, res.Type))
	}
	b, err := factory(res, r.logger.With("resource", name))
	if err != nil {
		r.logger.Error("backend construction failed; resource unusable for now",
			"resource", name, "type", res.Type, "error", err)
		return nil, fmt.Errorf("construct backend for %q: %w", name, err)
	}
	r.backends[name] = b
	return b, nil
}

// Select disables every resource the selector rejects and returns the number
// of resources still enabled. Matching narrows the set in place: a resource
// disabled by an earlier Select stays disabled.
func (r *Registry) Select(sel Selector) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled := 0
	for _, name := range r.order {
		res := r.resources[name]
		if res.Enabled && !sel.matches(res) {
			res.Enabled = false
		}
		if res.Enabled {
			enabled++
		}
	}
	return enabled
}
