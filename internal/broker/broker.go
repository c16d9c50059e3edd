// Package broker implements the pure brokering step: given the configured
// resources and a pending task's requested quantities, return the compatible
// resources ordered by fitness. Submission is then attempted against the
// candidates in order until one succeeds; an empty result is a normal,
// non-exceptional outcome.
package broker

import (
	"sort"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/model"
)

// Compatible reports whether the resource's advertised capacity can satisfy
// the request. Zero-valued request dimensions are unconstrained; a resource
// that does not advertise a limit accepts any request on that dimension.
func Compatible(req model.Requirements, res *backend.Resource) bool {
	if !res.Enabled {
		return false
	}
	if !req.AllowsResource(res.Name) {
		return false
	}
	if req.Cores > 0 && res.MaxCoresPerJob > 0 && req.Cores > res.MaxCoresPerJob {
		return false
	}
	if req.MemoryPerCoreMB > 0 && res.MaxMemoryPerCoreMB > 0 && req.MemoryPerCoreMB > res.MaxMemoryPerCoreMB {
		return false
	}
	if req.WalltimeMinutes > 0 && res.MaxWalltimeMinutes > 0 && req.WalltimeMinutes > res.MaxWalltimeMinutes {
		return false
	}
	if req.Architecture != "" && res.Architecture != "" && req.Architecture != res.Architecture {
		return false
	}
	return true
}

// score rates a compatible resource for the request; higher is better. Free
// slots dominate, a shorter queue breaks ties, and among equals the tighter
// fit for the requested cores and the smaller resource win, so that large
// resources keep headroom for big requests.
func score(req model.Requirements, res *backend.Resource) int {
	s := res.Status.FreeSlots * 100
	s -= res.Status.QueuedTotal * 10
	s -= res.Status.OwnQueued * 10
	if req.Cores > 0 && res.MaxCoresPerJob > 0 {
		s -= res.MaxCoresPerJob - req.Cores
	}
	if res.MaxCores > 0 {
		s -= res.MaxCores
	}
	return s
}

// Order returns the subset of resources compatible with the request, ordered
// best-first by fitness score. Incompatible resources are excluded; ties
// keep configuration order so repeated calls are deterministic.
func Order(req model.Requirements, resources []*backend.Resource) []*backend.Resource {
	candidates := make([]*backend.Resource, 0, len(resources))
	for _, res := range resources {
		if Compatible(req, res) {
			candidates = append(candidates, res)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return score(req, candidates[i]) > score(req, candidates[j])
	})
	return candidates
}
