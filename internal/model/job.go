package model

// Requirements describes the resource quantities a job asks for. Zero values
// mean "no constraint" for that dimension.
type Requirements struct {
	Cores             int      `json:"cores,omitempty"`
	MemoryPerCoreMB   int      `json:"memory_per_core_mb,omitempty"`
	WalltimeMinutes   int      `json:"walltime_minutes,omitempty"`
	Architecture      string   `json:"architecture,omitempty"`
	ResourceAllowlist []string `json:"resource_allowlist,omitempty"`
}

// AllowsResource reports whether the named resource is acceptable to the
// request. An empty allowlist accepts every resource.
func (r Requirements) AllowsResource(name string) bool {
	if len(r.ResourceAllowlist) == 0 {
		return true
	}
	for _, allowed := range r.ResourceAllowlist {
		if allowed == name {
			return true
		}
	}
	return false
}

// JobSpec is the opaque job payload handed to a backend: what to run and
// which files the run produces. The orchestration core never interprets it
// beyond the output declarations.
type JobSpec struct {
	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	Image       string            `json:"image,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	OutputFiles []string          `json:"output_files,omitempty"`
}
