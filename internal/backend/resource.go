package backend

import "time"

// Status is the mutable live snapshot of a resource's capacity, refreshed by
// the periodic status update. Updated records whether the last refresh
// succeeded.
type Status struct {
	FreeSlots   int       `json:"free_slots"`
	QueuedTotal int       `json:"queued_total"`
	OwnRunning  int       `json:"own_running"`
	OwnQueued   int       `json:"own_queued"`
	Updated     bool      `json:"updated"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
}

// Resource describes one configured execution resource. Name is the unique
// key; Type selects the backend factory; AuthKey names the credential the
// core obtains before backend operations. Resources are created from
// configuration and never destroyed during a process lifetime, only disabled
// by Select.
type Resource struct {
	Name               string `yaml:"name" json:"name"`
	Type               string `yaml:"type" json:"type"`
	MaxCores           int    `yaml:"max_cores" json:"max_cores"`
	MaxCoresPerJob     int    `yaml:"max_cores_per_job" json:"max_cores_per_job"`
	MaxMemoryPerCoreMB int    `yaml:"max_memory_per_core_mb" json:"max_memory_per_core_mb"`
	MaxWalltimeMinutes int    `yaml:"max_walltime_minutes" json:"max_walltime_minutes"`
	Architecture       string `yaml:"architecture,omitempty" json:"architecture,omitempty"`
	AuthKey            string `yaml:"auth,omitempty" json:"auth,omitempty"`

	// SpoolDir is where process-based backends keep per-job directories.
	SpoolDir string `yaml:"spool_dir,omitempty" json:"spool_dir,omitempty"`

	Enabled bool   `yaml:"-" json:"enabled"`
	Status  Status `yaml:"-" json:"status"`
}
