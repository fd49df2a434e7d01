package model

import "time"

// StorageVolume is an immutable configuration entry for one flex server.
type StorageVolume struct {
	ID        string `json:"id" yaml:"id"`
	MountPath string `json:"mountPath" yaml:"mount_path"`
	Label     string `json:"label" yaml:"label"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// Recording is a file discovered on a volume. Recordings are referenced by
// value: the snapshot taken at discovery decouples the pipeline from live
// filesystem changes.
type Recording struct {
	VolumeID     string    `json:"volumeId"`
	VolumeLabel  string    `json:"volumeLabel,omitempty"`
	AbsolutePath string    `json:"absolutePath"`
	Filename     string    `json:"filename"`
	SizeBytes    int64     `json:"sizeBytes"`
	ModTime      time.Time `json:"modTime"`
	Ext          string    `json:"ext"`
	Fingerprint  string    `json:"fingerprint"`
}

// Payload carries the parameters of a job instance. Fields are optional;
// each template reads the subset it understands.
type Payload struct {
	RecentN         int        `json:"recentN,omitempty" yaml:"recent_n,omitempty"`
	VolumeID        string     `json:"volumeId,omitempty" yaml:"volume_id,omitempty"`
	Recording       *Recording `json:"recording,omitempty" yaml:"-"`
	CablecastShowID int        `json:"cablecastShowId,omitempty" yaml:"cablecast_show_id,omitempty"`
	SCCPath         string     `json:"sccPath,omitempty" yaml:"-"`
	// AllowSCCOverwrite authorizes replacing an existing non-empty sidecar.
	// Only the caption-check malformed-retry path sets it.
	AllowSCCOverwrite bool `json:"allowSccOverwrite,omitempty" yaml:"-"`
}

// Job is a scheduled or manually submitted task instance. The store is the
// single source of truth; all mutations go through compare-and-swap updates.
type Job struct {
	JobID        string `json:"jobId"`
	TemplateName string `json:"templateName"`
	Queue        string `json:"queue"`
	// Fingerprint is the dedup key. At most one job per fingerprint may be
	// in a non-terminal state. Empty for jobs that need no dedup.
	Fingerprint     string     `json:"fingerprint,omitempty"`
	State           JobState   `json:"state"`
	Priority        bool       `json:"priority,omitempty"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"maxAttempts"`
	EarliestStart   time.Time  `json:"earliestStart"`
	LeaseOwner      string     `json:"leaseOwner,omitempty"`
	LeaseDeadline   time.Time  `json:"leaseDeadline,omitempty"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
	ParentJobID     string     `json:"parentJobId,omitempty"`
	Payload         Payload    `json:"payload"`
	LastError       string     `json:"lastError,omitempty"`
	ErrorClass      ErrorClass `json:"errorClass,omitempty"`
	Partial         bool       `json:"partial,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Artifact records the frozen output of one completed pipeline stage.
type Artifact struct {
	Path     string    `json:"path,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	At       time.Time `json:"at"`
	Note     string    `json:"note,omitempty"`
}

// PipelineRun is the durable record of one pipeline execution for exactly
// one recording.
type PipelineRun struct {
	RunID           string             `json:"runId"`
	JobID           string             `json:"jobId"`
	Recording       Recording          `json:"recording"`
	Stage           Stage              `json:"stage"`
	Artifacts       map[Stage]Artifact `json:"artifacts"`
	CablecastShowID int                `json:"cablecastShowId,omitempty"`
	CablecastVODID  int                `json:"cablecastVodId,omitempty"`
	NeedsReview     bool               `json:"needsReview,omitempty"`
	OrphanRisk      bool               `json:"orphanRisk,omitempty"`
	Diagnostic      string             `json:"diagnostic,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// ArtifactFor returns the artifact for a stage if the stage has completed.
func (r *PipelineRun) ArtifactFor(s Stage) (Artifact, bool) {
	if r.Artifacts == nil {
		return Artifact{}, false
	}
	a, ok := r.Artifacts[s]
	return a, ok
}

// SetArtifact freezes the artifact for a stage. A stage only writes after
// its checkpoint was found missing or invalid, so a rerun replaces the stale
// record with the fresh one.
func (r *PipelineRun) SetArtifact(s Stage, a Artifact) {
	if r.Artifacts == nil {
		r.Artifacts = make(map[Stage]Artifact)
	}
	r.Artifacts[s] = a
}
