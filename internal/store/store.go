package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/communitymedia/captiond/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrActiveFingerprint is returned by CreateJob when another job with the
	// same fingerprint is still in a non-terminal state.
	ErrActiveFingerprint = errors.New("store: fingerprint already active")
	// ErrSchemaTooNew is returned when the on-disk schema version is newer
	// than this binary supports. Migrations are forward-only.
	ErrSchemaTooNew = errors.New("store: schema version too new")
)

// SchemaVersion is the current on-disk schema. Opening a store with an older
// version migrates forward; a newer version refuses to open.
const SchemaVersion = 1

// DuplicateError wraps ErrActiveFingerprint and names the job that holds
// the fingerprint.
type DuplicateError struct {
	Fingerprint   string
	ExistingJobID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("store: fingerprint %s already active on job %s", e.Fingerprint, e.ExistingJobID)
}

func (e *DuplicateError) Unwrap() error { return ErrActiveFingerprint }

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Queue       string
	States      []model.JobState
	Since       time.Time
	ParentJobID string
}

func (f JobFilter) matches(j *model.Job) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.ParentJobID != "" && j.ParentJobID != f.ParentJobID {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if j.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Store is the system-of-record for jobs, pipeline runs, scheduler marks
// and leases.
//
// Design intent:
// - The scheduler and operators only create jobs; workers own all mutation.
// - Job updates are read-modify-write inside one transaction, so callers
//   get compare-and-swap semantics on state and attempt.
// - Fingerprint uniqueness across non-terminal jobs is enforced here, not
//   by callers.
type Store interface {
	// --- Jobs ---
	// CreateJob persists a new job. If the job carries a fingerprint that is
	// already held by a non-terminal job, it returns *DuplicateError.
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJob applies fn to the current record and writes it back
	// atomically. fn returning an error aborts the update.
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)
	// ActiveJobByFingerprint returns the non-terminal job currently holding
	// the fingerprint, if any.
	ActiveJobByFingerprint(ctx context.Context, fp string) (jobID string, ok bool, err error)

	// --- Pipeline runs (keyed by recording fingerprint) ---
	GetRun(ctx context.Context, fingerprint string) (*model.PipelineRun, error)
	PutRun(ctx context.Context, r *model.PipelineRun) error
	UpdateRun(ctx context.Context, fingerprint string, fn func(*model.PipelineRun) error) (*model.PipelineRun, error)

	// --- Scheduler marks ---
	LastFired(ctx context.Context, template string) (time.Time, bool, error)
	SetLastFired(ctx context.Context, template string, t time.Time) error

	// --- Leases (single-writer locks, e.g. pipeline working directories) ---
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Close() error
}
