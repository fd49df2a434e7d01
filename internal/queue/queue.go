// Package queue is the durable work queue and dispatcher: fingerprint
// deduplication, lease-based visibility, bounded per-queue concurrency,
// exponential backoff and fan-out-friendly backpressure. The store is the
// single source of truth; every mutation goes through a transactional
// read-modify-write.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/store"
)

var (
	// ErrDuplicate reports fingerprint-level suppression. The id of the job
	// holding the fingerprint travels in the wrapped *store.DuplicateError.
	ErrDuplicate = errors.New("queue: duplicate fingerprint suppressed")
	// ErrNotCancellable is returned for jobs already in a terminal state.
	ErrNotCancellable  = errors.New("queue: job not cancellable")
	ErrUnknownTemplate = errors.New("queue: unknown template")
	errSkipClaim       = errors.New("queue: claim skipped")
)

// QueueSpec is one named queue with its caps.
type QueueSpec struct {
	Name          string
	Concurrency   int
	MaxQueueDepth int
}

// Options configure the manager.
type Options struct {
	Queues          []QueueSpec
	BackoffBase     time.Duration // default 60s
	BackoffCap      time.Duration // default 30m
	PollInterval    time.Duration // worker idle poll, default 1s
	ReclaimInterval time.Duration // lease sweeper, default 30s
	WorkerID        string        // lease owner prefix, default hostname-like id
}

// Manager owns the queue state machine and the worker pools.
type Manager struct {
	store     store.Store
	opts      Options
	templates map[string]TemplateSpec
	queues    map[string]QueueSpec
	logger    zerolog.Logger

	// running maps jobID -> cancel for cooperative cancellation of local work.
	running sync.Map

	// wake channels give enqueues a fast path past the idle poll.
	wake map[string]chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewManager(st store.Store, opts Options) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 60 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 30 * time.Second
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()[:8]
	}
	m := &Manager{
		store:     st,
		opts:      opts,
		templates: make(map[string]TemplateSpec),
		queues:    make(map[string]QueueSpec),
		wake:      make(map[string]chan struct{}),
		logger:    log.WithComponent("queue"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, q := range opts.Queues {
		m.queues[q.Name] = q
		m.wake[q.Name] = make(chan struct{}, 1)
	}
	return m
}

// EnqueueOptions tune one submission.
type EnqueueOptions struct {
	Priority    bool
	Fingerprint string
	MaxAttempts int // 0 = template default
	ParentJobID string
	// Block applies backpressure: when the queue is at max depth the call
	// waits instead of failing. Fan-out parents use this; the scheduler
	// must not.
	Block bool
}

// Enqueue creates a job instance from a template. A fingerprint already
// held by a non-terminal job suppresses the submission with ErrDuplicate.
func (m *Manager) Enqueue(ctx context.Context, template string, payload model.Payload, opts EnqueueOptions) (string, error) {
	spec, ok := m.templates[template]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, template)
	}

	if opts.Block {
		if err := m.waitDepth(ctx, spec.Queue); err != nil {
			return "", err
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = spec.MaxAttempts
	}
	now := time.Now().UTC()
	job := &model.Job{
		JobID:         uuid.NewString(),
		TemplateName:  template,
		Queue:         spec.Queue,
		Fingerprint:   opts.Fingerprint,
		State:         model.JobQueued,
		Priority:      opts.Priority,
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		EarliestStart: now,
		ParentJobID:   opts.ParentJobID,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			jobsSuppressed.WithLabelValues(template).Inc()
			m.logger.Info().
				Str(log.FieldEvent, "enqueue.suppressed").
				Str(log.FieldTemplate, template).
				Str(log.FieldFingerprint, opts.Fingerprint).
				Str("existing_job_id", dup.ExistingJobID).
				Msg("duplicate fingerprint suppressed")
			return dup.ExistingJobID, fmt.Errorf("%w: %s", ErrDuplicate, dup.ExistingJobID)
		}
		return "", err
	}

	jobsEnqueued.WithLabelValues(spec.Queue, template).Inc()
	m.logger.Info().
		Str(log.FieldEvent, "enqueue.accepted").
		Str(log.FieldTemplate, template).
		Str(log.FieldQueue, spec.Queue).
		Str(log.FieldJobID, job.JobID).
		Bool("priority", opts.Priority).
		Msg("job enqueued")
	m.wakeQueue(spec.Queue)
	return job.JobID, nil
}

func (m *Manager) wakeQueue(name string) {
	if ch, ok := m.wake[name]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// waitDepth blocks until the queue's non-terminal depth drops below its
// configured maximum.
func (m *Manager) waitDepth(ctx context.Context, queueName string) error {
	spec, ok := m.queues[queueName]
	if !ok || spec.MaxQueueDepth <= 0 {
		return nil
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		depth, err := m.depth(ctx, queueName)
		if err != nil {
			return err
		}
		if depth < spec.MaxQueueDepth {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) depth(ctx context.Context, queueName string) (int, error) {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{
		Queue:  queueName,
		States: []model.JobState{model.JobQueued, model.JobLeased, model.JobRunning, model.JobRetrying},
	})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Cancel requests cancellation. Queued, leased and retrying jobs cancel
// immediately; a running job is cooperatively signalled and reports
// Cancelled once its handler observes the signal.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	signalled := false
	_, err := m.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
		switch j.State {
		case model.JobQueued, model.JobLeased, model.JobRetrying:
			j.State = model.JobCancelled
			j.ErrorClass = model.ClassCancelled
		case model.JobRunning:
			j.CancelRequested = true
			signalled = true
		default:
			return ErrNotCancellable
		}
		return nil
	})
	if err != nil {
		return err
	}
	if signalled {
		if cancel, ok := m.running.Load(jobID); ok {
			cancel.(context.CancelFunc)()
		}
	}
	m.logger.Info().
		Str(log.FieldEvent, "job.cancel").
		Str(log.FieldJobID, jobID).
		Bool("cooperative", signalled).
		Msg("cancellation requested")
	return nil
}

// Status returns the job record.
func (m *Manager) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]*model.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// Summary returns per-queue counts by state. Derived, not authoritative.
func (m *Manager) Summary(ctx context.Context) (map[string]map[model.JobState]int, error) {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[model.JobState]int)
	for _, j := range jobs {
		byState, ok := out[j.Queue]
		if !ok {
			byState = make(map[model.JobState]int)
			out[j.Queue] = byState
		}
		byState[j.State]++
	}
	return out, nil
}

// backoffDelay computes delay = base * 2^(attempt-1) + jitter, capped.
// Jitter stays below a quarter of the deterministic delay, which keeps the
// sequence non-decreasing across attempts.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := m.opts.BackoffBase
	cap := m.opts.BackoffCap
	d := base
	for i := 1; i < attempt; i++ {
		if d > cap/2 {
			d = cap
			break
		}
		d *= 2
	}
	if d >= cap {
		return cap
	}
	m.rngMu.Lock()
	jitter := time.Duration(m.rng.Int63n(int64(d/4) + 1))
	m.rngMu.Unlock()
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}
