package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/store"
)

// Run starts the per-queue worker pools and the lease sweeper and blocks
// until ctx is cancelled. Workers drain their in-flight job before Run
// returns; queued work stays durable and is picked up on the next start.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for name, spec := range m.queues {
		for i := 0; i < spec.Concurrency; i++ {
			queueName := name
			workerIdx := i
			g.Go(func() error {
				m.workerLoop(ctx, queueName, workerIdx)
				return nil
			})
		}
	}
	g.Go(func() error {
		m.reclaimLoop(ctx)
		return nil
	})

	m.logger.Info().
		Str(log.FieldEvent, "dispatch.start").
		Int("queues", len(m.queues)).
		Msg("queue dispatcher started")
	return g.Wait()
}

func (m *Manager) workerLoop(ctx context.Context, queueName string, idx int) {
	owner := fmt.Sprintf("%s/%s-%d", m.opts.WorkerID, queueName, idx)
	wake := m.wake[queueName]
	for {
		job, err := m.claim(ctx, queueName, owner)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).
				Str(log.FieldQueue, queueName).
				Msg("claim failed")
		case job != nil:
			m.execute(ctx, job, owner)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// claim picks the most eligible ready job and compare-and-swaps it to
// leased. Losing a race with another worker just skips to the next
// candidate.
func (m *Manager) claim(ctx context.Context, queueName, owner string) (*model.Job, error) {
	now := time.Now().UTC()
	candidates, err := m.store.ListJobs(ctx, store.JobFilter{
		Queue:  queueName,
		States: []model.JobState{model.JobQueued, model.JobRetrying},
	})
	if err != nil {
		return nil, err
	}
	ready := candidates[:0]
	for _, j := range candidates {
		if !j.EarliestStart.After(now) {
			ready = append(ready, j)
		}
	}
	// Priority first, then earliest eligibility, then submission order.
	sort.SliceStable(ready, func(a, b int) bool {
		if ready[a].Priority != ready[b].Priority {
			return ready[a].Priority
		}
		if !ready[a].EarliestStart.Equal(ready[b].EarliestStart) {
			return ready[a].EarliestStart.Before(ready[b].EarliestStart)
		}
		return ready[a].CreatedAt.Before(ready[b].CreatedAt)
	})

	for _, candidate := range ready {
		spec, ok := m.templates[candidate.TemplateName]
		if !ok {
			// A job for a template this build no longer registers. Park it
			// as failed rather than spinning on it forever.
			_, _ = m.store.UpdateJob(ctx, candidate.JobID, func(j *model.Job) error {
				if j.State.IsTerminal() {
					return errSkipClaim
				}
				j.State = model.JobFailed
				j.ErrorClass = model.ClassContract
				j.LastError = "no handler registered for template " + j.TemplateName
				return nil
			})
			continue
		}
		claimed, err := m.store.UpdateJob(ctx, candidate.JobID, func(j *model.Job) error {
			if j.State != model.JobQueued && j.State != model.JobRetrying {
				return errSkipClaim
			}
			if j.EarliestStart.After(time.Now().UTC()) {
				return errSkipClaim
			}
			j.State = model.JobLeased
			j.LeaseOwner = owner
			j.LeaseDeadline = time.Now().UTC().Add(spec.LeaseTTL)
			return nil
		})
		if errors.Is(err, errSkipClaim) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
	return nil, nil
}

// execute runs one claimed job through its handler and maps the outcome
// onto the job record.
func (m *Manager) execute(ctx context.Context, job *model.Job, owner string) {
	spec := m.templates[job.TemplateName]

	started, err := m.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		if j.State != model.JobLeased || j.LeaseOwner != owner {
			return errSkipClaim
		}
		if j.CancelRequested {
			j.State = model.JobCancelled
			j.ErrorClass = model.ClassCancelled
			return nil
		}
		j.State = model.JobRunning
		return nil
	})
	if err != nil || started.State != model.JobRunning {
		return
	}
	job = started

	jobCtx, cancel := context.WithCancel(ctx)
	m.running.Store(job.JobID, cancel)
	defer func() {
		m.running.Delete(job.JobID)
		cancel()
	}()

	renewDone := make(chan struct{})
	go m.renewLoop(jobCtx, cancel, job.JobID, owner, spec.LeaseTTL, renewDone)

	logger := m.logger.With().
		Str(log.FieldJobID, job.JobID).
		Str(log.FieldTemplate, job.TemplateName).
		Int(log.FieldAttempt, job.Attempt).
		Logger()
	logger.Info().Str(log.FieldEvent, "job.start").Msg("handler starting")

	jobCtx = log.ContextWithJobID(jobCtx, job.JobID)
	if job.Fingerprint != "" {
		jobCtx = log.ContextWithFingerprint(jobCtx, job.Fingerprint)
	}

	begin := time.Now()
	outcome := m.safeExecute(jobCtx, spec.Handler, job)
	elapsed := time.Since(begin)
	close(renewDone)

	jobDuration.WithLabelValues(job.TemplateName).Observe(elapsed.Seconds())
	m.complete(ctx, job, outcome, logger, elapsed)
}

// safeExecute isolates handler panics: a panicking handler fails its job,
// not the daemon.
func (m *Manager) safeExecute(ctx context.Context, h Handler, job *model.Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failf(model.ClassContract, "handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Execute(ctx, job)
}

// renewLoop extends the lease at a third of its TTL and mirrors a stored
// cancel request into the local context.
func (m *Manager) renewLoop(ctx context.Context, cancel context.CancelFunc, jobID, owner string, ttl time.Duration, done <-chan struct{}) {
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		updated, err := m.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
			if j.State != model.JobRunning || j.LeaseOwner != owner {
				return errSkipClaim
			}
			j.LeaseDeadline = time.Now().UTC().Add(ttl)
			return nil
		})
		if err != nil {
			if errors.Is(err, errSkipClaim) {
				// Lost the lease to the sweeper or a cancel. Stop the work.
				cancel()
				return
			}
			continue
		}
		if updated.CancelRequested {
			cancel()
			return
		}
	}
}

// complete maps the handler outcome onto the final state for this attempt.
// Retry is pure data: a transient failure with budget left re-queues the
// same job with a later EarliestStart.
func (m *Manager) complete(ctx context.Context, job *model.Job, outcome Outcome, logger zerolog.Logger, elapsed time.Duration) {
	final, err := m.store.UpdateJob(ctx, job.JobID, func(j *model.Job) error {
		if j.State != model.JobRunning {
			// The sweeper already reclaimed the job; its next attempt owns
			// the record now.
			return errSkipClaim
		}
		j.LeaseOwner = ""
		j.LeaseDeadline = time.Time{}
		switch {
		case outcome.Err == nil:
			j.State = model.JobSucceeded
			j.Partial = outcome.Partial
			j.LastError = ""
			j.ErrorClass = model.ClassNone
			if outcome.Partial {
				j.LastError = outcome.Reason
			}
		case outcome.Class == model.ClassCancelled || j.CancelRequested:
			j.State = model.JobCancelled
			j.ErrorClass = model.ClassCancelled
			j.LastError = outcome.Err.Error()
		case outcome.Class.Retryable() && j.Attempt < j.MaxAttempts:
			delay := m.backoffDelay(j.Attempt)
			j.Attempt++
			j.State = model.JobRetrying
			j.EarliestStart = time.Now().UTC().Add(delay)
			j.ErrorClass = outcome.Class
			j.LastError = outcome.Err.Error()
		default:
			j.State = model.JobFailed
			j.ErrorClass = outcome.Class
			j.LastError = outcome.Err.Error()
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkipClaim) {
			logger.Error().Err(err).Str(log.FieldEvent, "job.complete_failed").Msg("could not persist outcome")
		}
		return
	}

	jobsCompleted.WithLabelValues(job.Queue, string(final.State)).Inc()
	evt := logger.Info()
	if final.State == model.JobFailed {
		evt = logger.Error()
	}
	evt.
		Str(log.FieldEvent, "job.done").
		Str(log.FieldNewState, string(final.State)).
		Dur("elapsed", elapsed)
	if final.LastError != "" {
		evt = evt.Str("last_error", final.LastError)
	}
	if final.State == model.JobRetrying {
		evt = evt.Time("earliest_start", final.EarliestStart)
	}
	evt.Msg("job finished")
}
