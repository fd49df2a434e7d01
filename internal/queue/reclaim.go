package queue

import (
	"context"
	"errors"
	"time"

	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/store"
)

func (m *Manager) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := m.ReclaimExpired(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("lease sweep failed")
		} else if n > 0 {
			m.logger.Info().
				Str(log.FieldEvent, "lease.sweep").
				Int("reclaimed", n).
				Msg("expired leases reclaimed")
		}
	}
}

// ReclaimExpired moves leased and running jobs whose lease deadline has
// passed back to retrying. The attempt counter is not incremented: a
// crashed worker is not a failed attempt. Fingerprint ownership is kept,
// so no duplicate work can start for the same recording.
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{
		States: []model.JobState{model.JobLeased, model.JobRunning},
	})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	reclaimed := 0
	for _, j := range jobs {
		if j.LeaseDeadline.IsZero() || j.LeaseDeadline.After(now) {
			continue
		}
		updated, err := m.store.UpdateJob(ctx, j.JobID, func(cur *model.Job) error {
			if cur.State != model.JobLeased && cur.State != model.JobRunning {
				return errSkipClaim
			}
			if cur.LeaseDeadline.IsZero() || cur.LeaseDeadline.After(time.Now().UTC()) {
				return errSkipClaim
			}
			if cur.CancelRequested {
				cur.State = model.JobCancelled
				cur.ErrorClass = model.ClassCancelled
			} else {
				cur.State = model.JobRetrying
				cur.EarliestStart = time.Now().UTC()
			}
			cur.LeaseOwner = ""
			cur.LeaseDeadline = time.Time{}
			return nil
		})
		if errors.Is(err, errSkipClaim) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		leasesReclaimed.Inc()
		reclaimed++
		m.logger.Warn().
			Str(log.FieldEvent, "lease.expired").
			Str(log.FieldJobID, j.JobID).
			Str(log.FieldTemplate, j.TemplateName).
			Str(log.FieldNewState, string(updated.State)).
			Msg("lease expired, job reclaimed")
		m.wakeQueue(j.Queue)
	}
	return reclaimed, nil
}
