// Package ops is the operator-facing surface: manual triggers, job
// inspection and cancellation. Everything here is a thin delegation to the
// queue; ops never executes work.
package ops

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/store"
)

// Ops wraps the queue manager for operator use.
type Ops struct {
	queue  *queue.Manager
	logger zerolog.Logger
}

func New(q *queue.Manager) *Ops {
	return &Ops{queue: q, logger: log.WithComponent("ops")}
}

// TriggerTemplate enqueues one run of a template outside its schedule.
// Manual runs are prioritized ahead of scheduled work.
func (o *Ops) TriggerTemplate(ctx context.Context, template string, payload model.Payload) (string, error) {
	jobID, err := o.queue.Enqueue(ctx, template, payload, queue.EnqueueOptions{
		Priority: true,
	})
	if err != nil {
		return jobID, err
	}
	o.logger.Info().
		Str(log.FieldEvent, "ops.trigger").
		Str(log.FieldTemplate, template).
		Str(log.FieldJobID, jobID).
		Msg("manual trigger accepted")
	return jobID, nil
}

// ProcessRecording enqueues the full pipeline for one discovered recording.
func (o *Ops) ProcessRecording(ctx context.Context, rec model.Recording, showID int) (string, error) {
	return o.queue.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{
		Recording:       &rec,
		CablecastShowID: showID,
	}, queue.EnqueueOptions{
		Priority:    true,
		Fingerprint: rec.Fingerprint,
	})
}

// Cancel requests cancellation of a job.
func (o *Ops) Cancel(ctx context.Context, jobID string) error {
	return o.queue.Cancel(ctx, jobID)
}

// GetJob returns one job record.
func (o *Ops) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return o.queue.Status(ctx, jobID)
}

// ListJobs returns jobs matching the filter.
func (o *Ops) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.Job, error) {
	return o.queue.List(ctx, filter)
}

// QueueSummary returns per-queue counts by state.
func (o *Ops) QueueSummary(ctx context.Context) (map[string]map[model.JobState]int, error) {
	return o.queue.Summary(ctx)
}
