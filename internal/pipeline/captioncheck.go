package pipeline

import (
	"context"
	"fmt"

	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/scanner"
	"github.com/communitymedia/captiond/internal/scc"
)

// CaptionCheck audits SCC sidecars on the volumes. A malformed sidecar
// triggers one regeneration attempt carrying overwrite authority; a missing
// sidecar is left for the regular processing sweep to produce.
func (h *Handlers) CaptionCheck(ctx context.Context, job *model.Job) queue.Outcome {
	if job.Payload.SCCPath != "" {
		report := scc.CheckFile(job.Payload.SCCPath)
		captionChecks.WithLabelValues(string(report.Status)).Inc()
		if report.Status == scc.StatusOK {
			return queue.Success()
		}
		return queue.Failf(model.ClassBusiness, "sidecar %s: %s (%s)",
			job.Payload.SCCPath, report.Status, report.Reason)
	}

	pol := h.policy
	pol.SkipIfCaptionExists = false
	recordings, unavailable := h.scanAll(ctx, job.Payload.VolumeID, pol)

	okCount, missing, malformed := 0, 0, 0
	requeued := 0
	for i := range recordings {
		if ctx.Err() != nil {
			return queue.Cancelled()
		}
		rec := recordings[i]
		report := scc.CheckFile(scanner.SidecarPath(rec.AbsolutePath))
		captionChecks.WithLabelValues(string(report.Status)).Inc()
		switch report.Status {
		case scc.StatusOK:
			okCount++
		case scc.StatusMissing:
			missing++
		case scc.StatusMalformed:
			malformed++
			h.logger.Warn().
				Str(log.FieldEvent, "captioncheck.malformed").
				Str(log.FieldPath, rec.AbsolutePath).
				Int("line", report.Line).
				Str("reason", report.Reason).
				Msg("malformed sidecar, regeneration queued")
			_, err := h.enq.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{
				Recording:         &rec,
				AllowSCCOverwrite: true,
			}, queue.EnqueueOptions{
				Fingerprint: rec.Fingerprint,
				ParentJobID: job.JobID,
				// One shot: a regeneration that fails again needs a human,
				// not a retry storm against the same bad source.
				MaxAttempts: 1,
			})
			if err == nil {
				requeued++
			}
		}
	}

	h.logger.Info().
		Str(log.FieldEvent, "captioncheck.done").
		Str(log.FieldJobID, job.JobID).
		Int("ok", okCount).
		Int("missing", missing).
		Int("malformed", malformed).
		Int("requeued", requeued).
		Msg("caption audit finished")

	if malformed > 0 || len(unavailable) > 0 {
		return queue.PartialSuccess(fmt.Sprintf(
			"%d ok, %d missing, %d malformed (%d regenerations queued), %d volumes unavailable",
			okCount, missing, malformed, requeued, len(unavailable)))
	}
	return queue.Success()
}
