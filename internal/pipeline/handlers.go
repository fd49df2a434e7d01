package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/communitymedia/captiond/internal/config"
	"github.com/communitymedia/captiond/internal/fsops"
	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/scanner"
	"github.com/communitymedia/captiond/internal/store"
)

// Enqueuer is the queue surface the fan-out parent needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, template string, payload model.Payload, opts queue.EnqueueOptions) (string, error)
}

// Handlers binds the pipeline to the job templates. One instance serves all
// workers.
type Handlers struct {
	store         store.Store
	fs            fsops.FS
	scan          *scanner.Scanner
	pipe          *Pipeline
	enq           Enqueuer
	volumes       []model.StorageVolume
	policy        scanner.Policy
	successPolicy config.SuccessPolicy
	tempRoot      string
	tempRetention time.Duration
	logger        zerolog.Logger
}

// HandlersConfig wires a Handlers instance.
type HandlersConfig struct {
	Volumes       []model.StorageVolume
	Policy        scanner.Policy
	SuccessPolicy config.SuccessPolicy
	TempRoot      string
	TempRetention time.Duration // default 48h
}

func NewHandlers(st store.Store, filesystem fsops.FS, scan *scanner.Scanner, pipe *Pipeline, enq Enqueuer, cfg HandlersConfig) *Handlers {
	if cfg.TempRetention <= 0 {
		cfg.TempRetention = 48 * time.Hour
	}
	if cfg.SuccessPolicy == "" {
		cfg.SuccessPolicy = config.SuccessAny
	}
	return &Handlers{
		store:         st,
		fs:            filesystem,
		scan:          scan,
		pipe:          pipe,
		enq:           enq,
		volumes:       cfg.Volumes,
		policy:        cfg.Policy,
		successPolicy: cfg.SuccessPolicy,
		tempRoot:      cfg.TempRoot,
		tempRetention: cfg.TempRetention,
		logger:        log.WithComponent("handlers"),
	}
}

// ProcessRecent scans all enabled volumes, fans out one child job per
// recording and blocks until every child reaches a terminal state. The
// parent holds a worker slot for its whole life, which naturally throttles
// how many sweeps can overlap.
func (h *Handlers) ProcessRecent(ctx context.Context, job *model.Job) queue.Outcome {
	recentN := job.Payload.RecentN
	if recentN <= 0 {
		recentN = h.policy.RecentN
	}

	recordings, unavailable := h.scanAll(ctx, job.Payload.VolumeID, h.policy)
	sort.SliceStable(recordings, func(a, b int) bool {
		if !recordings[a].ModTime.Equal(recordings[b].ModTime) {
			return recordings[a].ModTime.After(recordings[b].ModTime)
		}
		return recordings[a].AbsolutePath < recordings[b].AbsolutePath
	})
	if len(recordings) > recentN {
		recordings = recordings[:recentN]
	}

	var children []string
	suppressed := 0
	for i := range recordings {
		rec := recordings[i]
		childID, err := h.enq.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{
			Recording:       &rec,
			CablecastShowID: job.Payload.CablecastShowID,
		}, queue.EnqueueOptions{
			Fingerprint: rec.Fingerprint,
			ParentJobID: job.JobID,
			Block:       true,
		})
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			suppressed++
		case err != nil:
			if ctx.Err() != nil {
				return queue.Cancelled()
			}
			return queue.Fail(model.ClassTransient, fmt.Errorf("fan out %s: %w", rec.Filename, err))
		default:
			children = append(children, childID)
		}
	}

	h.logger.Info().
		Str(log.FieldEvent, "fanout.spawned").
		Str(log.FieldJobID, job.JobID).
		Int("children", len(children)).
		Int("suppressed", suppressed).
		Int("unavailable_volumes", len(unavailable)).
		Msg("recordings fanned out")

	if len(children) == 0 {
		reason := "no new recordings"
		if suppressed > 0 {
			reason = fmt.Sprintf("all %d recordings already in flight", suppressed)
		}
		if len(unavailable) > 0 {
			return queue.PartialSuccess(reason + "; unavailable volumes: " + strings.Join(unavailable, ","))
		}
		return queue.PartialSuccess(reason)
	}

	succeeded, failed, err := h.awaitChildren(ctx, job.JobID, len(children))
	if err != nil {
		if ctx.Err() != nil {
			return queue.Cancelled()
		}
		return queue.Fail(model.ClassTransient, err)
	}

	switch h.successPolicy {
	case config.SuccessAll:
		if failed > 0 {
			return queue.Failf(model.ClassBusiness, "%d of %d recordings failed", failed, len(children))
		}
	default: // any
		if succeeded == 0 {
			return queue.Failf(model.ClassBusiness, "all %d recordings failed", len(children))
		}
	}
	if failed > 0 || len(unavailable) > 0 {
		return queue.PartialSuccess(fmt.Sprintf("%d succeeded, %d failed, %d volumes unavailable",
			succeeded, failed, len(unavailable)))
	}
	return queue.Success()
}

// scanAll scans every enabled volume, or just the named one. Unavailable
// volumes degrade the sweep instead of failing it.
func (h *Handlers) scanAll(ctx context.Context, onlyVolume string, pol scanner.Policy) ([]model.Recording, []string) {
	var all []model.Recording
	var unavailable []string
	for _, vol := range h.volumes {
		if !vol.Enabled {
			continue
		}
		if onlyVolume != "" && vol.ID != onlyVolume {
			continue
		}
		recs, diag, err := h.scan.Scan(ctx, vol, pol)
		if err != nil {
			if errors.Is(err, scanner.ErrVolumeUnavailable) {
				unavailable = append(unavailable, vol.ID)
				h.logger.Warn().
					Str(log.FieldEvent, "scan.unavailable").
					Str(log.FieldVolume, vol.ID).
					Str("reason", diag.Message).
					Msg("volume skipped")
				continue
			}
			h.logger.Error().Err(err).
				Str(log.FieldVolume, vol.ID).
				Msg("volume scan failed")
			unavailable = append(unavailable, vol.ID)
			continue
		}
		recordingsDiscovered.WithLabelValues(vol.ID).Add(float64(len(recs)))
		all = append(all, recs...)
	}
	return all, unavailable
}

// awaitChildren polls the store until every child of the parent is
// terminal. Partial child successes count as successes.
func (h *Handlers) awaitChildren(ctx context.Context, parentID string, expect int) (succeeded, failed int, err error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		children, err := h.store.ListJobs(ctx, store.JobFilter{ParentJobID: parentID})
		if err != nil {
			return 0, 0, err
		}
		succeeded, failed = 0, 0
		done := 0
		for _, c := range children {
			if !c.State.IsTerminal() {
				continue
			}
			done++
			if c.State == model.JobSucceeded {
				succeeded++
			} else {
				failed++
			}
		}
		if done >= expect && len(children) >= expect {
			return succeeded, failed, nil
		}
		select {
		case <-ctx.Done():
			return succeeded, failed, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessSingle runs the full pipeline for the recording in the payload.
func (h *Handlers) ProcessSingle(ctx context.Context, job *model.Job) queue.Outcome {
	return h.pipe.Process(ctx, job)
}

// Cleanup removes working directories past the retention window. Active
// pipelines touch their directories often enough to stay clear of it.
func (h *Handlers) Cleanup(ctx context.Context, job *model.Job) queue.Outcome {
	entries, err := h.fs.ReadDir(h.tempRoot)
	if err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("read temp root: %w", err))
	}
	cutoff := time.Now().Add(-h.tempRetention)
	removed, kept, failedRemovals := 0, 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return queue.Cancelled()
		}
		path := filepath.Join(h.tempRoot, e.Name())
		info, err := h.fs.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			kept++
			continue
		}
		if err := h.fs.RemoveAll(path); err != nil {
			failedRemovals++
			h.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("stale workdir removal failed")
			continue
		}
		removed++
	}
	h.logger.Info().
		Str(log.FieldEvent, "cleanup.done").
		Str(log.FieldJobID, job.JobID).
		Int("removed", removed).
		Int("kept", kept).
		Msg("temp cleanup finished")
	if failedRemovals > 0 {
		return queue.PartialSuccess(fmt.Sprintf("%d stale workdirs could not be removed", failedRemovals))
	}
	return queue.Success()
}
