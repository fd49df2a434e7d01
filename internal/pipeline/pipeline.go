// Package pipeline executes the per-recording caption pipeline: transcribe,
// encode, remux, upload, validate, clean. Progress is checkpointed per stage
// in the store, so a retried job resumes at the first stage without a
// verified artifact instead of redoing finished work.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/communitymedia/captiond/internal/asr"
	"github.com/communitymedia/captiond/internal/cablecast"
	"github.com/communitymedia/captiond/internal/config"
	"github.com/communitymedia/captiond/internal/fsops"
	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/remux"
	"github.com/communitymedia/captiond/internal/scanner"
	"github.com/communitymedia/captiond/internal/scc"
	"github.com/communitymedia/captiond/internal/store"
)

// VODService is the slice of the Cablecast client the pipeline uses.
type VODService interface {
	ListShows(ctx context.Context, filter cablecast.ShowFilter) ([]cablecast.Show, error)
	GetVOD(ctx context.Context, id int) (cablecast.VOD, error)
	CreateVOD(ctx context.Context, showID int, filePath string, meta cablecast.VODMetadata, progress cablecast.ProgressFunc) (int, error)
}

// Config is the pipeline slice of the operator configuration.
type Config struct {
	TempRoot string
	// OutputRoot, when set, receives the captioned video before the workdir
	// is removed. Empty means the remuxed file lives and dies with the
	// workdir; the platform copy is the one that matters.
	OutputRoot      string
	SidecarPolicy config.SidecarPolicy
	ASR           asr.Options
	Validation    config.ValidationConfig
	// Lease is the per-stage TTL table. The workdir lease is renewed to the
	// entering stage's budget, so a long transcription holds the directory
	// for hours while a light stage holds it for minutes.
	Lease           config.LeaseConfig
	WorkdirLeaseTTL time.Duration // fallback when a table entry is unset, default 4h
}

// Pipeline runs one recording through all stages. Safe for concurrent use;
// per-recording exclusivity comes from the working-directory lease.
type Pipeline struct {
	store  store.Store
	fs     fsops.FS
	trans  asr.Transcriber
	rem    remux.Remuxer
	probe  remux.Prober
	vods   VODService
	cfg    Config
	logger zerolog.Logger
}

func New(st store.Store, filesystem fsops.FS, trans asr.Transcriber, rem remux.Remuxer, probe remux.Prober, vods VODService, cfg Config) *Pipeline {
	if cfg.WorkdirLeaseTTL <= 0 {
		cfg.WorkdirLeaseTTL = 4 * time.Hour
	}
	return &Pipeline{
		store:  st,
		fs:     filesystem,
		trans:  trans,
		rem:    rem,
		probe:  probe,
		vods:   vods,
		cfg:    cfg,
		logger: log.WithComponent("pipeline"),
	}
}

// Process runs the pipeline for one recording and maps the result onto a
// queue outcome. The job's payload controls show binding and sidecar
// overwrite authority.
func (p *Pipeline) Process(ctx context.Context, job *model.Job) queue.Outcome {
	rec := job.Payload.Recording
	if rec == nil {
		return queue.Failf(model.ClassContract, "job %s has no recording payload", job.JobID)
	}
	fp := rec.Fingerprint
	if fp == "" {
		fp = scanner.Fingerprint(*rec)
	}

	ok, err := p.store.TryAcquireLease(ctx, "wd/"+fp, job.JobID, p.cfg.WorkdirLeaseTTL)
	if err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("workdir lease: %w", err))
	}
	if !ok {
		return queue.Failf(model.ClassTransient, "recording %s busy in another worker", rec.Filename)
	}
	defer func() {
		_ = p.store.ReleaseLease(context.WithoutCancel(ctx), "wd/"+fp, job.JobID)
	}()

	run, err := p.loadOrCreateRun(ctx, job, *rec, fp)
	if err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	// The workdir may have been swept between attempts; resumed stages
	// expect it to exist.
	if err := p.fs.MkdirAll(p.workdir(run), 0o755); err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("create workdir: %w", err))
	}

	logger := p.logger.With().
		Str(log.FieldJobID, job.JobID).
		Str(log.FieldRunID, run.RunID).
		Str(log.FieldFingerprint, fp).
		Str(log.FieldPath, rec.AbsolutePath).
		Logger()

	for _, stage := range model.StageOrder {
		if p.stageDone(run, stage) {
			continue
		}
		renewed, err := p.store.RenewLease(ctx, "wd/"+fp, job.JobID, p.stageLeaseTTL(stage))
		if err != nil {
			return queue.Fail(model.ClassTransient, fmt.Errorf("renew workdir lease: %w", err))
		}
		if !renewed {
			return queue.Failf(model.ClassTransient, "workdir lease lost for %s", rec.Filename)
		}
		logger.Info().
			Str(log.FieldEvent, "stage.start").
			Str(log.FieldStage, string(stage)).
			Msg("stage starting")
		started := time.Now()
		out := p.runStage(ctx, job, run, stage)
		stageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
		if out.Err != nil {
			stageFailures.WithLabelValues(string(stage), string(out.Class)).Inc()
			p.recordFailure(ctx, fp, stage, out)
			logger.Error().Err(out.Err).
				Str(log.FieldEvent, "stage.failed").
				Str(log.FieldStage, string(stage)).
				Str("class", string(out.Class)).
				Msg("stage failed")
			return out
		}
		// Re-read: the stage persisted its artifact via UpdateRun.
		run, err = p.store.GetRun(ctx, fp)
		if err != nil {
			return queue.Fail(model.ClassTransient, err)
		}
		logger.Info().
			Str(log.FieldEvent, "stage.done").
			Str(log.FieldStage, string(stage)).
			Msg("stage complete")
	}

	if run.NeedsReview {
		return queue.PartialSuccess(run.Diagnostic)
	}
	return queue.Success()
}

func (p *Pipeline) loadOrCreateRun(ctx context.Context, job *model.Job, rec model.Recording, fp string) (*model.PipelineRun, error) {
	rec.Fingerprint = fp
	run, err := p.store.GetRun(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		run = &model.PipelineRun{
			RunID:           uuid.NewString(),
			JobID:           job.JobID,
			Recording:       rec,
			Stage:           model.StageDiscovered,
			CablecastShowID: job.Payload.CablecastShowID,
			UpdatedAt:       time.Now().UTC(),
		}
		if err := p.store.PutRun(ctx, run); err != nil {
			return nil, err
		}
		return run, nil
	}
	if err != nil {
		return nil, err
	}
	// A retried attempt adopts the existing run. A run that already reached
	// a terminal stage is reset so a fresh job, such as the caption-check
	// requeue for a malformed sidecar, starts the pipeline over instead of
	// finding every stage checkpointed. The show binding survives the reset.
	_, err = p.store.UpdateRun(ctx, fp, func(r *model.PipelineRun) error {
		r.JobID = job.JobID
		if job.Payload.CablecastShowID > 0 {
			r.CablecastShowID = job.Payload.CablecastShowID
		}
		if r.Stage == model.StageCleaned || r.Stage == model.StageFailed {
			r.Stage = model.StageDiscovered
			r.Artifacts = nil
			r.CablecastVODID = 0
			r.NeedsReview = false
			r.OrphanRisk = false
			r.Diagnostic = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.store.GetRun(ctx, fp)
}

// stageLeaseTTL picks the lease budget for a stage from the operator table.
// Unset entries fall back to the blanket workdir TTL.
func (p *Pipeline) stageLeaseTTL(stage model.Stage) time.Duration {
	var d time.Duration
	switch stage {
	case model.StageTranscribed:
		d = p.cfg.Lease.Transcription.Std()
	case model.StageRemuxed:
		d = p.cfg.Lease.Remux.Std()
	case model.StageUploaded, model.StageValidated:
		d = p.cfg.Lease.Upload.Std()
	default:
		d = p.cfg.Lease.Light.Std()
	}
	if d <= 0 {
		d = p.cfg.WorkdirLeaseTTL
	}
	return d
}

// stageDone reports whether a stage's artifact exists and, for file-backed
// artifacts, still matches its recorded checksum. A missing or drifted file
// invalidates the checkpoint and the stage reruns.
func (p *Pipeline) stageDone(run *model.PipelineRun, stage model.Stage) bool {
	a, ok := run.ArtifactFor(stage)
	if !ok {
		return false
	}
	if a.Path == "" || a.Checksum == "" {
		return true
	}
	sum, err := fileChecksum(a.Path)
	if err != nil || sum != a.Checksum {
		return false
	}
	return true
}

func (p *Pipeline) runStage(ctx context.Context, job *model.Job, run *model.PipelineRun, stage model.Stage) queue.Outcome {
	switch stage {
	case model.StageDiscovered:
		return p.stageDiscover(ctx, run)
	case model.StageTranscribed:
		return p.stageTranscribe(ctx, run)
	case model.StageCaptioned:
		return p.stageCaption(ctx, run)
	case model.StageRemuxed:
		return p.stageRemux(ctx, run)
	case model.StageUploaded:
		return p.stageUpload(ctx, run)
	case model.StageValidated:
		return p.stageValidate(ctx, run)
	case model.StageCleaned:
		return p.stageClean(ctx, job, run)
	}
	return queue.Failf(model.ClassContract, "unknown stage %s", stage)
}

// stageDiscover re-checks the source against the discovery snapshot. The
// fingerprint binds work to one exact file version: a changed file means
// this run is stale and a fresh scan must pick the file up again.
func (p *Pipeline) stageDiscover(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	rec := run.Recording
	info, err := p.fs.Stat(rec.AbsolutePath)
	if err != nil {
		if os.IsNotExist(err) {
			return queue.Failf(model.ClassBusiness, "source vanished: %s", rec.AbsolutePath)
		}
		return queue.Fail(model.ClassTransient, fmt.Errorf("stat source: %w", err))
	}
	if info.Size() != rec.SizeBytes || !info.ModTime().Equal(rec.ModTime) {
		return queue.Failf(model.ClassBusiness,
			"source changed since discovery (size %d -> %d)", rec.SizeBytes, info.Size())
	}
	if err := p.fs.MkdirAll(p.workdir(run), 0o755); err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("create workdir: %w", err))
	}
	return p.freeze(ctx, run, model.StageDiscovered, model.Artifact{
		Path:  rec.AbsolutePath,
		Bytes: rec.SizeBytes,
		At:    time.Now().UTC(),
		Note:  "source verified",
	}, false)
}

func (p *Pipeline) stageTranscribe(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	segs, err := p.trans.Transcribe(ctx, run.Recording.AbsolutePath, p.cfg.ASR)
	if err != nil {
		switch {
		case errors.Is(err, asr.ErrEmptyTranscript):
			return queue.Fail(model.ClassBusiness, err)
		case errors.Is(err, context.Canceled):
			return queue.Cancelled()
		default:
			return queue.Fail(model.ClassTransient, err)
		}
	}

	path := filepath.Join(p.workdir(run), "transcript.json")
	raw, err := json.Marshal(segs)
	if err != nil {
		return queue.Fail(model.ClassContract, fmt.Errorf("encode transcript: %w", err))
	}
	n, err := fsops.WriteFileAtomic(path, strings.NewReader(string(raw)))
	if err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	return p.freeze(ctx, run, model.StageTranscribed, model.Artifact{
		Path:  path,
		Bytes: n,
		At:    time.Now().UTC(),
		Note:  strconv.Itoa(len(segs)) + " segments",
	}, true)
}

func (p *Pipeline) stageCaption(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	segs, out := p.loadTranscript(run)
	if out.Err != nil {
		return out
	}

	cues := make([]scc.Cue, 0, len(segs))
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		cues = append(cues, scc.Cue{Start: s.Start, End: s.End, Text: text})
	}
	if len(cues) == 0 {
		return queue.Fail(model.ClassBusiness, asr.ErrEmptyTranscript)
	}

	path := filepath.Join(p.workdir(run), "captions.scc")
	var buf strings.Builder
	if err := scc.Encode(&buf, cues); err != nil {
		return queue.Fail(model.ClassContract, fmt.Errorf("encode captions: %w", err))
	}
	n, err := fsops.WriteFileAtomic(path, strings.NewReader(buf.String()))
	if err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	return p.freeze(ctx, run, model.StageCaptioned, model.Artifact{
		Path:  path,
		Bytes: n,
		At:    time.Now().UTC(),
		Note:  strconv.Itoa(len(cues)) + " cues",
	}, true)
}

func (p *Pipeline) stageRemux(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	sccArt, ok := run.ArtifactFor(model.StageCaptioned)
	if !ok {
		return queue.Failf(model.ClassContract, "remux without caption artifact")
	}
	rec := run.Recording
	base := strings.TrimSuffix(rec.Filename, filepath.Ext(rec.Filename))
	outPath := filepath.Join(p.workdir(run), base+".captioned"+filepath.Ext(rec.Filename))

	// ffmpeg writes a temp name; the finished file appears atomically.
	part := outPath + ".part" + filepath.Ext(rec.Filename)
	if err := p.rem.Embed(ctx, rec.AbsolutePath, sccArt.Path, part); err != nil {
		if errors.Is(err, context.Canceled) {
			return queue.Cancelled()
		}
		return queue.Fail(model.ClassTransient, err)
	}
	if err := p.fs.AtomicRename(part, outPath); err != nil {
		return queue.Fail(model.ClassTransient, err)
	}

	info, err := p.fs.Stat(outPath)
	if err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	dur, err := p.probe.Duration(ctx, outPath)
	if err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("probe remuxed output: %w", err))
	}
	return p.freeze(ctx, run, model.StageRemuxed, model.Artifact{
		Path:  outPath,
		Bytes: info.Size(),
		At:    time.Now().UTC(),
		Note:  "duration=" + strconv.FormatFloat(dur, 'f', 3, 64),
	}, true)
}

func (p *Pipeline) stageUpload(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	remuxed, ok := run.ArtifactFor(model.StageRemuxed)
	if !ok {
		return queue.Failf(model.ClassContract, "upload without remuxed artifact")
	}

	showID := run.CablecastShowID
	if showID == 0 {
		matched, found, err := MatchShow(ctx, p.vods, run.Recording)
		if err != nil {
			return queue.Fail(cablecast.Classify(err), fmt.Errorf("show match: %w", err))
		}
		if found {
			showID = matched
			if _, err := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
				r.CablecastShowID = matched
				return nil
			}); err != nil {
				return queue.Fail(model.ClassTransient, err)
			}
		} else {
			// Unattached upload for manual attachment later.
			if _, err := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
				r.NeedsReview = true
				r.Diagnostic = "no unambiguous show match, uploaded unattached"
				return nil
			}); err != nil {
				return queue.Fail(model.ClassTransient, err)
			}
		}
	}

	meta := cablecast.VODMetadata{
		Title:           strings.TrimSuffix(run.Recording.Filename, filepath.Ext(run.Recording.Filename)),
		FileName:        filepath.Base(remuxed.Path),
		DurationSeconds: remuxedDuration(remuxed),
		Fingerprint:     run.Recording.Fingerprint,
	}
	vodID, err := p.vods.CreateVOD(ctx, showID, remuxed.Path, meta, nil)
	if err != nil {
		class := cablecast.Classify(err)
		if class == model.ClassTransient {
			// The server may have finished the VOD even though our read of
			// the response failed. Flag it so operators can reconcile.
			if _, uerr := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
				r.OrphanRisk = true
				return nil
			}); uerr == nil {
				orphanRisks.Inc()
			}
		}
		if errors.Is(err, context.Canceled) {
			return queue.Cancelled()
		}
		return queue.Fail(class, err)
	}

	if _, err := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
		r.CablecastVODID = vodID
		r.OrphanRisk = false
		return nil
	}); err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	uploadsDone.Inc()
	return p.freeze(ctx, run, model.StageUploaded, model.Artifact{
		At:   time.Now().UTC(),
		Note: "vod_id=" + strconv.Itoa(vodID) + " show_id=" + strconv.Itoa(showID),
	}, false)
}

// stageValidate polls the VOD until the platform finishes processing and
// cross-checks the reported duration against the uploaded file.
func (p *Pipeline) stageValidate(ctx context.Context, run *model.PipelineRun) queue.Outcome {
	if run.CablecastVODID == 0 {
		return queue.Failf(model.ClassContract, "validate without VOD id")
	}
	timeout := p.cfg.Validation.Timeout.Std()
	poll := p.cfg.Validation.PollInitial.Std()
	pollCap := p.cfg.Validation.PollCap.Std()
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if poll <= 0 {
		poll = 15 * time.Second
	}
	if pollCap <= 0 {
		pollCap = 5 * time.Minute
	}

	deadline := time.Now().Add(timeout)
	for {
		vod, err := p.vods.GetVOD(ctx, run.CablecastVODID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return queue.Cancelled()
			}
			return queue.Fail(cablecast.Classify(err), err)
		}
		switch vod.State {
		case "complete":
			return p.finishValidation(ctx, run, vod)
		case "error":
			return queue.Failf(model.ClassBusiness, "platform reported VOD %d failed processing", vod.ID)
		}
		if time.Now().After(deadline) {
			return queue.Failf(model.ClassTransient, "VOD %d still %q after %s", vod.ID, vod.State, timeout)
		}
		select {
		case <-ctx.Done():
			return queue.Cancelled()
		case <-time.After(poll):
		}
		poll *= 2
		if poll > pollCap {
			poll = pollCap
		}
	}
}

func (p *Pipeline) finishValidation(ctx context.Context, run *model.PipelineRun, vod cablecast.VOD) queue.Outcome {
	remuxed, _ := run.ArtifactFor(model.StageRemuxed)
	expected := remuxedDuration(remuxed)
	slop := p.cfg.Validation.DurationSlop
	if slop <= 0 {
		slop = 0.10
	}
	note := "state=complete"
	if expected > 0 && vod.DurationSeconds > 0 {
		diff := vod.DurationSeconds - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > expected*slop {
			if _, err := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
				r.NeedsReview = true
				r.Diagnostic = fmt.Sprintf("duration mismatch: local %.1fs, platform %.1fs", expected, vod.DurationSeconds)
				return nil
			}); err != nil {
				return queue.Fail(model.ClassTransient, err)
			}
			note = "duration mismatch, flagged for review"
		}
	}
	return p.freeze(ctx, run, model.StageValidated, model.Artifact{
		At:   time.Now().UTC(),
		Note: note,
	}, false)
}

// stageClean places the sidecar according to policy, then removes the
// working directory. Cleanup never fails a run that got this far: any
// residue is picked up by the scheduled cleanup template.
func (p *Pipeline) stageClean(ctx context.Context, job *model.Job, run *model.PipelineRun) queue.Outcome {
	if out := p.placeSidecar(ctx, job, run); out.Err != nil {
		return out
	}
	if p.cfg.OutputRoot != "" {
		if remuxed, ok := run.ArtifactFor(model.StageRemuxed); ok && remuxed.Path != "" {
			dest := filepath.Join(p.cfg.OutputRoot, filepath.Base(remuxed.Path))
			if err := p.archive(remuxed.Path, dest); err != nil {
				return queue.Fail(model.ClassTransient, fmt.Errorf("archive captioned video: %w", err))
			}
		}
	}
	if err := p.fs.RemoveAll(p.workdir(run)); err != nil {
		p.logger.Warn().Err(err).
			Str(log.FieldPath, p.workdir(run)).
			Msg("workdir removal failed, deferred to scheduled cleanup")
	}
	return p.freeze(ctx, run, model.StageCleaned, model.Artifact{
		At:   time.Now().UTC(),
		Note: "workdir removed",
	}, false)
}

// placeSidecar copies the SCC next to the source recording when policy
// allows. An existing non-empty sidecar is never replaced unless the job
// explicitly carries overwrite authority.
func (p *Pipeline) placeSidecar(ctx context.Context, job *model.Job, run *model.PipelineRun) queue.Outcome {
	switch p.cfg.SidecarPolicy {
	case config.SidecarNever:
		return queue.Success()
	case config.SidecarOnMatch:
		if run.CablecastShowID == 0 {
			return queue.Success()
		}
	}

	sccArt, ok := run.ArtifactFor(model.StageCaptioned)
	if !ok {
		return queue.Failf(model.ClassContract, "sidecar placement without caption artifact")
	}
	dest := scanner.SidecarPath(run.Recording.AbsolutePath)
	if info, err := p.fs.Stat(dest); err == nil && info.Size() > 0 && !job.Payload.AllowSCCOverwrite {
		p.logger.Info().
			Str(log.FieldEvent, "sidecar.kept").
			Str(log.FieldPath, dest).
			Msg("existing sidecar kept")
		return queue.Success()
	}

	src, err := os.Open(sccArt.Path)
	if err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("open caption artifact: %w", err))
	}
	defer src.Close()
	if _, err := fsops.WriteFileAtomic(dest, src); err != nil {
		return queue.Fail(model.ClassTransient, fmt.Errorf("place sidecar: %w", err))
	}
	sidecarsPlaced.Inc()
	p.logger.Info().
		Str(log.FieldEvent, "sidecar.placed").
		Str(log.FieldFinalPath, dest).
		Msg("sidecar placed next to source")
	return queue.Success()
}

// freeze persists a completed stage: artifact recorded, stage advanced.
func (p *Pipeline) freeze(ctx context.Context, run *model.PipelineRun, stage model.Stage, a model.Artifact, checksum bool) queue.Outcome {
	if checksum && a.Path != "" {
		sum, err := fileChecksum(a.Path)
		if err != nil {
			return queue.Fail(model.ClassTransient, fmt.Errorf("checksum %s: %w", a.Path, err))
		}
		a.Checksum = sum
	}
	_, err := p.store.UpdateRun(ctx, run.Recording.Fingerprint, func(r *model.PipelineRun) error {
		r.SetArtifact(stage, a)
		r.Stage = stage
		return nil
	})
	if err != nil {
		return queue.Fail(model.ClassTransient, err)
	}
	stagesCompleted.WithLabelValues(string(stage)).Inc()
	return queue.Success()
}

func (p *Pipeline) recordFailure(ctx context.Context, fp string, stage model.Stage, out queue.Outcome) {
	_, err := p.store.UpdateRun(ctx, fp, func(r *model.PipelineRun) error {
		if !out.Class.Retryable() {
			r.Stage = model.StageFailed
		}
		r.Diagnostic = fmt.Sprintf("%s: %v", stage, out.Err)
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Str(log.FieldFingerprint, fp).Msg("failure record write failed")
	}
}

func (p *Pipeline) loadTranscript(run *model.PipelineRun) ([]asr.Segment, queue.Outcome) {
	art, ok := run.ArtifactFor(model.StageTranscribed)
	if !ok {
		return nil, queue.Failf(model.ClassContract, "caption stage without transcript artifact")
	}
	raw, err := os.ReadFile(art.Path)
	if err != nil {
		return nil, queue.Fail(model.ClassTransient, fmt.Errorf("read transcript: %w", err))
	}
	var segs []asr.Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, queue.Fail(model.ClassContract, fmt.Errorf("decode transcript: %w", err))
	}
	return segs, queue.Success()
}

// workdir is per recording, keyed by a fingerprint prefix long enough to
// avoid collisions in practice while staying readable in file listings.
func (p *Pipeline) workdir(run *model.PipelineRun) string {
	fp := run.Recording.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return filepath.Join(p.cfg.TempRoot, fp)
}

// archive copies the captioned video into the output root. A copy, not a
// rename: the output root commonly sits on a different filesystem than the
// temp root.
func (p *Pipeline) archive(srcPath, dest string) error {
	if err := p.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = fsops.WriteFileAtomic(dest, src)
	return err
}

func remuxedDuration(a model.Artifact) float64 {
	const prefix = "duration="
	if !strings.HasPrefix(a.Note, prefix) {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimPrefix(a.Note, prefix), 64)
	if err != nil {
		return 0
	}
	return d
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
