package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitymedia/captiond/internal/asr"
	"github.com/communitymedia/captiond/internal/cablecast"
	"github.com/communitymedia/captiond/internal/config"
	"github.com/communitymedia/captiond/internal/fsops"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/scanner"
	"github.com/communitymedia/captiond/internal/store"
)

type fakeTranscriber struct {
	segs  []asr.Segment
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, source string, opts asr.Options) ([]asr.Segment, error) {
	f.calls.Add(1)
	return f.segs, f.err
}

type fakeRemuxer struct {
	err   error
	calls atomic.Int32
}

func (f *fakeRemuxer) Embed(ctx context.Context, videoPath, sccPath, outPath string) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	video, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append(video, []byte(" captioned")...), 0o644)
}

type fakeProber struct {
	duration float64
}

func (f *fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}

type fakeVODService struct {
	shows []cablecast.Show

	vodStates []string // successive GetVOD states
	vodIdx    atomic.Int32
	vodDur    float64

	createErr   error
	createCalls atomic.Int32
	createdShow int
	nextVODID   int
}

func (f *fakeVODService) ListShows(ctx context.Context, filter cablecast.ShowFilter) ([]cablecast.Show, error) {
	return f.shows, nil
}

func (f *fakeVODService) GetVOD(ctx context.Context, id int) (cablecast.VOD, error) {
	i := int(f.vodIdx.Add(1)) - 1
	if i >= len(f.vodStates) {
		i = len(f.vodStates) - 1
	}
	return cablecast.VOD{ID: id, State: f.vodStates[i], DurationSeconds: f.vodDur}, nil
}

func (f *fakeVODService) CreateVOD(ctx context.Context, showID int, filePath string, meta cablecast.VODMetadata, progress cablecast.ProgressFunc) (int, error) {
	f.createCalls.Add(1)
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.createdShow = showID
	if f.nextVODID == 0 {
		f.nextVODID = 77
	}
	return f.nextVODID, nil
}

type fixture struct {
	st    *store.MemoryStore
	trans *fakeTranscriber
	rem   *fakeRemuxer
	vods  *fakeVODService
	pipe  *Pipeline
	rec   model.Recording
	job   *model.Job
}

func newFixture(t *testing.T, policy config.SidecarPolicy) *fixture {
	t.Helper()
	volDir := t.TempDir()
	tempRoot := t.TempDir()

	videoPath := filepath.Join(volDir, "city_council_20260815.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("source video"), 0o644))
	info, err := os.Stat(videoPath)
	require.NoError(t, err)

	rec := model.Recording{
		VolumeID:     "flex1",
		VolumeLabel:  "Springfield",
		AbsolutePath: videoPath,
		Filename:     "city_council_20260815.mp4",
		SizeBytes:    info.Size(),
		ModTime:      info.ModTime(),
		Ext:          "mp4",
	}
	rec.Fingerprint = scanner.Fingerprint(rec)

	f := &fixture{
		st: store.NewMemoryStore(),
		trans: &fakeTranscriber{segs: []asr.Segment{
			{Start: 0.5, End: 3.0, Text: "Good evening"},
			{Start: 3.2, End: 6.0, Text: "Welcome to the council meeting"},
		}},
		rem: &fakeRemuxer{},
		vods: &fakeVODService{
			shows: []cablecast.Show{{
				ID: 42, Title: "City Council Regular Meeting", Project: "Springfield",
				EventDate: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
			}},
			vodStates: []string{"complete"},
			vodDur:    6.0,
		},
		rec: rec,
	}
	f.pipe = New(f.st, fsops.Disk{}, f.trans, f.rem, &fakeProber{duration: 6.0}, f.vods, Config{
		TempRoot:      tempRoot,
		SidecarPolicy: policy,
		Validation: config.ValidationConfig{
			Timeout:      config.Duration(2 * time.Second),
			PollInitial:  config.Duration(5 * time.Millisecond),
			PollCap:      config.Duration(20 * time.Millisecond),
			DurationSlop: 0.10,
		},
	})
	f.job = &model.Job{
		JobID:        uuid.NewString(),
		TemplateName: model.TemplateProcessSingle,
		Queue:        model.QueueTranscription,
		Fingerprint:  rec.Fingerprint,
		State:        model.JobRunning,
		Attempt:      1,
		MaxAttempts:  5,
		Payload:      model.Payload{Recording: &f.rec},
	}
	return f
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.False(t, out.Partial)

	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, model.StageCleaned, run.Stage)
	assert.Equal(t, 42, run.CablecastShowID)
	assert.Equal(t, 77, run.CablecastVODID)
	assert.False(t, run.NeedsReview)
	assert.False(t, run.OrphanRisk)
	for _, stage := range model.StageOrder {
		_, ok := run.ArtifactFor(stage)
		assert.Truef(t, ok, "missing artifact for %s", stage)
	}

	// Sidecar placed next to the source, workdir removed.
	sidecar := scanner.SidecarPath(f.rec.AbsolutePath)
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Scenarist_SCC V1.0")
	_, err = os.Stat(filepath.Join(f.pipe.cfg.TempRoot, f.rec.Fingerprint[:16]))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 42, f.vods.createdShow)
}

func TestProcessResumesWithoutRedoingStages(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.vods.createErr = &cablecast.APIError{Sentinel: cablecast.ErrServer, Operation: "CreateVOD", Status: 502}

	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassTransient, out.Class)
	assert.Equal(t, int32(1), f.trans.calls.Load())

	// The interrupted upload leaves an orphan-risk marker.
	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.True(t, run.OrphanRisk)

	// Retry: earlier stages are checkpointed, only the upload reruns.
	f.vods.createErr = nil
	out = f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.Equal(t, int32(1), f.trans.calls.Load(), "transcription must not rerun")
	assert.Equal(t, int32(1), f.rem.calls.Load(), "remux must not rerun")
	assert.Equal(t, int32(2), f.vods.createCalls.Load())

	run, err = f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.False(t, run.OrphanRisk, "successful upload clears the marker")
}

func TestProcessInvalidatesDriftedArtifacts(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.vods.createErr = &cablecast.APIError{Sentinel: cablecast.ErrServer, Operation: "CreateVOD", Status: 500}
	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)

	// Corrupt the transcript checkpoint on disk.
	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	art, ok := run.ArtifactFor(model.StageTranscribed)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(art.Path, []byte("[]"), 0o644))

	// The rerun produces a different transcript than the first pass did.
	f.trans.segs = append(f.trans.segs, asr.Segment{Start: 6.5, End: 8.0, Text: "Meeting adjourned"})

	f.vods.createErr = nil
	out = f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.Equal(t, int32(2), f.trans.calls.Load(), "drifted artifact must rerun its stage")

	// The rerun replaces the stale record with the checksum of the fresh
	// transcript, not the corrupted bytes.
	run, err = f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	art, ok = run.ArtifactFor(model.StageTranscribed)
	require.True(t, ok)
	raw, err := json.Marshal(f.trans.segs)
	require.NoError(t, err)
	fresh := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(fresh[:]), art.Checksum)
}

func TestProcessEmptyTranscriptIsBusinessFailure(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	f.trans.segs = nil
	f.trans.err = asr.ErrEmptyTranscript

	out := f.pipe.Process(context.Background(), f.job)
	require.ErrorIs(t, out.Err, asr.ErrEmptyTranscript)
	assert.Equal(t, model.ClassBusiness, out.Class)
	assert.Equal(t, int32(0), f.vods.createCalls.Load())

	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, run.Stage)
}

func TestProcessSourceChangedIsBusinessFailure(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	require.NoError(t, os.WriteFile(f.rec.AbsolutePath, []byte("replaced with different bytes"), 0o644))

	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassBusiness, out.Class)
	assert.Equal(t, int32(0), f.trans.calls.Load())
}

func TestProcessMissingRecordingIsContract(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	f.job.Payload.Recording = nil
	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassContract, out.Class)
}

func TestProcessNoShowMatchUploadsUnattached(t *testing.T) {
	f := newFixture(t, config.SidecarOnMatch)
	f.vods.shows = nil

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.True(t, out.Partial)

	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.True(t, run.NeedsReview)
	assert.Equal(t, 0, run.CablecastShowID)
	assert.Equal(t, 0, f.vods.createdShow)

	// on_match policy: no show, no sidecar.
	_, err = os.Stat(scanner.SidecarPath(f.rec.AbsolutePath))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessPinnedShowSkipsMatching(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.job.Payload.CablecastShowID = 99
	f.vods.shows = nil // matching would fail; the pin must bypass it

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.Equal(t, 99, f.vods.createdShow)
}

func TestProcessValidationPollsUntilComplete(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.vods.vodStates = []string{"processing", "processing", "complete"}

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.GreaterOrEqual(t, f.vods.vodIdx.Load(), int32(3))
}

func TestProcessValidationDurationMismatchNeedsReview(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.vods.vodDur = 60 // platform reports ten times the local duration

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)
	assert.True(t, out.Partial)

	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.True(t, run.NeedsReview)
	assert.Contains(t, run.Diagnostic, "duration mismatch")
}

func TestProcessVODErrorStateIsBusinessFailure(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.vods.vodStates = []string{"error"}

	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassBusiness, out.Class)
}

func TestProcessDoesNotOverwriteExistingSidecar(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	sidecar := scanner.SidecarPath(f.rec.AbsolutePath)
	require.NoError(t, os.WriteFile(sidecar, []byte("hand-authored captions"), 0o644))

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)

	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, "hand-authored captions", string(data))
}

func TestProcessOverwritesSidecarWithAuthority(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	sidecar := scanner.SidecarPath(f.rec.AbsolutePath)
	require.NoError(t, os.WriteFile(sidecar, []byte("stale garbage"), 0o644))
	f.job.Payload.AllowSCCOverwrite = true

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)

	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Scenarist_SCC V1.0")
}

func TestProcessRegeneratesCaptionsForMalformedSidecar(t *testing.T) {
	f := newFixture(t, config.SidecarAlways)
	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)

	// The sidecar gets trashed after the run finished. The caption-check
	// audit enqueues a single-attempt job with overwrite authority; that job
	// must run the pipeline over from the top, not find every stage
	// checkpointed by the earlier run.
	sidecar := scanner.SidecarPath(f.rec.AbsolutePath)
	require.NoError(t, os.WriteFile(sidecar, []byte("garbage not scc"), 0o644))

	retry := &model.Job{
		JobID:        uuid.NewString(),
		TemplateName: model.TemplateProcessSingle,
		Queue:        model.QueueTranscription,
		Fingerprint:  f.rec.Fingerprint,
		State:        model.JobRunning,
		Attempt:      1,
		MaxAttempts:  1,
		Payload:      model.Payload{Recording: &f.rec, AllowSCCOverwrite: true},
	}
	out = f.pipe.Process(context.Background(), retry)
	require.NoError(t, out.Err)

	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Scenarist_SCC V1.0")
	assert.Equal(t, int32(2), f.trans.calls.Load(), "the retry transcribes again")
	assert.Equal(t, int32(2), f.vods.createCalls.Load())

	run, err := f.st.GetRun(context.Background(), f.rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, model.StageCleaned, run.Stage)
	assert.Equal(t, 42, run.CablecastShowID, "show binding survives the restart")
}

func TestStageLeaseTTLTable(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.pipe.cfg.Lease = config.LeaseConfig{
		Transcription: config.Duration(2 * time.Hour),
		Remux:         config.Duration(30 * time.Minute),
		Upload:        config.Duration(time.Hour),
		Light:         config.Duration(5 * time.Minute),
	}

	assert.Equal(t, 2*time.Hour, f.pipe.stageLeaseTTL(model.StageTranscribed))
	assert.Equal(t, 30*time.Minute, f.pipe.stageLeaseTTL(model.StageRemuxed))
	assert.Equal(t, time.Hour, f.pipe.stageLeaseTTL(model.StageUploaded))
	assert.Equal(t, time.Hour, f.pipe.stageLeaseTTL(model.StageValidated))
	assert.Equal(t, 5*time.Minute, f.pipe.stageLeaseTTL(model.StageDiscovered))
	assert.Equal(t, 5*time.Minute, f.pipe.stageLeaseTTL(model.StageCleaned))

	// Unset table entries fall back to the blanket workdir TTL.
	f.pipe.cfg.Lease = config.LeaseConfig{}
	assert.Equal(t, f.pipe.cfg.WorkdirLeaseTTL, f.pipe.stageLeaseTTL(model.StageTranscribed))
}

func TestProcessWorkdirLeaseExcludesConcurrentRun(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	ok, err := f.st.TryAcquireLease(context.Background(), "wd/"+f.rec.Fingerprint, "other-job", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassTransient, out.Class)
	assert.Equal(t, int32(0), f.trans.calls.Load())
}

func TestProcessArchivesCaptionedVideo(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	outputRoot := t.TempDir()
	f.pipe.cfg.OutputRoot = outputRoot

	out := f.pipe.Process(context.Background(), f.job)
	require.NoError(t, out.Err)

	archived := filepath.Join(outputRoot, "city_council_20260815.captioned.mp4")
	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Contains(t, string(data), "captioned")
}

func TestRemuxFailureIsTransient(t *testing.T) {
	f := newFixture(t, config.SidecarNever)
	f.rem.err = fmt.Errorf("remux failed: %w", errors.New("moov atom not found"))

	out := f.pipe.Process(context.Background(), f.job)
	require.Error(t, out.Err)
	assert.Equal(t, model.ClassTransient, out.Class)
	assert.Equal(t, int32(0), f.vods.createCalls.Load())
}
