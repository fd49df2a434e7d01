package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okHandler() Handler {
	return HandlerFunc(func(ctx context.Context, job *model.Job) Outcome {
		return Success()
	})
}

func newTestManager(t *testing.T, handlers map[string]Handler) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	m := NewManager(st, Options{
		Queues: []QueueSpec{
			{Name: model.QueueDefault, Concurrency: 2, MaxQueueDepth: 8},
			{Name: model.QueueTranscription, Concurrency: 1, MaxQueueDepth: 4},
		},
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		WorkerID:     "test",
	})
	specs := []TemplateSpec{
		{Name: model.TemplateProcessSingle, Queue: model.QueueTranscription, MaxAttempts: 3, LeaseTTL: time.Minute, Handler: okHandler()},
		{Name: model.TemplateCleanup, Queue: model.QueueDefault, MaxAttempts: 1, LeaseTTL: time.Minute, Handler: okHandler()},
	}
	for i := range specs {
		if h, ok := handlers[specs[i].Name]; ok {
			specs[i].Handler = h
		}
	}
	require.NoError(t, m.Register(specs...))
	return m, st
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Options{
		Queues: []QueueSpec{{Name: model.QueueDefault, Concurrency: 1}},
	})

	err := m.Register(TemplateSpec{Name: "", Queue: model.QueueDefault, Handler: okHandler()})
	assert.Error(t, err)

	err = m.Register(TemplateSpec{Name: "a", Queue: "nope", Handler: okHandler()})
	assert.ErrorContains(t, err, "unknown queue")

	require.NoError(t, m.Register(TemplateSpec{Name: "a", Queue: model.QueueDefault, Handler: okHandler()}))
	err = m.Register(TemplateSpec{Name: "a", Queue: model.QueueDefault, Handler: okHandler()})
	assert.ErrorContains(t, err, "duplicate")

	// Defaults applied on registration.
	require.NoError(t, m.Register(TemplateSpec{Name: "b", Queue: model.QueueDefault, Handler: okHandler()}))
	assert.Equal(t, 1, m.templates["b"].MaxAttempts)
	assert.Equal(t, 5*time.Minute, m.templates["b"].LeaseTTL)
}

func TestEnqueueDeduplicates(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Fingerprint: "fp-1"})
	require.NoError(t, err)

	dup, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Fingerprint: "fp-1"})
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first, dup)

	// Different fingerprint is a different unit of work.
	_, err = m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Fingerprint: "fp-2"})
	assert.NoError(t, err)

	_, err = m.Enqueue(ctx, "unknown-template", model.Payload{}, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestBackoffDelayLaw(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Options{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	})

	for trial := 0; trial < 20; trial++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 8; attempt++ {
			d := m.backoffDelay(attempt)
			raw := time.Second << (attempt - 1)
			if raw > 30*time.Second {
				raw = 30 * time.Second
			}
			assert.GreaterOrEqual(t, d, raw, "attempt %d below deterministic floor", attempt)
			assert.LessOrEqual(t, d, 30*time.Second, "attempt %d above cap", attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d regressed", attempt)
			prev = d
		}
	}
}

func TestClaimOrdering(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	older, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	prioritized, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Priority: true})
	require.NoError(t, err)

	claimed, err := m.claim(ctx, model.QueueTranscription, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, prioritized, claimed.JobID)
	assert.Equal(t, model.JobLeased, claimed.State)
	assert.Equal(t, "w1", claimed.LeaseOwner)

	claimed, err = m.claim(ctx, model.QueueTranscription, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older, claimed.JobID)

	// Nothing left to claim.
	claimed, err = m.claim(ctx, model.QueueTranscription, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_ = st
}

func TestClaimRespectsEarliestStart(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, id, func(j *model.Job) error {
		j.EarliestStart = time.Now().Add(time.Hour)
		return nil
	})
	require.NoError(t, err)

	claimed, err := m.claim(ctx, model.QueueTranscription, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteOutcomeMapping(t *testing.T) {
	ctx := context.Background()

	runningJob := func(t *testing.T, m *Manager, st store.Store, attempt, max int) *model.Job {
		id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
		require.NoError(t, err)
		j, err := st.UpdateJob(ctx, id, func(j *model.Job) error {
			j.State = model.JobRunning
			j.Attempt = attempt
			j.MaxAttempts = max
			return nil
		})
		require.NoError(t, err)
		return j
	}

	t.Run("success", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 1, 3)
		m.complete(ctx, j, Success(), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, got.State)
		assert.False(t, got.Partial)
	})

	t.Run("partial success", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 1, 3)
		m.complete(ctx, j, PartialSuccess("2 volumes unavailable"), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, got.State)
		assert.True(t, got.Partial)
		assert.Contains(t, got.LastError, "unavailable")
	})

	t.Run("transient with budget retries", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 1, 3)
		m.complete(ctx, j, Failf(model.ClassTransient, "mount flapped"), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobRetrying, got.State)
		assert.Equal(t, 2, got.Attempt)
		assert.True(t, got.EarliestStart.After(time.Now().Add(-time.Second)))
		assert.Empty(t, got.LeaseOwner)
	})

	t.Run("transient at budget fails", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 3, 3)
		m.complete(ctx, j, Failf(model.ClassTransient, "mount flapped"), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, got.State)
		assert.Equal(t, 3, got.Attempt)
	})

	t.Run("business never retries", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 1, 3)
		m.complete(ctx, j, Failf(model.ClassBusiness, "empty transcript"), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, got.State)
		assert.Equal(t, model.ClassBusiness, got.ErrorClass)
	})

	t.Run("cancelled", func(t *testing.T) {
		m, st := newTestManager(t, nil)
		j := runningJob(t, m, st, 1, 3)
		m.complete(ctx, j, Cancelled(), m.logger, 0)
		got, err := st.GetJob(ctx, j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobCancelled, got.State)
	})
}

func TestReclaimExpired(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	expired, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, expired, func(j *model.Job) error {
		j.State = model.JobRunning
		j.LeaseOwner = "dead-worker"
		j.LeaseDeadline = time.Now().Add(-time.Minute)
		return nil
	})
	require.NoError(t, err)

	healthy, err := m.Enqueue(ctx, model.TemplateCleanup, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, healthy, func(j *model.Job) error {
		j.State = model.JobLeased
		j.LeaseOwner = "live-worker"
		j.LeaseDeadline = time.Now().Add(time.Minute)
		return nil
	})
	require.NoError(t, err)

	n, err := m.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, model.JobRetrying, got.State)
	// A crashed worker is not a failed attempt.
	assert.Equal(t, 1, got.Attempt)
	assert.Empty(t, got.LeaseOwner)

	got, err = st.GetJob(ctx, healthy)
	require.NoError(t, err)
	assert.Equal(t, model.JobLeased, got.State)
}

func TestReclaimHonorsCancelRequest(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, id, func(j *model.Job) error {
		j.State = model.JobRunning
		j.CancelRequested = true
		j.LeaseDeadline = time.Now().Add(-time.Minute)
		return nil
	})
	require.NoError(t, err)

	_, err = m.ReclaimExpired(ctx)
	require.NoError(t, err)
	got, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.State)
}

func TestCancel(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	queued, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, queued))
	got, err := st.GetJob(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.State)

	// Terminal jobs are not cancellable.
	assert.ErrorIs(t, m.Cancel(ctx, queued), ErrNotCancellable)

	running, err := m.Enqueue(ctx, model.TemplateCleanup, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, running, func(j *model.Job) error {
		j.State = model.JobRunning
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, running))
	got, err = st.GetJob(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.State)
	assert.True(t, got.CancelRequested)
}

func TestCancelReleasesFingerprintForNewWork(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Fingerprint: "fp-c"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, id))

	_, err = m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Fingerprint: "fp-c"})
	assert.NoError(t, err)
}

func TestRunExecutesJobs(t *testing.T) {
	var executed atomic.Int32
	m, st := newTestManager(t, map[string]Handler{
		model.TemplateProcessSingle: HandlerFunc(func(ctx context.Context, job *model.Job) Outcome {
			executed.Add(1)
			return Success()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		return err == nil && j.State == model.JobSucceeded
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), executed.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	m, st := newTestManager(t, map[string]Handler{
		model.TemplateProcessSingle: HandlerFunc(func(ctx context.Context, job *model.Job) Outcome {
			if calls.Add(1) < 3 {
				return Failf(model.ClassTransient, "flaky")
			}
			return Success()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		return err == nil && j.State == model.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	j, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempt)

	cancel()
	require.NoError(t, <-done)
}

func TestRunIsolatesHandlerPanics(t *testing.T) {
	m, st := newTestManager(t, map[string]Handler{
		model.TemplateCleanup: HandlerFunc(func(ctx context.Context, job *model.Job) Outcome {
			panic("boom")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	id, err := m.Enqueue(ctx, model.TemplateCleanup, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		return err == nil && j.State == model.JobFailed
	}, 3*time.Second, 10*time.Millisecond)

	j, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ClassContract, j.ErrorClass)
	assert.Contains(t, j.LastError, "panic")

	cancel()
	require.NoError(t, <-done)
}

func TestSummary(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	a, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, model.TemplateCleanup, model.Payload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, a, func(j *model.Job) error {
		j.State = model.JobRunning
		return nil
	})
	require.NoError(t, err)

	sum, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum[model.QueueTranscription][model.JobRunning])
	assert.Equal(t, 1, sum[model.QueueDefault][model.JobQueued])
}

func TestEnqueueBackpressureUnblocks(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	// Fill the transcription queue to its depth limit.
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Block: true})
		blocked <- err
	}()

	select {
	case <-blocked:
		t.Fatal("enqueue should have blocked at depth limit")
	case <-time.After(100 * time.Millisecond):
	}

	// Draining one job frees capacity.
	_, err := st.UpdateJob(ctx, ids[0], func(j *model.Job) error {
		j.State = model.JobCancelled
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue did not unblock after drain")
	}
}

func TestCancelBlockedEnqueue(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 4; i++ {
		_, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{})
		require.NoError(t, err)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := m.Enqueue(ctx, model.TemplateProcessSingle, model.Payload{}, EnqueueOptions{Block: true})
		blocked <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked enqueue ignored cancellation")
	}
}
