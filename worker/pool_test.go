package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"modelviewer/config"
	"modelviewer/models"
	"modelviewer/pipeline"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConverter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubConverter) EnsureReady(_ context.Context, job *models.ConversionJob, hooks pipeline.ConvertHooks) error {
	s.mu.Lock()
	s.calls = append(s.calls, job.ModelID)
	s.mu.Unlock()
	if s.err != nil {
		job.State = models.JobFailed
		return s.err
	}
	job.State = models.JobReady
	job.Progress = 100
	if hooks.Progress != nil {
		hooks.Progress(*job, nil)
	}
	return nil
}

func (s *stubConverter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type stubObjects struct {
	exists bool
	err    error
}

func (s stubObjects) Exists(context.Context, string) (bool, error) { return s.exists, s.err }

type stubRecorder struct {
	mu      sync.Mutex
	jobs    []models.ConversionJob
	errs    map[string]error
	retries map[string]int
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{errs: map[string]error{}, retries: map[string]int{}}
}

func (r *stubRecorder) Record(_ context.Context, job models.ConversionJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *stubRecorder) RecordError(_ context.Context, urn string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[urn] = err
}

func (r *stubRecorder) RecordRetry(_ context.Context, urn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[urn]++
}

func testConfig() *config.Config {
	return &config.Config{
		PendingQueue:    "translation:pending",
		ProcessingQueue: "translation:processing",
		FailedQueue:     "translation:failed",
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 3,
		RequestTimeout:  time.Second,
		MaxRetries:      2,
		StaleAfter:      5 * time.Minute,
	}
}

func setupPool(t *testing.T, conv Converter, objects ObjectStore) (*Pool, *miniredis.Miniredis, *stubRecorder) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	rec := newStubRecorder()
	p := NewPool(testConfig(), client, conv, objects, rec, zerolog.Nop())
	p.backoff = func(int) time.Duration { return time.Millisecond }
	p.blockTimeout = 50 * time.Millisecond
	return p, mr, rec
}

// claim moves the queued request into processing the way a worker does.
func claim(t *testing.T, p *Pool) (models.TranslationRequest, string) {
	t.Helper()
	raw, err := p.redisClient.RPopLPush(context.Background(), p.config.PendingQueue, p.config.ProcessingQueue).Result()
	require.NoError(t, err)
	var req models.TranslationRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	return req, raw
}

func TestPool_EnqueueFillsDefaults(t *testing.T) {
	p, mr, _ := setupPool(t, &stubConverter{}, nil)

	req, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs", FileName: "part.step"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, 2, req.MaxRetries)
	assert.False(t, req.CreatedAt.IsZero())

	items, err := mr.List("translation:pending")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], req.RequestID)
}

func TestPool_EnqueueRequiresURN(t *testing.T) {
	p, _, _ := setupPool(t, &stubConverter{}, nil)
	_, err := p.Enqueue(context.Background(), models.TranslationRequest{})
	assert.Error(t, err)
}

func TestPool_ProcessJobSuccess(t *testing.T) {
	conv := &stubConverter{}
	p, mr, rec := setupPool(t, conv, stubObjects{exists: true})

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs", ObjectKey: "models/x_part.step"})
	require.NoError(t, err)
	req, raw := claim(t, p)

	p.processJob(context.Background(), zerolog.Nop(), &req, raw)

	assert.Equal(t, []string{"dXJuOm1vZGVs"}, conv.Calls())
	processing, _ := mr.List("translation:processing")
	assert.Empty(t, processing)
	require.NotEmpty(t, rec.jobs)
	assert.Equal(t, models.JobReady, rec.jobs[len(rec.jobs)-1].State)
}

func TestPool_TransientFailureIsRetried(t *testing.T) {
	transport := models.NewStageError("triggering", models.ErrTrigger, "translation request failed", errors.New("502"))
	p, mr, rec := setupPool(t, &stubConverter{err: transport}, nil)

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs"})
	require.NoError(t, err)
	req, raw := claim(t, p)

	p.processJob(context.Background(), zerolog.Nop(), &req, raw)

	require.Eventually(t, func() bool {
		items, _ := mr.List("translation:pending")
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)

	items, _ := mr.List("translation:pending")
	var retried models.TranslationRequest
	require.NoError(t, json.Unmarshal([]byte(items[0]), &retried))
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, 1, rec.retries["dXJuOm1vZGVs"])
	assert.False(t, mr.Exists("translation:failed"))
}

func TestPool_ConversionFailureGoesStraightToFailedQueue(t *testing.T) {
	failed := models.NewStageError("polling", models.ErrConversionFailed, "bad geometry", nil)
	p, mr, rec := setupPool(t, &stubConverter{err: failed}, nil)

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs"})
	require.NoError(t, err)
	req, raw := claim(t, p)

	p.processJob(context.Background(), zerolog.Nop(), &req, raw)

	failedItems, _ := mr.List("translation:failed")
	assert.Len(t, failedItems, 1)
	assert.ErrorIs(t, rec.errs["dXJuOm1vZGVs"], models.ErrConversionFailed)
}

func TestPool_MissingObjectIsPermanent(t *testing.T) {
	conv := &stubConverter{}
	p, mr, rec := setupPool(t, conv, stubObjects{exists: false})

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs", ObjectKey: "models/gone.step"})
	require.NoError(t, err)
	req, raw := claim(t, p)

	p.processJob(context.Background(), zerolog.Nop(), &req, raw)

	assert.Empty(t, conv.Calls())
	failedItems, _ := mr.List("translation:failed")
	assert.Len(t, failedItems, 1)
	assert.ErrorIs(t, rec.errs["dXJuOm1vZGVs"], errObjectMissing)
}

func TestPool_RetriesExhausted(t *testing.T) {
	timedOut := models.NewStageError("polling", models.ErrTimedOut, "did not finish", nil)
	p, mr, _ := setupPool(t, &stubConverter{err: timedOut}, nil)

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs", RetryCount: 2, MaxRetries: 2})
	require.NoError(t, err)
	req, raw := claim(t, p)

	p.processJob(context.Background(), zerolog.Nop(), &req, raw)

	failedItems, _ := mr.List("translation:failed")
	assert.Len(t, failedItems, 1)
}

func TestPool_RecoverStaleJobs(t *testing.T) {
	p, mr, rec := setupPool(t, &stubConverter{}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	stale := models.TranslationRequest{RequestID: "a", URN: "c3RhbGU", MaxRetries: 2, EnqueuedAt: now.Add(-10 * time.Minute)}
	exhausted := models.TranslationRequest{RequestID: "b", URN: "ZG9uZQ", RetryCount: 2, MaxRetries: 2, EnqueuedAt: now.Add(-10 * time.Minute)}
	fresh := models.TranslationRequest{RequestID: "c", URN: "ZnJlc2g", MaxRetries: 2, EnqueuedAt: now.Add(-time.Minute)}
	for _, r := range []models.TranslationRequest{stale, exhausted, fresh} {
		b, _ := json.Marshal(r)
		_, err := mr.Lpush("translation:processing", string(b))
		require.NoError(t, err)
	}

	recovered := p.recoverStaleJobs(context.Background(), zerolog.Nop())
	assert.Equal(t, 1, recovered)

	pendingItems, _ := mr.List("translation:pending")
	assert.Len(t, pendingItems, 1)
	failedItems, _ := mr.List("translation:failed")
	assert.Len(t, failedItems, 1)
	processing, _ := mr.List("translation:processing")
	assert.Len(t, processing, 1)

	assert.Equal(t, 1, rec.retries["c3RhbGU"])
	assert.ErrorIs(t, rec.errs["ZG9uZQ"], models.ErrTimedOut)
}

func TestPool_StartWorkerDrainsQueue(t *testing.T) {
	conv := &stubConverter{}
	p, mr, _ := setupPool(t, conv, nil)

	_, err := p.Enqueue(context.Background(), models.TranslationRequest{URN: "dXJuOm1vZGVs"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.StartWorker(ctx, 1)
	}()

	require.Eventually(t, func() bool { return len(conv.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		items, _ := mr.List("translation:processing")
		return len(items) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 8*time.Second, retryDelay(3))
	assert.Equal(t, 30*time.Second, retryDelay(10))
}
