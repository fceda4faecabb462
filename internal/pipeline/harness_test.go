package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/ai/mock"
	"github.com/kiranshivaraju/memoflow/internal/blob"
	"github.com/kiranshivaraju/memoflow/internal/cache/cachetest"
	"github.com/kiranshivaraju/memoflow/internal/pipeline"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store/storetest"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires the pipeline with in-memory collaborators. Workers are driven
// one job at a time through Pool.ProcessNext; the queue clock is advanced by
// hand to skip retry delays.
type harness struct {
	t           *testing.T
	store       *storetest.Store
	cache       *cachetest.Cache
	blobs       *blob.LocalStore
	queue       *queue.MemoryQueue
	clock       *fakeClock
	svc         *pipeline.Service
	reconciler  *pipeline.Reconciler
	transcriber *mock.MockTranscriber
	generator   *mock.MockGenerator
	transcribe  *worker.Pool
	generate    *worker.Pool

	transcribeCalls atomic.Int32
	generateCalls   atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		store:       storetest.NewStore(),
		cache:       cachetest.New(),
		clock:       &fakeClock{now: time.Now().UTC()},
		transcriber: mock.NewMockTranscriber(),
		generator:   mock.NewMockGenerator(),
	}
	var err error
	h.blobs, err = blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h.queue = queue.NewMemoryQueue(queue.DefaultRetryPolicy(), queue.WithClock(h.clock.Now))
	d := worker.NewDispatcher(h.queue)

	h.svc = pipeline.NewService(h.store, h.cache, h.blobs, d)
	h.reconciler = pipeline.NewReconciler(h.store, h.cache, h.queue, d, time.Minute)

	// Count provider calls regardless of which func a test installs.
	transcriber := &mock.MockTranscriber{Name_: "counting", TranscribeFunc: func(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
		h.transcribeCalls.Add(1)
		return h.transcriber.Transcribe(ctx, req)
	}}
	generator := &mock.MockGenerator{Name_: "mock", GenerateFunc: func(ctx context.Context, req models.GenerationRequest) (models.GeneratedContent, error) {
		h.generateCalls.Add(1)
		return h.generator.Generate(ctx, req)
	}}

	cfg := worker.PoolConfig{Concurrency: 1, Timeout: 2 * time.Second, LeaseDuration: time.Minute}
	h.transcribe, err = worker.NewPool(models.StageTranscribe,
		pipeline.NewTranscriptionHandler(h.store, h.cache, h.blobs, transcriber), h.queue, d, cfg)
	require.NoError(t, err)
	h.generate, err = worker.NewPool(models.StageGenerate,
		pipeline.NewGenerationHandler(h.store, h.cache, generator), h.queue, d, cfg)
	require.NoError(t, err)
	return h
}

// step runs one job of the pool and fails the test if none was ready.
func (h *harness) step(p *worker.Pool) {
	h.t.Helper()
	leased, err := p.ProcessNext(context.Background(), "test-worker")
	require.NoError(h.t, err)
	require.True(h.t, leased, "expected a ready %s job", p.Stage())
}

// idle asserts the pool has nothing ready.
func (h *harness) idle(p *worker.Pool) {
	h.t.Helper()
	leased, err := p.ProcessNext(context.Background(), "test-worker")
	require.NoError(h.t, err)
	require.False(h.t, leased, "expected no ready %s job", p.Stage())
}

// uploaded creates a memo for the default account and uploads audio to it.
func (h *harness) uploaded(title string) *models.Memo {
	h.t.Helper()
	ctx := context.Background()
	memo, err := h.svc.CreateMemo(ctx, pipeline.CreateMemoParams{AccountID: storetest.DefaultAccountID, Title: title})
	require.NoError(h.t, err)
	memo, err = h.svc.UploadAudio(ctx, memo.ID, []byte("RIFF fake wav data"), "audio/wav")
	require.NoError(h.t, err)
	return memo
}

func (h *harness) memo(id uuid.UUID) *models.Memo {
	h.t.Helper()
	m, err := h.store.GetMemo(context.Background(), id)
	require.NoError(h.t, err)
	return m
}

func (h *harness) usedMinutes() float64 {
	h.t.Helper()
	u, err := h.store.GetUsage(context.Background(), storetest.DefaultAccountID, time.Now())
	require.NoError(h.t, err)
	return u.UsedMinutes
}

// fixedDuration makes the transcriber report seconds of audio.
func fixedDuration(seconds float64) func(context.Context, models.TranscriptionRequest) (models.TranscriptionResult, error) {
	return func(_ context.Context, _ models.TranscriptionRequest) (models.TranscriptionResult, error) {
		return models.TranscriptionResult{
			Text:     "Good morning. Yesterday I fixed the login bug. Today I review the release.",
			Language: "en",
			Segments: []models.Segment{
				{Start: 0, End: seconds / 2, Text: "Good morning. Yesterday I fixed the login bug."},
				{Start: seconds / 2, End: seconds, Text: "Today I review the release."},
			},
			DurationSeconds: seconds,
		}, nil
	}
}
