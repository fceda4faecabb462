package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
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

// fakeHandler satisfies worker.StageHandler with scriptable behaviour.
type fakeHandler struct {
	HandleFunc func(ctx context.Context, job *models.Job) (models.Payload, error)

	mu          sync.Mutex
	calls       int
	failed      []string
	failedJobID []string
}

func (h *fakeHandler) Handle(ctx context.Context, job *models.Job) (models.Payload, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.HandleFunc != nil {
		return h.HandleFunc(ctx, job)
	}
	return nil, nil
}

func (h *fakeHandler) Fail(_ context.Context, job *models.Job, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, reason)
	h.failedJobID = append(h.failedJobID, job.ID)
	return nil
}

func (h *fakeHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHandler) Failed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.failed...)
}

var _ worker.StageHandler = (*fakeHandler)(nil)

// flakyQueue fails the first n Enqueue calls.
type flakyQueue struct {
	queue.Store
	mu       sync.Mutex
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, p models.Payload, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return "", errors.New("connection reset")
	}
	q.mu.Unlock()
	return q.Store.Enqueue(ctx, p, opts...)
}

func testPoolConfig() worker.PoolConfig {
	return worker.PoolConfig{
		Concurrency:   1,
		Timeout:       time.Second,
		LeaseDuration: 2 * time.Second,
		IdleMin:       5 * time.Millisecond,
		IdleMax:       20 * time.Millisecond,
	}
}

func newQueue(clock *fakeClock) *queue.MemoryQueue {
	return queue.NewMemoryQueue(queue.DefaultRetryPolicy(), queue.WithClock(clock.Now))
}

func newPool(t *testing.T, stage models.Stage, h worker.StageHandler, q queue.Store) *worker.Pool {
	t.Helper()
	p, err := worker.NewPool(stage, h, q, worker.NewDispatcher(q), testPoolConfig())
	require.NoError(t, err)
	return p
}

// --- NewPool ---

func TestNewPool_ValidatesConfig(t *testing.T) {
	q := newQueue(newFakeClock())
	d := worker.NewDispatcher(q)

	cfg := testPoolConfig()
	cfg.LeaseDuration = cfg.Timeout
	_, err := worker.NewPool(models.StageTranscribe, &fakeHandler{}, q, d, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease duration")

	cfg = testPoolConfig()
	cfg.Concurrency = 0
	_, err = worker.NewPool(models.StageTranscribe, &fakeHandler{}, q, d, cfg)
	require.Error(t, err)

	_, err = worker.NewPool("SUMMARIZE", &fakeHandler{}, q, d, testPoolConfig())
	require.Error(t, err)

	_, err = worker.NewPool(models.StageGenerate, nil, q, d, testPoolConfig())
	require.Error(t, err)
}

// --- ProcessNext ---

func TestProcessNext_EmptyQueue(t *testing.T) {
	q := newQueue(newFakeClock())
	h := &fakeHandler{}
	p := newPool(t, models.StageTranscribe, h, q)

	leased, err := p.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, leased)
	assert.Equal(t, 0, h.Calls())
}

func TestProcessNext_SuccessAcksThenDispatchesNextStage(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(_ context.Context, job *models.Job) (models.Payload, error) {
		return models.GeneratePayload{MemoID: job.MemoID, Round: 1}, nil
	}}
	p := newPool(t, models.StageTranscribe, h, q)

	_, err := q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1}, queue.WithPriority(models.PriorityHigh))
	require.NoError(t, err)

	leased, err := p.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, leased)

	active, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	assert.Nil(t, active, "transcription job should be acked")

	next, err := q.Active(ctx, models.StageGenerate, memoID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, models.PriorityHigh, next.Priority, "next stage inherits priority")
	assert.Equal(t, models.GeneratePayload{MemoID: memoID, Round: 1}, next.Payload)
}

func TestProcessNext_LastStageDispatchesNothing(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	p := newPool(t, models.StageGenerate, &fakeHandler{}, q)

	_, err := q.Enqueue(ctx, models.GeneratePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w1")
	require.NoError(t, err)

	for _, stage := range models.Stages {
		jobs, err := q.InFlight(ctx, stage)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	}
}

func TestProcessNext_FailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newQueue(clock)
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		return nil, errors.New("provider timeout")
	}}
	p := newPool(t, models.StageTranscribe, h, q)

	_, err := q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w1")
	require.NoError(t, err)

	job, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "provider timeout", job.LastError())
	assert.Equal(t, clock.Now().Add(2*time.Second), job.RunAt)
	assert.Empty(t, h.Failed())

	// Not eligible until the backoff elapses.
	leased, err := p.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestProcessNext_ExhaustedRetriesCallFailOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newQueue(clock)
	memoID := uuid.New()
	var attempt int32
	h := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		n := atomic.AddInt32(&attempt, 1)
		return nil, errors.New("quota exceeded: attempt " + string(rune('0'+n)))
	}}
	p := newPool(t, models.StageTranscribe, h, q)

	_, err := q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		leased, err := p.ProcessNext(ctx, "w1")
		require.NoError(t, err)
		require.True(t, leased, "attempt %d should lease", i+1)
		clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, h.Calls())
	assert.Equal(t, []string{"quota exceeded: attempt 3"}, h.Failed())

	active, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	assert.Nil(t, active)

	dead, err := q.LatestDeadLetter(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, 3, dead.Attempts)
	assert.Len(t, dead.Failures, 3)

	leased, err := p.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestProcessNext_PanicIsRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		panic("nil transcript")
	}}
	p := newPool(t, models.StageGenerate, h, q)

	_, err := q.Enqueue(ctx, models.GeneratePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = p.ProcessNext(ctx, "w1")
	})
	require.NoError(t, err)

	job, err := q.Active(ctx, models.StageGenerate, memoID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError(), "panic: nil transcript")
}

func TestProcessNext_DiscardAcksWithoutFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		return nil, worker.ErrDiscard
	}}
	p := newPool(t, models.StageTranscribe, h, q)

	_, err := q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)
	_, err = p.ProcessNext(ctx, "w1")
	require.NoError(t, err)

	active, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	assert.Nil(t, active)
	dead, err := q.DeadLetters(ctx, models.StageTranscribe, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.Empty(t, h.Failed())
}

func TestProcessNext_TimeoutBoundsHandler(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(ctx context.Context, _ *models.Job) (models.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testPoolConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.LeaseDuration = time.Second
	p, err := worker.NewPool(models.StageTranscribe, h, q, worker.NewDispatcher(q), cfg)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.ProcessNext(ctx, "w1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	job, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, job.LastError(), context.DeadlineExceeded.Error())
}

func TestProcessNext_NextStageAlreadyQueued(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	memoID := uuid.New()
	h := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		return models.GeneratePayload{MemoID: memoID, Round: 1}, nil
	}}
	p := newPool(t, models.StageTranscribe, h, q)

	_, err := q.Enqueue(ctx, models.GeneratePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 1})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx, "w1")
	require.NoError(t, err)

	jobs, err := q.InFlight(ctx, models.StageGenerate)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

// --- Dispatcher ---

func TestDispatcher_AlreadyQueued(t *testing.T) {
	ctx := context.Background()
	q := newQueue(newFakeClock())
	d := worker.NewDispatcher(q)
	p := models.TranscribePayload{MemoID: uuid.New(), Round: 1}

	id, err := d.Dispatch(ctx, p, models.PriorityNormal)
	require.NoError(t, err)

	again, err := d.Dispatch(ctx, p, models.PriorityNormal)
	assert.ErrorIs(t, err, queue.ErrAlreadyQueued)
	assert.Equal(t, id, again)
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	q := &flakyQueue{Store: newQueue(newFakeClock()), failures: 2}
	d := worker.NewDispatcher(q)
	p := models.GeneratePayload{MemoID: uuid.New(), Round: 1}

	id, err := d.Dispatch(ctx, p, models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, models.JobID(models.StageGenerate, p.MemoID), id)
}

func TestDispatcher_GivesUp(t *testing.T) {
	ctx := context.Background()
	q := &flakyQueue{Store: newQueue(newFakeClock()), failures: 100}
	d := worker.NewDispatcher(q)

	_, err := d.Dispatch(ctx, models.GeneratePayload{MemoID: uuid.New(), Round: 1}, models.PriorityNormal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

// --- Supervisor ---

func supervisorConfig() worker.Config {
	return worker.Config{
		Pools: map[models.Stage]worker.PoolConfig{
			models.StageTranscribe: testPoolConfig(),
			models.StageGenerate:   testPoolConfig(),
		},
		ReapInterval: 10 * time.Millisecond,
	}
}

func TestNewSupervisor_RequiresEveryStage(t *testing.T) {
	q := newQueue(newFakeClock())
	d := worker.NewDispatcher(q)

	_, err := worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: &fakeHandler{},
	}, supervisorConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GENERATE")

	cfg := supervisorConfig()
	delete(cfg.Pools, models.StageTranscribe)
	_, err = worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: &fakeHandler{},
		models.StageGenerate:   &fakeHandler{},
	}, cfg)
	require.Error(t, err)
}

func TestSupervisor_RunsPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := worker.NewDispatcher(q)

	var completed sync.Map
	transcribe := &fakeHandler{HandleFunc: func(_ context.Context, job *models.Job) (models.Payload, error) {
		return models.GeneratePayload{MemoID: job.MemoID, Round: 1}, nil
	}}
	generate := &fakeHandler{HandleFunc: func(_ context.Context, job *models.Job) (models.Payload, error) {
		completed.Store(job.MemoID, true)
		return nil, nil
	}}

	sup, err := worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: transcribe,
		models.StageGenerate:   generate,
	}, supervisorConfig(), worker.WithWorkerPrefix("test"))
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	require.Error(t, sup.Start(ctx), "second start is rejected")

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		_, err := d.Dispatch(ctx, models.TranscribePayload{MemoID: ids[i], Round: 1}, models.PriorityNormal)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if _, ok := completed.Load(id); !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(shutdownCtx))
	assert.Equal(t, 10, transcribe.Calls())
	assert.Equal(t, 10, generate.Calls())
}

func TestSupervisor_ShutdownWaitsForInFlightJob(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := worker.NewDispatcher(q)
	memoID := uuid.New()

	started := make(chan struct{})
	release := make(chan struct{})
	transcribe := &fakeHandler{HandleFunc: func(context.Context, *models.Job) (models.Payload, error) {
		close(started)
		<-release
		return nil, nil
	}}
	sup, err := worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: transcribe,
		models.StageGenerate:   &fakeHandler{},
	}, supervisorConfig())
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))

	_, err = d.Dispatch(ctx, models.TranscribePayload{MemoID: memoID, Round: 1}, models.PriorityNormal)
	require.NoError(t, err)
	<-started

	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		done <- sup.Shutdown(shutdownCtx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	active, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	assert.Nil(t, active, "in-flight job should be acked before exit")
}

func TestSupervisor_ShutdownDeadlineAbandonsJob(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := worker.NewDispatcher(q)
	memoID := uuid.New()

	started := make(chan struct{})
	transcribe := &fakeHandler{HandleFunc: func(ctx context.Context, _ *models.Job) (models.Payload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sup, err := worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: transcribe,
		models.StageGenerate:   &fakeHandler{},
	}, supervisorConfig())
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))

	_, err = d.Dispatch(ctx, models.TranscribePayload{MemoID: memoID, Round: 1}, models.PriorityNormal)
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = sup.Shutdown(shutdownCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, err := q.Active(ctx, models.StageTranscribe, memoID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStateLeased, job.State, "abandoned job keeps its lease until it expires")
	assert.Equal(t, 0, job.Attempts)
}

func TestSupervisor_RunsSweeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := worker.NewDispatcher(q)

	var runs atomic.Int32
	sup, err := worker.NewSupervisor(q, d, map[models.Stage]worker.StageHandler{
		models.StageTranscribe: &fakeHandler{},
		models.StageGenerate:   &fakeHandler{},
	}, supervisorConfig(), worker.WithSweep(worker.Sweep{
		Name:     "count",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			if runs.Add(1) == 1 {
				panic("first sweep blows up")
			}
			return nil
		},
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, time.Second) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
