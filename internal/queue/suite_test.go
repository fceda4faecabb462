package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type queueFactory func(t *testing.T, clock *fakeClock) queue.Store

func transcribe(memoID uuid.UUID) models.Payload {
	return models.TranscribePayload{MemoID: memoID, Round: 1}
}

// runContract exercises behaviour every queue.Store implementation must share.
func runContract(t *testing.T, newQueue queueFactory) {
	ctx := context.Background()

	t.Run("EnqueueRejectsDuplicateActiveJob", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		memoID := uuid.New()

		id, err := q.Enqueue(ctx, transcribe(memoID))
		require.NoError(t, err)
		assert.Equal(t, "TRANSCRIBE:"+memoID.String(), id)

		_, err = q.Enqueue(ctx, transcribe(memoID))
		assert.ErrorIs(t, err, queue.ErrAlreadyQueued)

		// A different stage for the same memo is independent.
		_, err = q.Enqueue(ctx, models.GeneratePayload{MemoID: memoID, Round: 1})
		require.NoError(t, err)

		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = q.Enqueue(ctx, transcribe(memoID))
		assert.ErrorIs(t, err, queue.ErrAlreadyQueued, "leased job is still active")

		require.NoError(t, q.Ack(ctx, job.ID, job.LeaseToken))
		_, err = q.Enqueue(ctx, transcribe(memoID))
		assert.NoError(t, err, "acked job frees the id")
	})

	t.Run("LeaseIsExclusive", func(t *testing.T) {
		q := newQueue(t, newFakeClock())

		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job, "empty queue")

		_, err = q.Enqueue(ctx, transcribe(uuid.New()))
		require.NoError(t, err)

		first, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "w1", first.LeaseOwner)
		assert.NotEmpty(t, first.LeaseToken)
		assert.Equal(t, models.JobStateLeased, first.State)

		second, err := q.Lease(ctx, models.StageTranscribe, "w2", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, second)

		other, err := q.Lease(ctx, models.StageGenerate, "w3", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, other, "stages do not share jobs")
	})

	t.Run("LeasePayloadRoundTrips", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		memoID := uuid.New()
		_, err := q.Enqueue(ctx, models.TranscribePayload{MemoID: memoID, Round: 3, Language: "fr"})
		require.NoError(t, err)

		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		p, ok := job.Payload.(models.TranscribePayload)
		require.True(t, ok)
		assert.Equal(t, 3, p.Round)
		assert.Equal(t, "fr", p.Language)
		assert.Equal(t, memoID, job.MemoID)
	})

	t.Run("HighPriorityFirstThenOldest", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		older, newer, urgent := uuid.New(), uuid.New(), uuid.New()

		_, err := q.Enqueue(ctx, transcribe(older))
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, transcribe(newer))
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, transcribe(urgent), queue.WithPriority(models.PriorityHigh))
		require.NoError(t, err)

		inflight, err := q.InFlight(ctx, models.StageTranscribe)
		require.NoError(t, err)
		require.Len(t, inflight, 3)
		assert.Equal(t, urgent, inflight[0].MemoID)

		var got []uuid.UUID
		for i := 0; i < 3; i++ {
			job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job)
			got = append(got, job.MemoID)
		}
		assert.Equal(t, []uuid.UUID{urgent, older, newer}, got)
	})

	t.Run("DelayedJobNotEligibleUntilDue", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, transcribe(uuid.New()), queue.WithDelay(10*time.Second))
		require.NoError(t, err)

		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)

		clock.Advance(10 * time.Second)
		job, err = q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, job)
	})

	t.Run("AckIsIdempotent", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		memoID := uuid.New()
		_, err := q.Enqueue(ctx, transcribe(memoID))
		require.NoError(t, err)
		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, job.ID, "not-the-token"))
		active, err := q.Active(ctx, models.StageTranscribe, memoID)
		require.NoError(t, err)
		assert.NotNil(t, active, "wrong token leaves the job alone")

		require.NoError(t, q.Ack(ctx, job.ID, job.LeaseToken))
		require.NoError(t, q.Ack(ctx, job.ID, job.LeaseToken))
		require.NoError(t, q.Ack(ctx, "TRANSCRIBE:"+uuid.NewString(), "x"))

		active, err = q.Active(ctx, models.StageTranscribe, memoID)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("ExpiredLeaseIsReleasedToAnotherWorker", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, transcribe(uuid.New()))
		require.NoError(t, err)

		crashed, err := q.Lease(ctx, models.StageTranscribe, "w1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, crashed)

		clock.Advance(29 * time.Second)
		job, err := q.Lease(ctx, models.StageTranscribe, "w2", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job, "lease still held")

		clock.Advance(time.Second)
		job, err = q.Lease(ctx, models.StageTranscribe, "w2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, crashed.ID, job.ID)
		assert.Equal(t, "w2", job.LeaseOwner)
		assert.NotEqual(t, crashed.LeaseToken, job.LeaseToken)
		assert.Zero(t, job.Attempts, "expiry is not a failed attempt")

		// The original holder has been fenced off.
		res, err := q.Fail(ctx, crashed.ID, crashed.LeaseToken, "late failure")
		require.NoError(t, err)
		assert.Equal(t, queue.FailStale, res.Outcome)
		require.NoError(t, q.Ack(ctx, crashed.ID, crashed.LeaseToken))
		active, err := q.Active(ctx, models.StageTranscribe, job.MemoID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "w2", active.LeaseOwner)
	})

	t.Run("ReapExpiredLeases", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		memoID := uuid.New()
		_, err := q.Enqueue(ctx, transcribe(memoID))
		require.NoError(t, err)
		_, err = q.Lease(ctx, models.StageTranscribe, "w1", 30*time.Second)
		require.NoError(t, err)

		n, err := q.ReapExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(31 * time.Second)
		n, err = q.ReapExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		active, err := q.Active(ctx, models.StageTranscribe, memoID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, models.JobStateQueued, active.State)
		assert.Empty(t, active.LeaseOwner)
	})

	t.Run("FailRetriesWithBackoff", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		_, err := q.Enqueue(ctx, transcribe(uuid.New()))
		require.NoError(t, err)
		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)

		res, err := q.Fail(ctx, job.ID, job.LeaseToken, "provider timeout")
		require.NoError(t, err)
		assert.Equal(t, queue.FailRetrying, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, clock.Now().Add(2*time.Second), res.RetryAt)

		again, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again, "backing off")

		clock.Advance(2 * time.Second)
		again, err = q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 1, again.Attempts)
		require.Len(t, again.Failures, 1)
		assert.Equal(t, "provider timeout", again.LastError())

		res, err = q.Fail(ctx, again.ID, again.LeaseToken, "provider timeout")
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(4*time.Second), res.RetryAt)
	})

	t.Run("ExhaustedJobIsDeadLettered", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		memoID := uuid.New()
		_, err := q.Enqueue(ctx, transcribe(memoID))
		require.NoError(t, err)

		var res queue.FailResult
		for attempt := 1; attempt <= 3; attempt++ {
			job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job, "attempt %d", attempt)
			res, err = q.Fail(ctx, job.ID, job.LeaseToken, "quota exceeded")
			require.NoError(t, err)
			if attempt < 3 {
				assert.Equal(t, queue.FailRetrying, res.Outcome)
			}
			clock.Advance(time.Minute)
		}
		assert.Equal(t, queue.FailDead, res.Outcome)
		assert.Equal(t, 3, res.Attempts)
		require.NotNil(t, res.Job)
		assert.Equal(t, "quota exceeded", res.Job.LastError())

		job, err := q.Lease(ctx, models.StageTranscribe, "w1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job, "dead jobs are never leased")

		dead, err := q.DeadLetters(ctx, models.StageTranscribe, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, dead[0].MaxAttempts, dead[0].Attempts)
		assert.Len(t, dead[0].Failures, 3)
		assert.Equal(t, models.JobStateDead, dead[0].State)

		latest, err := q.LatestDeadLetter(ctx, models.StageTranscribe, memoID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, memoID, latest.MemoID)

		none, err := q.LatestDeadLetter(ctx, models.StageGenerate, memoID)
		require.NoError(t, err)
		assert.Nil(t, none)

		_, err = q.Enqueue(ctx, transcribe(memoID))
		assert.NoError(t, err, "dead-lettered id can be reused")
	})

	t.Run("ConcurrentLeasesNeverShareAJob", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		const jobs = 20
		for i := 0; i < jobs; i++ {
			_, err := q.Enqueue(ctx, transcribe(uuid.New()))
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := q.Lease(ctx, models.StageTranscribe, uuid.NewString(), time.Minute)
					if err != nil || job == nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s leased %d times", id, n)
		}
	})
}
