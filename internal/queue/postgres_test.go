package queue_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestPostgresQueue_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := storetest.SetupPostgres(t)

	runContract(t, func(t *testing.T, clock *fakeClock) queue.Store {
		_, err := pool.Exec(context.Background(), `TRUNCATE jobs, dead_jobs`)
		require.NoError(t, err)
		return queue.NewPostgresQueue(pool, queue.DefaultRetryPolicy(), queue.WithClock(clock.Now))
	})
}
