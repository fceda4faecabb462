package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// Dispatcher enqueues stage jobs. It is the dispatch trigger used by the
// pools after a successful ack, and the initial enqueue used by the API layer.
type Dispatcher struct {
	queue queue.Store
}

func NewDispatcher(q queue.Store) *Dispatcher {
	return &Dispatcher{queue: q}
}

// Dispatch enqueues payload with priority. Transient job store errors are
// retried; queue.ErrAlreadyQueued is returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, payload models.Payload, priority models.Priority) (string, error) {
	var id string
	err := retryStore(ctx, "enqueue", func() error {
		var err error
		id, err = d.queue.Enqueue(ctx, payload, queue.WithPriority(priority))
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return models.JobID(payload.Stage(), payload.Memo()), err
		}
		return "", fmt.Errorf("dispatch %s for memo %s: %w", payload.Stage(), payload.Memo(), err)
	}
	slog.Info("job dispatched", "job_id", id, "stage", payload.Stage(), "memo_id", payload.Memo(), "priority", priority)
	return id, nil
}
