// Package worker runs the per-stage worker pools: lease a job, execute the
// stage handler, then ack and dispatch the next stage or record the failure.
package worker

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// ErrDiscard tells the pool to ack a job without dispatching anything and
// without counting a failure. Handlers return it when the memo was deleted,
// restarted into a newer round, or has already moved past the job's stage.
var ErrDiscard = errors.New("job discarded")

// StageHandler executes the jobs of one stage.
type StageHandler interface {
	// Handle performs the stage for job. On success it returns the payload of
	// the next job to dispatch once job is acked, or nil when there is none.
	Handle(ctx context.Context, job *models.Job) (models.Payload, error)
	// Fail is called once the job has exhausted its attempts. reason is the
	// error of the final attempt.
	Fail(ctx context.Context, job *models.Job, reason string) error
}
