package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

// Dispatcher translates a job into a work queue submission with the engine's
// callback actors bound. The queue invokes OnSuccess or OnFailure with the
// actor's outcome, which is how job state advances after dispatch.
type Dispatcher struct {
	queue  interfaces.QueueService
	actor  string
	logger arbor.ILogger
}

// NewDispatcher creates a dispatcher submitting to the named actor
func NewDispatcher(queue interfaces.QueueService, actor string, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		queue:  queue,
		actor:  actor,
		logger: logger,
	}
}

// Dispatch submits the job and returns the queue's message id
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) (string, error) {
	args := map[string]interface{}{
		"job_id":     job.JobID,
		"parameters": json.RawMessage(job.Parameters),
	}

	opts := interfaces.SubmitOptions{
		OnSuccess: CallbackJobCompleted,
		OnFailure: CallbackJobFailed,
	}
	if job.ExecutionDuration > 0 {
		opts.TimeoutMs = job.ExecutionDuration * 1000
	}

	messageID, err := d.queue.Submit(ctx, d.actor, args, opts)
	if err != nil {
		return "", fmt.Errorf("failed to submit job to work queue: %w", err)
	}

	d.logger.Info().
		Str("job_id", job.JobID).
		Str("actor", d.actor).
		Str("message_id", messageID).
		Msg("Job submitted to work queue")

	return messageID, nil
}
