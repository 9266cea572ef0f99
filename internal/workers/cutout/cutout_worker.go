// -----------------------------------------------------------------------
// CutoutWorker - simulated image cutout execution
// Executes dispatched cutout jobs: reports the started callback, parses
// the stencil parameters and produces result references in the configured
// bucket. Stands in for the science payload in single-binary deployments.
// -----------------------------------------------------------------------

package cutout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
	"github.com/ternarybob/laboro/internal/services/jobs"
	"github.com/ternarybob/laboro/internal/services/policy"
)

// Worker executes cutout messages from the work queue
type Worker struct {
	callbacks interfaces.QueueService
	config    *common.WorkerConfig
	logger    arbor.ILogger
}

// NewWorker creates a cutout worker submitting lifecycle callbacks to the
// given queue
func NewWorker(callbacks interfaces.QueueService, config *common.WorkerConfig, logger arbor.ILogger) *Worker {
	return &Worker{
		callbacks: callbacks,
		config:    config,
		logger:    logger,
	}
}

// Register binds the worker's actor on the work pool
func (w *Worker) Register(pool interfaces.WorkerPool) {
	pool.RegisterActor(w.config.Actor, w.Execute)
}

// Execute runs one cutout request. The returned payload feeds the message's
// completion callback; a returned error feeds its failure callback.
func (w *Worker) Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	jobID, _ := args["job_id"].(string)
	messageID, _ := args["message_id"].(string)
	if jobID == "" || messageID == "" {
		return nil, models.NewTaskError("usage_error", "Cutout request missing job_id or message_id", "")
	}

	w.reportStarted(ctx, jobID, messageID)

	params, err := decodeParameters(args["parameters"])
	if err != nil {
		return nil, models.NewTaskError("usage_error", "Invalid cutout parameters", err.Error())
	}

	if delay := w.config.WorkDelayDuration(); delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	stencil := params.Stencils[0]
	w.logger.Info().
		Str("job_id", jobID).
		Str("source_id", params.IDs[0]).
		Str("stencil", stencil.StencilType()).
		Msg("Cutout completed")

	results := []map[string]interface{}{
		{
			"result_id": "cutout",
			"url":       fmt.Sprintf("s3://%s/%s/cutout.fits", w.config.ResultBucket, jobID),
			"mime_type": "application/fits",
		},
	}
	return map[string]interface{}{"results": results}, nil
}

// reportStarted submits the started callback. Failure to report is logged
// and swallowed; completion backfills the start time if this never lands.
func (w *Worker) reportStarted(ctx context.Context, jobID, messageID string) {
	args := map[string]interface{}{
		"job_id":     jobID,
		"message_id": messageID,
		"timestamp":  common.Isodatetime(common.Now()),
	}
	if _, err := w.callbacks.Submit(ctx, jobs.CallbackJobStarted, args, interfaces.SubmitOptions{}); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to submit started callback")
	}
}

// decodeParameters accepts the parameters argument either as raw JSON or as
// the generic map a queue round trip produces
func decodeParameters(value interface{}) (*policy.CutoutParameters, error) {
	if value == nil {
		return nil, fmt.Errorf("parameters are required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return policy.ParseCutoutParameters(raw)
}
