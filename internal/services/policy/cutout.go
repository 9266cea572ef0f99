package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/models"
)

// JobDispatcher submits a job to the work queue and returns the queue's
// message id. Satisfied by the jobs engine dispatcher.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *models.Job) (string, error)
}

// ImageCutoutPolicy validates cutout requests and dispatches them to the
// cutout actor. Destruction and execution duration changes are frozen at
// their stored values.
type ImageCutoutPolicy struct {
	dispatcher JobDispatcher
	logger     arbor.ILogger
}

// NewImageCutoutPolicy creates the cutout service policy
func NewImageCutoutPolicy(dispatcher JobDispatcher, logger arbor.ILogger) *ImageCutoutPolicy {
	return &ImageCutoutPolicy{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ValidateParams checks the cutout parameter shape. Only a single dataset id
// and a single stencil are supported for now, and range stencils are not.
func (p *ImageCutoutPolicy) ValidateParams(params json.RawMessage) error {
	parsed, err := ParseCutoutParameters(params)
	if err != nil {
		return models.NewParameterUnsupportedError(err.Error()).At(models.ErrorLocationBody, "parameters")
	}

	if len(parsed.IDs) != 1 {
		return models.NewParameterUnsupportedError("Only one ID supported").At(models.ErrorLocationBody, "parameters")
	}
	if len(parsed.Stencils) != 1 {
		return models.NewParameterUnsupportedError("Only one stencil is supported").At(models.ErrorLocationBody, "parameters")
	}
	if _, ok := parsed.Stencils[0].(*RangeStencil); ok {
		return models.NewParameterUnsupportedError("Range stencils are not supported").At(models.ErrorLocationBody, "parameters")
	}
	return nil
}

// ValidateDestruction rejects the change by returning the stored value
func (p *ImageCutoutPolicy) ValidateDestruction(requested time.Time, job *models.Job) time.Time {
	if !job.DestructionTime.IsZero() {
		return job.DestructionTime
	}
	return requested
}

// ValidateExecutionDuration rejects the change by returning the stored value
func (p *ImageCutoutPolicy) ValidateExecutionDuration(requested int64, job *models.Job) int64 {
	if job.ExecutionDuration > 0 {
		return job.ExecutionDuration
	}
	return requested
}

// Dispatch submits the job to the cutout actor
func (p *ImageCutoutPolicy) Dispatch(ctx context.Context, job *models.Job) (string, error) {
	messageID, err := p.dispatcher.Dispatch(ctx, job)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("job_id", job.JobID).
			Msg("Failed to dispatch cutout job")
		return "", err
	}
	return messageID, nil
}
