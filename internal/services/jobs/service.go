// -----------------------------------------------------------------------
// Job Service - dispatch and track UWS jobs through their lifecycle
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

// Service orchestrates the job store, the policy hook and the dispatch path.
// Workers never call this layer; they report back through the callback
// actors in callbacks.go, which talk to the store directly.
type Service struct {
	config *common.UWSConfig
	store  interfaces.JobStorage
	policy interfaces.Policy
	signer interfaces.URLSigner
	events interfaces.EventService
	logger arbor.ILogger
}

// NewService creates a new job service
func NewService(
	config *common.UWSConfig,
	store interfaces.JobStorage,
	policy interfaces.Policy,
	signer interfaces.URLSigner,
	events interfaces.EventService,
	logger arbor.ILogger,
) interfaces.JobService {
	return &Service{
		config: config,
		store:  store,
		policy: policy,
		signer: signer,
		events: events,
		logger: logger,
	}
}

// Create validates the parameters and stores a new pending job. This does
// not start execution; that must be requested separately with Start.
func (s *Service) Create(ctx context.Context, user string, params json.RawMessage, runID string) (*models.Job, error) {
	if err := s.policy.ValidateParams(params); err != nil {
		return nil, err
	}

	job := models.NewJob(user, runID, params, s.config.ExecutionDuration, s.config.LifetimeDuration())
	if err := s.store.Add(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.JobID).
		Str("owner", user).
		Msg("Job created")

	s.publish(ctx, interfaces.EventJobCreated, job)
	return job, nil
}

// Start dispatches a pending or held job to the work queue and marks it
// queued. Returns the work queue message id.
func (s *Service) Start(ctx context.Context, user, jobID string) (string, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Owner != user {
		return "", models.NewPermissionDeniedError(fmt.Sprintf("Access to job %s denied", jobID))
	}
	if job.Phase != models.PhasePending && job.Phase != models.PhaseHeld {
		return "", models.NewInvalidPhaseError(fmt.Sprintf("Cannot start job in phase %s", job.Phase))
	}

	messageID, err := s.policy.Dispatch(ctx, job)
	if err != nil {
		return "", err
	}
	if err := s.store.MarkQueued(ctx, jobID, messageID); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("message_id", messageID).
		Msg("Job dispatched")

	job.Phase = models.PhaseQueued
	job.MessageID = messageID
	s.publish(ctx, interfaces.EventJobQueued, job)
	return messageID, nil
}

// Get retrieves a job, optionally long-polling for a phase change. Result
// URLs are rewritten to signed URLs on the way out.
func (s *Service) Get(ctx context.Context, user, jobID string, wait *interfaces.WaitOptions) (*models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != user {
		return nil, models.NewPermissionDeniedError(fmt.Sprintf("Access to job %s denied", jobID))
	}

	// Waiting is only meaningful while the job can still change phase on
	// its own. wait=0 always returns the current snapshot.
	if wait != nil && wait.Wait != 0 && job.Phase.IsActive() {
		job, err = s.pollForChange(ctx, jobID, job, wait)
		if err != nil {
			return nil, err
		}
	}

	for i := range job.Results {
		signed, err := s.signer.Sign(job.Results[i].URL, job.Results[i].MimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to sign result URL for job %s: %w", jobID, err)
		}
		job.Results[i].URL = signed
	}

	return job, nil
}

// pollForChange re-reads the job with exponential backoff until its phase
// diverges from the baseline or the wait deadline passes. Polling the store
// is deliberately simple; revisit if it ever becomes a bottleneck.
func (s *Service) pollForChange(ctx context.Context, jobID string, job *models.Job, wait *interfaces.WaitOptions) (*models.Job, error) {
	seconds := wait.Wait
	if seconds < 0 || seconds > s.config.WaitTimeout {
		seconds = s.config.WaitTimeout
	}
	endTime := time.Now().Add(time.Duration(seconds) * time.Second)

	baseline := wait.WaitPhase
	if baseline == "" {
		baseline = job.Phase
	}

	notDone := func(j *models.Job) bool {
		if wait.WaitForCompletion {
			return j.Phase.IsActive()
		}
		return j.Phase == baseline
	}

	delay := 100 * time.Millisecond
	for notDone(job) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		var err error
		job, err = s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		if !now.Before(endTime) {
			break
		}
		delay = delay * 3 / 2
		if remaining := endTime.Sub(now); delay > remaining {
			delay = remaining
		}
	}

	return job, nil
}

// Update applies the present fields of the patch after clamping them
// through the policy, and returns the job as stored afterwards
func (s *Service) Update(ctx context.Context, user, jobID string, patch *models.JobUpdate) (*models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != user {
		return nil, models.NewPermissionDeniedError(fmt.Sprintf("Access to job %s denied", jobID))
	}

	if patch.DestructionTime != nil {
		accepted := s.policy.ValidateDestruction(*patch.DestructionTime, job)
		if !accepted.Equal(job.DestructionTime) {
			if err := s.store.UpdateDestruction(ctx, jobID, accepted); err != nil {
				return nil, err
			}
			job.DestructionTime = accepted
		}
	}

	if patch.ExecutionDuration != nil {
		if *patch.ExecutionDuration <= 0 {
			return nil, models.NewParameterUnsupportedError("execution_duration must be greater than 0").
				At(models.ErrorLocationBody, "execution_duration")
		}
		accepted := s.policy.ValidateExecutionDuration(*patch.ExecutionDuration, job)
		if accepted != job.ExecutionDuration {
			if err := s.store.UpdateExecutionDuration(ctx, jobID, accepted); err != nil {
				return nil, err
			}
			job.ExecutionDuration = accepted
		}
	}

	return job, nil
}

// List returns brief descriptions of the user's jobs, newest first
func (s *Service) List(ctx context.Context, user string, opts *interfaces.JobListOptions) ([]*models.JobDescription, error) {
	return s.store.List(ctx, user, opts)
}

// Delete removes the job. In-flight work is not cancelled; the work queue
// has no cancellation, so an eventual callback for the deleted id is simply
// dropped by the store.
func (s *Service) Delete(ctx context.Context, user, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Owner != user {
		return models.NewPermissionDeniedError(fmt.Sprintf("Access to job %s denied", jobID))
	}

	if err := s.store.Delete(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("owner", user).
		Msg("Job deleted")

	s.publish(ctx, interfaces.EventJobDeleted, job)
	return nil
}

// GetFirstResult waits for the job to finish and returns the signed URL of
// its first result. This backs the synchronous route.
func (s *Service) GetFirstResult(ctx context.Context, user, jobID string) (string, error) {
	job, err := s.Get(ctx, user, jobID, &interfaces.WaitOptions{
		Wait:              s.config.SyncTimeout,
		WaitForCompletion: true,
	})
	if err != nil {
		return "", err
	}

	if job.Phase != models.PhaseCompleted && job.Phase != models.PhaseError {
		s.warnWithRunID(job, "Job timed out")
		return "", models.NewSyncTimeoutError(fmt.Sprintf("Job did not complete in %ds", s.config.SyncTimeout))
	}
	if job.Error != nil {
		event := s.logger.Warn().
			Str("job_id", job.JobID).
			Str("error_code", job.Error.ErrorCode).
			Str("error", job.Error.Message)
		if job.RunID != "" {
			event = event.Str("run_id", job.RunID)
		}
		event.Msg("Job failed")
		return "", models.NewTaskError(job.Error.ErrorCode, job.Error.Message, job.Error.Detail)
	}
	if len(job.Results) == 0 {
		s.warnWithRunID(job, "Job returned no results")
		return "", models.NewTaskError("no_results", "Job did not return any results", "")
	}

	return job.Results[0].URL, nil
}

// Availability reports whether the underlying store is reachable
func (s *Service) Availability(ctx context.Context) *models.Availability {
	return s.store.Availability(ctx)
}

func (s *Service) warnWithRunID(job *models.Job, msg string) {
	event := s.logger.Warn().Str("job_id", job.JobID)
	if job.RunID != "" {
		event = event.Str("run_id", job.RunID)
	}
	event.Msg(msg)
}

// publish sends a job event to the phase-event stream. Event delivery is
// best effort and never fails the operation that triggered it.
func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, job *models.Job) {
	if s.events == nil {
		return
	}
	event := interfaces.Event{Type: eventType, Payload: job.Description()}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", job.JobID).
			Msg("Failed to publish job event")
	}
}
