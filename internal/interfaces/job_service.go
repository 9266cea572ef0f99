package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/laboro/internal/models"
)

// WaitOptions controls long-polling in JobService.Get. A nil *WaitOptions
// means return immediately.
type WaitOptions struct {
	// Wait is the maximum seconds to block; negative means the configured
	// maximum, zero returns after a single read
	Wait int

	// WaitPhase is the baseline phase for the poll; empty means the phase
	// observed on the first read
	WaitPhase models.ExecutionPhase

	// WaitForCompletion polls until the job leaves the active phases rather
	// than until it leaves the baseline phase
	WaitForCompletion bool
}

// JobService orchestrates the job store, the policy hook and the dispatcher.
// Every method scopes access to the calling user; touching another user's job
// fails with a permission error.
type JobService interface {
	// Create validates parameters through the policy and stores a new
	// pending job with configured destruction and duration defaults
	Create(ctx context.Context, user string, params json.RawMessage, runID string) (*models.Job, error)

	// Start dispatches a pending or held job to the work queue, marks it
	// queued and returns the queue message id
	Start(ctx context.Context, user, jobID string) (string, error)

	// Get loads the job, optionally long-polling for a phase change, and
	// rewrites result URLs through the signer before returning
	Get(ctx context.Context, user, jobID string, wait *WaitOptions) (*models.Job, error)

	// Update applies the present fields of the patch, clamped through the
	// policy, and returns the job as stored afterwards
	Update(ctx context.Context, user, jobID string, patch *models.JobUpdate) (*models.Job, error)

	// List returns brief descriptions of the user's jobs, newest first
	List(ctx context.Context, user string, opts *JobListOptions) ([]*models.JobDescription, error)

	// Delete removes the job
	Delete(ctx context.Context, user, jobID string) error

	// GetFirstResult blocks until the job finishes and returns the signed
	// URL of its first result. This backs the synchronous endpoint.
	GetFirstResult(ctx context.Context, user, jobID string) (string, error)

	// Availability reports whether the underlying store is reachable
	Availability(ctx context.Context) *models.Availability
}
