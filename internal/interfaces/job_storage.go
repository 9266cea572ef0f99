package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/laboro/internal/models"
)

// JobListOptions filters the job list. Owner scoping is mandatory and passed
// separately; everything here is optional and predicates are conjunctive.
type JobListOptions struct {
	Phases []models.ExecutionPhase // Restrict to these phases
	After  *time.Time              // Only jobs created after this time
	Count  int                     // Maximum number of jobs returned (0 = no limit)
}

// JobStorage is the transactional store behind the job state machine. All
// operations run with repeatable-read isolation or better. The frontend uses
// the full surface; worker callbacks use only MarkStarted, MarkCompleted and
// MarkErrored.
type JobStorage interface {
	// Add persists a new pending job and assigns its monotonic job id
	Add(ctx context.Context, job *models.Job) error

	// Get loads the full job including parameters and results
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// List returns brief descriptions for the owner's jobs, newest first
	// (creation time, then job id as a tie-breaker)
	List(ctx context.Context, owner string, opts *JobListOptions) ([]*models.JobDescription, error)

	// Delete removes the job and everything attached to it
	Delete(ctx context.Context, jobID string) error

	// ListExpired returns the ids of jobs whose destruction time is at or
	// before the given instant, oldest ids first. Used by the maintenance
	// sweep; not exposed to clients.
	ListExpired(ctx context.Context, before time.Time) ([]string, error)

	// UpdateDestruction and UpdateExecutionDuration are single-field updates
	// usable at any phase
	UpdateDestruction(ctx context.Context, jobID string, destruction time.Time) error
	UpdateExecutionDuration(ctx context.Context, jobID string, seconds int64) error

	// MarkQueued transitions pending or held to queued and records the work
	// queue message id. Idempotent for the same (job id, message id) pair.
	MarkQueued(ctx context.Context, jobID, messageID string) error

	// MarkStarted transitions to executing and records the start time. A
	// mismatched message id or a phase past executing is a no-op.
	MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error

	// MarkCompleted transitions to completed, recording the end time and the
	// ordered result list atomically. No-op on mismatch or terminal phase.
	MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []models.JobResult) error

	// MarkErrored transitions to error, recording the end time and the
	// structured failure. No-op on mismatch or terminal phase.
	MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobError *models.JobError) error

	// Availability probes the store with a trivial read round-trip
	Availability(ctx context.Context) *models.Availability
}
