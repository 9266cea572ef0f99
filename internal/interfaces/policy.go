package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/laboro/internal/models"
)

// Policy is the service-specific hook consulted by the job service. It owns
// parameter validation, clamping of client-requested timing changes, and the
// translation of a job into a work-queue submission. Implementations must be
// safe for concurrent use and must not retain the job pointer.
type Policy interface {
	// ValidateParams checks creation parameters before a job is stored
	ValidateParams(params json.RawMessage) error

	// ValidateDestruction clamps a requested destruction time. Returning
	// the job's stored value rejects the change.
	ValidateDestruction(requested time.Time, job *models.Job) time.Time

	// ValidateExecutionDuration clamps a requested duration in seconds
	ValidateExecutionDuration(requested int64, job *models.Job) int64

	// Dispatch submits the job to the work queue and returns the message id
	Dispatch(ctx context.Context, job *models.Job) (string, error)
}
