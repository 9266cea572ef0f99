package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/models"
)

// ClampPolicy accepts any parameters and bounds timing changes at configured
// maxima instead of freezing them. Callers may shorten a job but not extend
// it past the limits.
type ClampPolicy struct {
	MaxDestructionOffset time.Duration
	MaxExecutionDuration int64
	Dispatcher           JobDispatcher
}

// ValidateParams accepts every parameter shape
func (p *ClampPolicy) ValidateParams(params json.RawMessage) error {
	return nil
}

// ValidateDestruction clamps the request to now plus the configured offset
func (p *ClampPolicy) ValidateDestruction(requested time.Time, job *models.Job) time.Time {
	maximum := common.Now().Add(p.MaxDestructionOffset)
	if requested.After(maximum) {
		return maximum
	}
	return requested
}

// ValidateExecutionDuration clamps the request to the configured maximum
func (p *ClampPolicy) ValidateExecutionDuration(requested int64, job *models.Job) int64 {
	if requested > p.MaxExecutionDuration {
		return p.MaxExecutionDuration
	}
	return requested
}

// Dispatch forwards to the configured dispatcher
func (p *ClampPolicy) Dispatch(ctx context.Context, job *models.Job) (string, error) {
	return p.Dispatcher.Dispatch(ctx, job)
}
