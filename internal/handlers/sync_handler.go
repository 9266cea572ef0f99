package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/interfaces"
)

// SyncHandler handles the synchronous facade over the async job engine
type SyncHandler struct {
	jobService interfaces.JobService
	logger     arbor.ILogger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(jobService interfaces.JobService, logger arbor.ILogger) *SyncHandler {
	return &SyncHandler{
		jobService: jobService,
		logger:     logger,
	}
}

// syncRequest is the body of POST {base}/sync
type syncRequest struct {
	Parameters json.RawMessage `json:"parameters"`
	RunID      string          `json:"run_id"`
}

// SyncJobHandler creates a job, starts it, waits for the first result and
// redirects to its signed URL. Failures and timeouts surface as the job's
// error rather than a job resource the caller would have to poll.
// POST {base}/sync
func (h *SyncHandler) SyncJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req.Parameters) == 0 {
		WriteValidationError(w, "Field required", "parameters")
		return
	}

	job, err := h.jobService.Create(ctx, user, req.Parameters, req.RunID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	event := h.logger.Info().Str("job_id", job.JobID)
	if job.RunID != "" {
		event = event.Str("run_id", job.RunID)
	}
	event.Msg("Created job")

	if _, err := h.jobService.Start(ctx, user, job.JobID); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.logger.Info().Str("job_id", job.JobID).Msg("Started job")

	url, err := h.jobService.GetFirstResult(ctx, user, job.JobID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	http.Redirect(w, r, url, http.StatusSeeOther)
}
