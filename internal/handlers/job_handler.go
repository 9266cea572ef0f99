package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
)

// JobHandler handles the asynchronous job API
type JobHandler struct {
	jobService interfaces.JobService
	basePath   string
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService interfaces.JobService, basePath string, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		basePath:   basePath,
		logger:     logger,
	}
}

// jobCreateRequest is the body of POST {base}/jobs
type jobCreateRequest struct {
	Parameters json.RawMessage `json:"parameters"`
	RunID      string          `json:"run_id"`
	Start      bool            `json:"start"`
}

// jobStartRequest forces job starts to be deliberate JSON POSTs instead of
// bare requests a browser form could be coaxed into sending
type jobStartRequest struct {
	Start bool `json:"start"`
}

// jobUpdateRequest is the body of PATCH {base}/jobs/{id}. Absent fields are
// left unchanged.
type jobUpdateRequest struct {
	DestructionTime   *string `json:"destruction_time"`
	ExecutionDuration *int64  `json:"execution_duration"`
}

// ListJobsHandler returns brief descriptions of the caller's jobs
// GET {base}/jobs?phase=queued&phase=executing&after=2024-01-01T12:00:00Z&last=10
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	opts := &interfaces.JobListOptions{}
	query := r.URL.Query()

	for _, value := range query["phase"] {
		phase, err := models.ParseExecutionPhase(value)
		if err != nil {
			WriteQueryError(w, err.Error(), "phase")
			return
		}
		opts.Phases = append(opts.Phases, phase)
	}

	if after := query.Get("after"); after != "" {
		parsed, err := common.ParseIsodatetime(after)
		if err != nil {
			WriteQueryError(w, err.Error(), "after")
			return
		}
		opts.After = &parsed
	}

	if last := query.Get("last"); last != "" {
		count, err := strconv.Atoi(last)
		if err != nil || count < 1 {
			WriteQueryError(w, "last must be a positive integer", "last")
			return
		}
		opts.Count = count
	}

	jobs, err := h.jobService.List(ctx, user, opts)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*models.JobDescription{}
	}

	WriteJSON(w, http.StatusOK, jobs)
}

// CreateJobHandler creates a new job, optionally starting it immediately
// POST {base}/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	var req jobCreateRequest
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

	if req.Start {
		if _, err := h.jobService.Start(ctx, user, job.JobID); err != nil {
			h.writeJobError(w, err)
			return
		}
		h.logger.Info().Str("job_id", job.JobID).Msg("Started job")
	}

	h.redirectToJob(w, r, job.JobID)
}

// GetJobHandler returns the full job record, optionally long-polling for a
// phase change
// GET {base}/jobs/{id}?wait=30&phase=queued
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	var wait *interfaces.WaitOptions
	if waitStr := query.Get("wait"); waitStr != "" {
		seconds, err := strconv.Atoi(waitStr)
		if err != nil {
			WriteQueryError(w, "wait must be an integer", "wait")
			return
		}
		wait = &interfaces.WaitOptions{Wait: seconds}
	}
	if phaseStr := query.Get("phase"); phaseStr != "" {
		phase, err := models.ParseExecutionPhase(phaseStr)
		if err != nil {
			WriteQueryError(w, err.Error(), "phase")
			return
		}
		if wait != nil {
			wait.WaitPhase = phase
		}
	}

	job, err := h.jobService.Get(ctx, user, jobID, wait)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler removes a job
// DELETE {base}/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	if err := h.jobService.Delete(ctx, user, jobID); err != nil {
		h.writeJobError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Deleted job")
	w.WriteHeader(http.StatusNoContent)
}

// UpdateJobHandler changes the destruction time or execution duration and
// returns the job as stored afterwards
// PATCH {base}/jobs/{id}
func (h *JobHandler) UpdateJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	var req jobUpdateRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	patch := &models.JobUpdate{ExecutionDuration: req.ExecutionDuration}
	if req.DestructionTime != nil {
		parsed, err := common.ParseIsodatetime(*req.DestructionTime)
		if err != nil {
			WriteValidationError(w, err.Error(), "destruction_time")
			return
		}
		patch.DestructionTime = &parsed
	}

	job, err := h.jobService.Update(ctx, user, jobID, patch)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// StartJobHandler queues a pending job for execution
// POST {base}/jobs/{id}/start
func (h *JobHandler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := RequireUser(w, r)
	if !ok {
		return
	}

	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	var req jobStartRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !req.Start {
		WriteValidationError(w, "start must be true", "start")
		return
	}

	if _, err := h.jobService.Start(ctx, user, jobID); err != nil {
		h.writeJobError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Started job")
	h.redirectToJob(w, r, jobID)
}

// jobIDFromPath extracts the job id from {base}/jobs/{id} and
// {base}/jobs/{id}/start paths
func (h *JobHandler) jobIDFromPath(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/start")
	idx := strings.LastIndex(path, "/jobs/")
	if idx < 0 {
		return ""
	}
	return strings.Trim(path[idx+len("/jobs/"):], "/")
}

// redirectToJob sends a 303 to the job resource, built on the external
// scheme and host so the redirect survives the TLS-terminating ingress
func (h *JobHandler) redirectToJob(w http.ResponseWriter, r *http.Request, jobID string) {
	http.Redirect(w, r, RequestBaseURL(r)+h.basePath+"/jobs/"+jobID, http.StatusSeeOther)
}

// writeJobError renders a job-route error, pinning permission failures to
// the job_id path segment so they read like native validation errors
func (h *JobHandler) writeJobError(w http.ResponseWriter, err error) {
	var svcErr *models.JobServiceError
	if errors.As(err, &svcErr) && svcErr.Code == models.ErrorCodePermissionDenied {
		svcErr.At(models.ErrorLocationPath, "job_id")
	}
	WriteServiceError(w, h.logger, err)
}
