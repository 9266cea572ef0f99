package models

import (
	"fmt"
	"net/http"
)

// ErrorLocation names the request component that triggered an error
type ErrorLocation string

const (
	ErrorLocationBody   ErrorLocation = "body"
	ErrorLocationHeader ErrorLocation = "header"
	ErrorLocationPath   ErrorLocation = "path"
	ErrorLocationQuery  ErrorLocation = "query"
)

// Error codes carried as the wire "type" field
const (
	ErrorCodeUnknownJob           = "unknown_job"
	ErrorCodePermissionDenied     = "permission_denied"
	ErrorCodeInvalidPhase         = "invalid_phase_transition"
	ErrorCodeUnsupportedParameter = "unsupported_parameter"
	ErrorCodeSyncTimeout          = "sync_timeout"
	ErrorCodeUnknownError         = "unknown_error"
)

// JobServiceError is the engine's taxonomy error. The HTTP layer recognizes
// it with errors.As and renders the FastAPI-compatible detail envelope;
// location and field may be attached at the boundary so engine errors look
// identical to native validation errors.
type JobServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Location   ErrorLocation
	Field      string
}

func (e *JobServiceError) Error() string {
	return e.Message
}

// At attaches request-location metadata and returns the error for chaining
func (e *JobServiceError) At(location ErrorLocation, field string) *JobServiceError {
	e.Location = location
	e.Field = field
	return e
}

// NewUnknownJobError reports a job id with no stored row
func NewUnknownJobError(jobID string) *JobServiceError {
	return &JobServiceError{
		Code:       ErrorCodeUnknownJob,
		Message:    fmt.Sprintf("Job %s not found", jobID),
		StatusCode: http.StatusNotFound,
		Location:   ErrorLocationPath,
		Field:      "job_id",
	}
}

// NewPermissionDeniedError reports an owner mismatch. Returned instead of
// unknown_job when the job exists so authenticated callers cannot probe for
// other users' job ids, with a deliberately different status code.
func NewPermissionDeniedError(message string) *JobServiceError {
	return &JobServiceError{
		Code:       ErrorCodePermissionDenied,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewInvalidPhaseError reports a transition the state machine does not permit
func NewInvalidPhaseError(message string) *JobServiceError {
	return &JobServiceError{
		Code:       ErrorCodeInvalidPhase,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// NewParameterUnsupportedError reports a parameter shape the policy rejected
func NewParameterUnsupportedError(message string) *JobServiceError {
	return &JobServiceError{
		Code:       ErrorCodeUnsupportedParameter,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// NewSyncTimeoutError reports that the synchronous facade deadline passed
func NewSyncTimeoutError(message string) *JobServiceError {
	return &JobServiceError{
		Code:       ErrorCodeSyncTimeout,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}
