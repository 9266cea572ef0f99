package models

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// TaskErrorType is the envelope type under which workers report structured
// failures. Any other envelope type is treated as an unclassified crash.
const TaskErrorType = "TaskError"

// TaskError is a worker-reported failure. Workers raise it with a structured
// code so the failure survives the work queue's string-only error envelope;
// Error() returns the JSON encoding for exactly that reason.
type TaskError struct {
	ErrorCode string  `json:"error_code"`
	Message   string  `json:"message"`
	Detail    *string `json:"detail"`
}

// NewTaskError creates a worker failure with an optional extended detail
func NewTaskError(errorCode, message, detail string) *TaskError {
	e := &TaskError{ErrorCode: errorCode, Message: message}
	if detail != "" {
		e.Detail = &detail
	}
	return e
}

// Error returns the JSON encoding so the structured fields round-trip
// through a string-only failure envelope.
func (e *TaskError) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(data)
}

// TaskErrorFromCallback reconstitutes a worker failure from the two-string
// envelope delivered by the work queue:
//
//  1. A TaskError envelope whose message parses as the JSON encoding keeps
//     its structured fields.
//  2. A TaskError envelope with an unparseable message keeps the message
//     under the unknown_error code.
//  3. Any other envelope type becomes unknown_error with the type and
//     message preserved in the detail.
func TaskErrorFromCallback(envelopeType, envelopeMessage string) *TaskError {
	if envelopeType == TaskErrorType {
		var decoded struct {
			ErrorCode *string `json:"error_code"`
			Message   *string `json:"message"`
			Detail    *string `json:"detail"`
		}
		if err := json.Unmarshal([]byte(envelopeMessage), &decoded); err == nil &&
			decoded.ErrorCode != nil && decoded.Message != nil {
			return &TaskError{
				ErrorCode: *decoded.ErrorCode,
				Message:   *decoded.Message,
				Detail:    decoded.Detail,
			}
		}
		return &TaskError{ErrorCode: ErrorCodeUnknownError, Message: envelopeMessage}
	}
	detail := fmt.Sprintf("%s: %s", envelopeType, envelopeMessage)
	return &TaskError{
		ErrorCode: ErrorCodeUnknownError,
		Message:   "Unknown error executing task",
		Detail:    &detail,
	}
}

// JobError converts to the form stored on the job row
func (e *TaskError) JobError() *JobError {
	jobErr := &JobError{
		ErrorCode: e.ErrorCode,
		Message:   e.Message,
	}
	if e.Detail != nil {
		jobErr.Detail = *e.Detail
	}
	return jobErr
}

// ServiceError converts to the taxonomy error surfaced by the synchronous
// facade: the wire type is the worker's error code and the message carries
// the detail when present.
func (e *TaskError) ServiceError() *JobServiceError {
	message := e.Message
	if e.Detail != nil {
		message = fmt.Sprintf("%s: %s", e.Message, *e.Detail)
	}
	return &JobServiceError{
		Code:       e.ErrorCode,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}
