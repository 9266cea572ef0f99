package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/models"
)

// errorDetail is one entry of the error envelope. The shape matches native
// request-validation errors so clients parse service errors the same way.
type errorDetail struct {
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
	Loc  []string `json:"loc,omitempty"`
}

type errorEnvelope struct {
	Detail []errorDetail `json:"detail"`
}

// WriteServiceError renders an error from the job service as the wire
// envelope {"detail": [{"msg", "type", "loc"?}]} with its mapped status code.
// Worker failures surface with the worker's error code and a 400; anything
// unrecognized becomes a 500 and is logged.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	var taskErr *models.TaskError
	if errors.As(err, &taskErr) {
		err = taskErr.ServiceError()
	}

	var svcErr *models.JobServiceError
	if errors.As(err, &svcErr) {
		detail := errorDetail{
			Msg:  svcErr.Message,
			Type: svcErr.Code,
		}
		if svcErr.Location != "" && svcErr.Field != "" {
			detail.Loc = []string{string(svcErr.Location), svcErr.Field}
		}
		writeErrorEnvelope(w, svcErr.StatusCode, detail)
		return
	}

	logger.Error().Err(err).Msg("Unhandled error in request handler")
	writeErrorEnvelope(w, http.StatusInternalServerError, errorDetail{
		Msg:  "Internal server error",
		Type: models.ErrorCodeUnknownError,
	})
}

// WriteValidationError renders a 422 for a malformed request body field.
func WriteValidationError(w http.ResponseWriter, msg, field string) {
	writeErrorEnvelope(w, http.StatusUnprocessableEntity, errorDetail{
		Msg:  msg,
		Type: "value_error",
		Loc:  []string{string(models.ErrorLocationBody), field},
	})
}

// WriteQueryError renders a 422 for an unparsable query parameter.
func WriteQueryError(w http.ResponseWriter, msg, param string) {
	writeErrorEnvelope(w, http.StatusUnprocessableEntity, errorDetail{
		Msg:  msg,
		Type: "value_error",
		Loc:  []string{string(models.ErrorLocationQuery), param},
	})
}

func writeErrorEnvelope(w http.ResponseWriter, statusCode int, details ...errorDetail) {
	WriteJSON(w, statusCode, errorEnvelope{Detail: details})
}
