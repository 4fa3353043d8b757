// Package httpapi exposes the task submission/introspection API over gin,
// the sole place apierr.Kind maps onto an HTTP status code.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orbitflow/taskengine/internal/apierr"
)

type APIError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Field      string `json:"field,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondErr classifies err by apierr.Kind and writes the matching status and
// envelope. Unrecognized errors are treated as internal (500).
func RespondErr(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	apiErr := &apierr.Error{Reason: err.Error()}
	if e, ok := err.(*apierr.Error); ok {
		apiErr = e
	}

	switch apiErr.Kind {
	case apierr.KindValidation:
		status, code = http.StatusBadRequest, "validation_error"
	case apierr.KindDuplicate:
		status, code = http.StatusConflict, "duplicate_task"
	case apierr.KindNotFound:
		status, code = http.StatusNotFound, "not_found"
	case apierr.KindInvalidTransition:
		status, code = http.StatusConflict, "invalid_transition"
	case apierr.KindConfiguration:
		status, code = http.StatusInternalServerError, "configuration_error"
	case apierr.KindPersistence:
		status, code = http.StatusInternalServerError, "persistence_error"
	case "":
		// non-apierr error, keep the 500 default
	}

	c.JSON(status, ErrorEnvelope{Error: APIError{
		Message:    apiErr.Error(),
		Code:       code,
		Field:      apiErr.Field,
		ExistingID: apiErr.ExistingID,
	}})
}
