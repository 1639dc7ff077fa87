package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/coordinator"
)

// APIError is the OpenAI-style error object.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, e APIError) {
	writeJSON(w, status, errorBody{Error: e})
}

// statusFor maps coordinator and manager errors to HTTP statuses.
func statusFor(err error) (int, APIError) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownWorkflow):
		return http.StatusNotFound, APIError{Message: err.Error(), Type: "invalid_request_error", Param: "model", Code: "model_not_found"}
	case errors.Is(err, coordinator.ErrNoMessages):
		return http.StatusBadRequest, APIError{Message: err.Error(), Type: "invalid_request_error", Param: "messages"}
	case errors.Is(err, convoflow.ErrThreadBusy):
		return http.StatusConflict, APIError{Message: "a turn is already running on this thread", Type: "conflict_error", Code: "thread_busy"}
	default:
		return http.StatusInternalServerError, APIError{Message: err.Error(), Type: "server_error"}
	}
}

func validationError(err error) APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return APIError{Message: err.Error(), Type: "invalid_request_error"}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), describe(fe)))
	}
	return APIError{
		Message: strings.Join(msgs, "; "),
		Type:    "invalid_request_error",
		Param:   verrs[0].Field(),
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("minimum length is %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("validation failed: %s", fe.Tag())
	}
}
