package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/localflowhq/localflow/internal/chat"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/tools"
)

// errorBody is the envelope every error response carries. ErrorCode is a
// stable function of the status so clients can switch on it.
type errorBody struct {
	Detail    string   `json:"detail"`
	ErrorCode string   `json:"error_code"`
	Errors    []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	case http.StatusBadGateway:
		return "LLM_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}

func writeError(w http.ResponseWriter, status int, detail string, errs []string) {
	writeJSON(w, status, errorBody{Detail: detail, ErrorCode: codeForStatus(status), Errors: errs})
}

// mapError translates service errors into the HTTP envelope.
func mapError(w http.ResponseWriter, err error) {
	var conflict *domain.ConflictError
	var invalid *domain.InvalidError
	var schema *tools.InvalidInputError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Reason, nil)
	case errors.As(err, &schema):
		writeError(w, http.StatusBadRequest, "Tool input failed schema validation", schema.Errors)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Reason, nil)
	case errors.Is(err, tools.ErrUnknownTool):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, chat.ErrLLMFailed):
		writeError(w, http.StatusBadGateway, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
	}
}
