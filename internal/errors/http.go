// Package errors defines the JSON error envelope of the HTTP API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Error codes used by the HTTP API.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError as {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusError is an error that carries its HTTP status and code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *StatusError) Error() string {
	return e.Message
}

// NewStatusError creates a StatusError.
func NewStatusError(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// WriteHTTPError writes body with status as JSON.
func WriteHTTPError(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// RespondWithError writes err as a JSON error. A *StatusError keeps its
// status and code; anything else is a 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	body := HTTPError{Code: CodeInternal, Message: err.Error(), RequestID: r.Header.Get("X-Request-ID")}
	status := http.StatusInternalServerError

	var se *StatusError
	if stderrors.As(err, &se) {
		status = se.Status
		body.Code = se.Code
		body.Message = se.Message
		body.Details = se.Details
	}
	WriteHTTPError(w, status, body)
}
