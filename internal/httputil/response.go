// Package httputil provides HTTP response and request helpers shared by handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/astroforum/service_layer/internal/errors"
	"github.com/astroforum/service_layer/internal/logging"
)

const maxJSONBodyBytes = 1 << 20

// ErrorResponse is the JSON body written for every error.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorResponse writes a structured error, including the request trace ID.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteError writes a structured error without request context.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteErrorResponse(w, nil, status, http.StatusText(status), message, nil)
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "forbidden"
	}
	WriteError(w, http.StatusForbidden, message)
}

// WriteServiceError writes err as a structured error response.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err *errors.ServiceError) {
	WriteErrorResponse(w, r, err.HTTPStatus, string(err.Code), err.Message, err.Details)
}

// ServiceUnavailable writes a 503 with a Retry-After hint so clients back off
// instead of retrying immediately.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string, cause error, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteServiceError(w, r, errors.ServiceUnavailable(message, cause))
}

// DecodeJSON decodes the request body into v. On failure it writes a 400 and
// returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// RequireAdminRole writes a 403 unless the caller carries the admin role.
func RequireAdminRole(w http.ResponseWriter, r *http.Request) bool {
	if logging.GetRole(r.Context()) != "admin" {
		Forbidden(w, "admin role required")
		return false
	}
	return true
}
