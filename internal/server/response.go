// Package server provides the HTTP API and WebSocket surface of the
// camera control service.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub002/internal/errcode"
)

// ErrorBody is the error payload shared by REST responses and WebSocket
// error envelopes.
type ErrorBody struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Operation string `json:"operation,omitempty"`
	Component string `json:"component,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// errorEnvelope is the error message format shared by WebSocket frames
// and REST responses.
type errorEnvelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Error     ErrorBody `json:"error"`
}

// errorBody extracts the structured fields from err.
func errorBody(err error) ErrorBody {
	body := ErrorBody{
		Message: err.Error(),
		Code:    string(errcode.CodeOf(err)),
	}
	var tagged *errcode.Error
	if errors.As(err, &tagged) {
		body.Message = tagged.Message
		if body.Message == "" && tagged.Err != nil {
			body.Message = tagged.Err.Error()
		}
		body.Operation = tagged.Operation
		body.Component = tagged.Component
	}
	return body
}

// httpStatus maps error codes to HTTP status codes. Client mistakes are
// 400, missing resources 404, a missing camera 503, everything else 500.
func httpStatus(code errcode.Code) int {
	switch code {
	case errcode.InvalidParameter, errcode.MissingParameter, errcode.ValidationFailed:
		return http.StatusBadRequest
	case errcode.SessionNotFound:
		return http.StatusNotFound
	case errcode.CameraOffline, errcode.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case errcode.CameraTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// JSON sends a JSON response.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends a structured error response with the status implied by the
// error's code. The body is the same envelope WebSocket clients receive.
func Error(w http.ResponseWriter, err error) {
	JSON(w, httpStatus(errcode.CodeOf(err)), errorEnvelope{
		Type:      "error",
		Timestamp: time.Now(),
		Error:     errorBody(err),
	})
}
