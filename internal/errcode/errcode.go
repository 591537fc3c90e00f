// Package errcode defines the closed set of error codes shared by the REST
// and WebSocket error envelopes, and a typed error carrying one.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code surfaced to clients.
type Code string

const (
	CameraOffline      Code = "CAMERA_OFFLINE"
	CameraBusy         Code = "CAMERA_BUSY"
	PhotoFailed        Code = "PHOTO_FAILED"
	CameraTimeout      Code = "CAMERA_TIMEOUT"
	WifiScanFailed     Code = "WIFI_SCAN_FAILED"
	PermissionDenied   Code = "PERMISSION_DENIED"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InvalidParameter   Code = "INVALID_PARAMETER"
	MissingParameter   Code = "MISSING_PARAMETER"
	ValidationFailed   Code = "VALIDATION_FAILED"
	SessionNotFound    Code = "SESSION_NOT_FOUND"
	OperationFailed    Code = "OPERATION_FAILED"
)

// Error is an error tagged with a Code plus the operation and component it
// came from, matching the fields of the external error envelope.
type Error struct {
	Code      Code
	Operation string
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with the given code and message.
func New(code Code, component, operation, message string) *Error {
	return &Error{Code: code, Component: component, Operation: operation, Message: message}
}

// Wrap returns an Error with the given code wrapping err.
func Wrap(code Code, component, operation string, err error) *Error {
	return &Error{Code: code, Component: component, Operation: operation, Message: err.Error(), Err: err}
}

// CodeOf extracts the Code from err, or OperationFailed if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return OperationFailed
}

// Retryable reports whether the code describes a transport-level failure
// that may succeed on retry. Protocol rejections are not retryable.
func Retryable(code Code) bool {
	return code == CameraOffline || code == CameraTimeout
}
