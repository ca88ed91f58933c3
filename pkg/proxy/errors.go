package proxy

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// HandlerError is a classified error raised by a handler or by the wrapper itself.
// Its Code is passed through to the orchestrator unchanged.
type HandlerError struct {
	// Code is the taxonomy code reported to the orchestrator.
	Code HandlerErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ResourceType is the resource type being handled, if known.
	ResourceType string `json:"resource_type,omitempty"`

	// Identifier is the primary identifier of the affected resource, if known.
	Identifier string `json:"identifier,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	msg := e.Message
	if e.ResourceType != "" && e.Identifier != "" {
		msg = fmt.Sprintf("%s (resource_type=%s, identifier=%s)", msg, e.ResourceType, e.Identifier)
	} else if e.ResourceType != "" {
		msg = fmt.Sprintf("%s (resource_type=%s)", msg, e.ResourceType)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *HandlerError) Is(target error) bool {
	t, ok := target.(*HandlerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Class returns the retry classification of the error.
func (e *HandlerError) Class() ErrorClass {
	return e.Code.Class()
}

// NewHandlerError creates a new classified handler error.
func NewHandlerError(code HandlerErrorCode, message string, err error) *HandlerError {
	return &HandlerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewTerminalError creates an InternalFailure error for faults the wrapper cannot recover from.
func NewTerminalError(message string, err error) *HandlerError {
	return NewHandlerError(ErrorCodeInternalFailure, message, err)
}

// NewNotFoundError creates a NotFound error for a resource.
func NewNotFoundError(resourceType, identifier string) *HandlerError {
	return &HandlerError{
		Code:         ErrorCodeNotFound,
		Message:      "Resource not found",
		ResourceType: resourceType,
		Identifier:   identifier,
	}
}

// NewAlreadyExistsError creates an AlreadyExists error for a resource.
func NewAlreadyExistsError(resourceType, identifier string) *HandlerError {
	return &HandlerError{
		Code:         ErrorCodeAlreadyExists,
		Message:      "Resource already exists",
		ResourceType: resourceType,
		Identifier:   identifier,
	}
}

// NewNotStabilizedError creates a NotStabilized error for a resource.
func NewNotStabilizedError(resourceType, identifier string, err error) *HandlerError {
	return &HandlerError{
		Code:         ErrorCodeNotStabilized,
		Message:      "Resource did not stabilize",
		ResourceType: resourceType,
		Identifier:   identifier,
		Err:          err,
	}
}

// NewThrottlingError creates a Throttling error.
func NewThrottlingError(message string, err error) *HandlerError {
	return NewHandlerError(ErrorCodeThrottling, message, err)
}

// WithResourceType adds resource type context to an error.
func (e *HandlerError) WithResourceType(resourceType string) *HandlerError {
	e.ResourceType = resourceType
	return e
}

// WithIdentifier adds resource identifier context to an error.
func (e *HandlerError) WithIdentifier(identifier string) *HandlerError {
	e.Identifier = identifier
	return e
}

// ServiceError is returned by downstream service clients. The wrapper maps it to
// GeneralServiceException.
type ServiceError struct {
	// Service is the name of the downstream service.
	Service string `json:"service"`

	// StatusCode is the status code returned by the service, if any.
	StatusCode int `json:"status_code,omitempty"`

	// RequestID is the downstream request identifier, if any.
	RequestID string `json:"request_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s returned status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// CodeOf returns the taxonomy code carried by err, and false if err is unclassified.
func CodeOf(err error) (HandlerErrorCode, bool) {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Code, true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return ErrorCodeGeneralServiceException, true
	}
	return "", false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	return code.Class() != ErrorClassPermanent
}
