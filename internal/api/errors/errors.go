// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5/middleware"
)

// Error codes for structured API responses.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// APIError represents a structured API error response.
// Detail repeats Message for clients that read a {"detail": "..."} body.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Detail    string         `json:"detail"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Detail:  message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *APIError {
	return New(CodeUnauthorized, message)
}

// NewPayloadTooLargeError creates an error for oversized request bodies.
func NewPayloadTooLargeError(message string) *APIError {
	return New(CodePayloadTooLarge, message)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// NewServiceUnavailableError creates an error for a disabled or unreachable dependency.
func NewServiceUnavailableError(message string) *APIError {
	return New(CodeServiceUnavailable, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// WriteRequestError writes an APIError tagged with the request's chi request ID.
func WriteRequestError(w http.ResponseWriter, r *http.Request, err *APIError) {
	WriteError(w, err.WithRequestID(middleware.GetReqID(r.Context())))
}

// GetStackTrace returns the current stack trace as a string.
func GetStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ValidationError represents a field-level validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of field-level validation errors.
type ValidationErrors []ValidationError

// Add adds a new validation error for a field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any validation errors.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError converts validation errors to an APIError with field details.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewValidationError("validation failed")
	}

	mainMessage := v[0].Message
	if len(v) > 1 {
		mainMessage = fmt.Sprintf("%s (and %d more errors)", mainMessage, len(v)-1)
	}

	return NewValidationError(mainMessage).WithDetails(map[string]any{
		"fields": v,
	})
}
