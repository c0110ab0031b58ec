// Package errors defines unified error types for image-generation operations.
// All provider-specific errors are mapped to these standard error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// GenError represents a standardized error from an image-generation provider.
// It contains all necessary information for error handling, logging, and
// fallback classification.
type GenError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GenError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GenError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContentPolicy      = "content_policy_violation"
)

// NewAuthenticationError creates an authentication error (401).
// Not retryable: a rejected credential fails identically on every profile.
func NewAuthenticationError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewContentPolicyError creates a content policy violation error (400).
// Not retryable: the prompt itself is refused, every profile will refuse it.
func NewContentPolicyError(provider, model, message string) *GenError {
	return &GenError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContentPolicy,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// IsTransient reports whether the error justifies trying the next fallback
// profile. Unknown error shapes are treated as transient so a flaky network
// failure on one provider does not abort the whole chain.
func IsTransient(err error) bool {
	var genErr *GenError
	if errors.As(err, &genErr) {
		return genErr.Retryable
	}
	return true
}

// IsTerminal reports whether the error should stop the fallback chain
// immediately (invalid credential, policy violation, malformed request).
func IsTerminal(err error) bool {
	return !IsTransient(err)
}
