package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeSinkUnavailable ErrorType = "sink_unavailable"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is.
// Sentinels match by identity first so the three token failures stay
// distinguishable; two distinct DomainErrors of the same type only match
// when the target carries no message of its own.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	if e.Type != t.Type {
		return false
	}
	return t.Message == "" || e.Message == t.Message
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrUserNotFound = NewDomainError(ErrorTypeNotFound, "user not found", nil)

	// Validation Errors
	ErrInvalidArgument = NewDomainError(ErrorTypeValidation, "invalid argument", nil)

	// Authentication Errors
	ErrTokenMalformed     = NewDomainError(ErrorTypeUnauthenticated, "token malformed", nil)
	ErrTokenInvalid       = NewDomainError(ErrorTypeUnauthenticated, "token invalid", nil)
	ErrTokenExpired       = NewDomainError(ErrorTypeUnauthenticated, "token expired", nil)
	ErrTokenMissing       = NewDomainError(ErrorTypeUnauthenticated, "token missing", nil)
	ErrInvalidCredentials = NewDomainError(ErrorTypeUnauthenticated, "invalid credentials", nil)
	ErrUserDisabled       = NewDomainError(ErrorTypeUnauthenticated, "user disabled", nil)

	// Permission Errors
	ErrPermissionDenied = NewDomainError(ErrorTypeForbidden, "permission denied", nil)

	// Rate Limit Errors
	ErrRateLimited = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Internal Errors
	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)

	// Audit sink errors never reach the caller
	ErrSinkUnavailable = NewDomainError(ErrorTypeSinkUnavailable, "audit sink unavailable", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthenticatedError checks if an error is an authentication error
func IsUnauthenticatedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthenticated
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsSinkUnavailableError checks if an error came from an unavailable audit sink
func IsSinkUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeSinkUnavailable
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// Wrap returns a copy of the sentinel that wraps cause.
// errors.Is(Wrap(ErrTokenInvalid, cause), ErrTokenInvalid) holds.
func Wrap(sentinel *DomainError, cause error) error {
	return &DomainError{
		Type:    sentinel.Type,
		Message: sentinel.Message,
		Err:     cause,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
