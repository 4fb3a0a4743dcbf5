// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	// Input and configuration errors.
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeMalformedTemp = "MALFORMED_TEMPLATE"

	// Pipeline consistency errors. These abort a run.
	CodeVocabMismatch = "VOCABULARY_MISMATCH"
	CodeTemplateShape = "TEMPLATE_SHAPE"

	// Runtime errors.
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeModelError  = "MODEL_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status used by the CLI for this error.
func (e *AppError) ExitCode() int {
	switch e.Code {
	case CodeValidation, CodeNotFound, CodeMalformedTemp:
		return 2
	case CodeVocabMismatch, CodeTemplateShape:
		return 3
	case CodeUnavailable, CodeTimeout, CodeModelError:
		return 4
	default:
		return 1
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// ModelError creates an error for a failed probe model call.
func ModelError(message string, err error) *AppError {
	return Wrap(CodeModelError, message, err)
}

// VocabularyMismatchError reports a gold object that cannot be scored:
// it does not round-trip through the tokenizer or lies outside the vocabulary subset.
func VocabularyMismatchError(object, reason string) *AppError {
	return New(CodeVocabMismatch, fmt.Sprintf("object label %q %s", object, reason)).
		WithDetail("object", object)
}

// TemplateShapeError reports a distribution tensor of unexpected rank or size.
func TemplateShapeError(message string) *AppError {
	return New(CodeTemplateShape, message)
}

// MalformedTemplateError reports a template missing its subject or object placeholder.
func MalformedTemplateError(template, reason string) *AppError {
	return New(CodeMalformedTemp, reason).WithDetail("template", template)
}

// ConflictError creates a conflict error for a resource already in use.
func ConflictError(message string) *AppError {
	return New(CodeConflict, message)
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return New(CodeTimeout, message)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// IsCode reports whether any error in err's chain is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

// ExitCode returns the CLI exit status for err. Non-AppErrors map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.ExitCode()
	}
	return 1
}
