package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTool       Kind = "tool"
	KindUnexpected Kind = "unexpected"
)

// ErrorClassifier allows errors to declare their classification.
type ErrorClassifier interface {
	ErrorKind() Kind
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrorKind implements ErrorClassifier.
func (e *ValidationError) ErrorKind() Kind { return KindValidation }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a responsibility is already in flight. Never retried.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrorKind implements ErrorClassifier.
func (e *ConflictError) ErrorKind() Kind { return KindConflict }

// NewConflictError builds a ConflictError.
func NewConflictError(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ToolError reports a failed external capability. Retryable tool errors are
// redelivered by the queue until the retry policy is exhausted.
type ToolError struct {
	Tool      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Tool == "" {
		return msg
	}
	return e.Tool + ": " + msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *ToolError) ErrorKind() Kind { return KindTool }

// NewToolError builds a retryable ToolError.
func NewToolError(tool, message string, err error) *ToolError {
	return &ToolError{Tool: tool, Message: message, Err: err, Retryable: true}
}

// NewPermanentToolError builds a ToolError that is never retried.
func NewPermanentToolError(tool, message string, err error) *ToolError {
	return &ToolError{Tool: tool, Message: message, Err: err}
}

// UnexpectedError wraps a programming or environment fault caught at a task boundary.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	if e.Err == nil {
		return "unexpected error"
	}
	return "unexpected error: " + e.Err.Error()
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier.
func (e *UnexpectedError) ErrorKind() Kind { return KindUnexpected }

// KindOf returns the classification of err. Unclassified errors are unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return KindUnexpected
}

// IsRetryable reports whether the queue should redeliver a task that failed with err.
func IsRetryable(err error) bool {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	return false
}
