package types

import "fmt"

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Pipeline error codes. Everything except synthesis failure and cancellation
// is recovered locally and never surfaces to the caller as a hard error.
const (
	ErrClassificationFailure ErrorCode = "CLASSIFICATION_FAILURE"
	ErrRetrievalFailure      ErrorCode = "RETRIEVAL_FAILURE"
	ErrWebSearchFailure      ErrorCode = "WEB_SEARCH_FAILURE"
	ErrSynthesisFailure      ErrorCode = "SYNTHESIS_FAILURE"
	ErrCacheCorruption       ErrorCode = "CACHE_CORRUPTION"
	ErrQueryCancelled        ErrorCode = "QUERY_CANCELLED"
	ErrSessionStore          ErrorCode = "SESSION_STORE"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrInternalError         ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Stage     string    `json:"stage,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStage records which pipeline stage produced the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsFatal reports whether the error must terminate the stream: only a
// synthesis failure or caller-side cancellation end a query early.
func IsFatal(err error) bool {
	switch GetErrorCode(err) {
	case ErrSynthesisFailure, ErrQueryCancelled:
		return true
	}
	return false
}
