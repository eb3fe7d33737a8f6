package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error is the structured error type for sagequery.
// It carries the context needed for error handling, logging, and the
// caller-visible error kinds of the query/ingest APIs.
type Error struct {
	// Code is the unique error code (e.g. "ERR_401_BAD_INPUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, Upstream, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message. Returns nil for nil.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// BadInput creates a caller-input validation error.
func BadInput(message string) *Error {
	return New(CodeBadInput, message, nil)
}

// BadVector creates an error for non-finite or mis-dimensioned embeddings.
func BadVector(message string) *Error {
	return New(CodeBadVector, message, nil)
}

// Duplicate creates an error for re-ingest of an already-ready source hash.
func Duplicate(hash string) *Error {
	return Newf(CodeDuplicateSource, "source with hash %s is already ready", hash).
		WithDetail("hash", hash)
}

// EmbeddingUnavailable wraps an exhausted-retries embedding failure.
func EmbeddingUnavailable(cause error) *Error {
	return New(CodeEmbeddingUnavailable, "embedding service unavailable", cause)
}

// GenerationUnavailable wraps a generator transport failure.
func GenerationUnavailable(cause error) *Error {
	return New(CodeGenerationUnavailable, "generation service unavailable", cause)
}

// StoreUnavailable wraps a chunk store read/write failure.
func StoreUnavailable(cause error) *Error {
	return New(CodeStoreUnavailable, "chunk store unavailable", cause)
}

// Transient wraps a cache miss/failure. These are reclassified internally
// and never surface to callers.
func Transient(cause error) *Error {
	return New(CodeTransient, "transient failure", cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsCancelled reports whether the error stems from request cancellation.
// Cancellation is propagated as the raw context error; it is never wrapped
// in an *Error so that callers can rely on errors.Is.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// GetCode extracts the error code. Returns empty string for foreign errors.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}
