package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorCode is one of the taxonomy's stable, user-visible failure codes.
type ErrorCode string

const (
	ErrCodeFileNotFound     ErrorCode = "FILE_NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeTooManyFiles     ErrorCode = "TOO_MANY_FILES"
	ErrCodeNoSpaceLeft      ErrorCode = "NO_SPACE_LEFT"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeParseError       ErrorCode = "PARSE_ERROR"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeValidationError  ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnknownError     ErrorCode = "UNKNOWN_ERROR"
	ErrCodeIncompatible     ErrorCode = "INCOMPATIBLE"
	ErrCodeCancelled        ErrorCode = "CANCELLED"
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCodeDependencyFailed ErrorCode = "DEPENDENCY_FAILED"
	ErrCodeLockExpired      ErrorCode = "LOCK_EXPIRED"
)

// nonRetryable holds the codes that must never be retried regardless of
// RetryConfig.RetryableErrorCodes.
var nonRetryable = map[ErrorCode]struct{}{
	ErrCodePermissionDenied: {},
	ErrCodeParseError:       {},
	ErrCodeValidationError:  {},
	ErrCodeFileNotFound:     {},
	ErrCodeCancelled:        {},
	ErrCodeQueueFull:        {},
	ErrCodeIncompatible:     {},
	ErrCodeLockExpired:      {},
	ErrCodeDependencyFailed: {},
}

// Retryable reports whether code may ever be retried, independent of any
// configured allow-list — it only rules out the codes the spec fixes as
// always-terminal.
func (c ErrorCode) Retryable() bool {
	_, never := nonRetryable[c]
	return !never
}

// CodedError wraps an underlying cause with a stable, taxonomy-level code.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Code extracts the ErrorCode carried by err, defaulting to UNKNOWN_ERROR
// when err does not wrap a CodedError.
func Code(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeUnknownError
}

// NewCodedError constructs a CodedError, annotating err with code.
func NewCodedError(code ErrorCode, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// Sentinel base errors used with fmt.Errorf("...: %w", ErrX) at call sites
// that want errors.Is matching without allocating a CodedError.
var (
	ErrValidation      = errors.New("validation error")
	ErrIncompatible    = errors.New("worker incompatible with task")
	ErrLockConflict    = errors.New("lock conflict")
	ErrLockExpired     = errors.New("lock expired")
	ErrQueueFull       = errors.New("task queue full")
	ErrCancelled       = errors.New("task cancelled")
	ErrDependencyCycle = errors.New("dependency cycle detected")
	ErrUnknownTask     = errors.New("unknown task id")
	ErrNotCancellable  = errors.New("task not in a cancellable state")
	ErrShutdown        = errors.New("orchestrator is shutting down")
)
