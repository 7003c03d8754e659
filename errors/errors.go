// Package errors provides typed error handling for the judge run subsystem.
//
// This package defines domain-specific error types that enable better error
// classification, debugging, and caller feedback. All errors support the
// standard errors.Is() and errors.As() functions for error inspection.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound ErrorKind = iota
	// ErrAlreadyExists indicates a resource already exists.
	ErrAlreadyExists
	// ErrInvalidState indicates an operation was attempted in an invalid state.
	ErrInvalidState
	// ErrInvalidConfig indicates a configuration error.
	ErrInvalidConfig
	// ErrPermission indicates a permission error.
	ErrPermission
	// ErrResource indicates a resource allocation or access error.
	ErrResource
	// ErrInternal indicates an internal error.
	ErrInternal

	// ErrAdmissionDenied indicates the manager refused to admit a job.
	ErrAdmissionDenied
	// ErrSandboxSetup indicates the worker failed before reaching Ready.
	ErrSandboxSetup
	// ErrCompileError indicates the submission failed to compile.
	ErrCompileError
	// ErrWorkerCrash indicates the worker exited unexpectedly after Ready.
	ErrWorkerCrash
	// ErrCancelled indicates the job was aborted by the caller or shutdown.
	ErrCancelled
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrInvalidState:
		return "invalid state"
	case ErrInvalidConfig:
		return "invalid config"
	case ErrPermission:
		return "permission denied"
	case ErrResource:
		return "resource error"
	case ErrInternal:
		return "internal error"
	case ErrAdmissionDenied:
		return "admission denied"
	case ErrSandboxSetup:
		return "sandbox setup failed"
	case ErrCompileError:
		return "compile error"
	case ErrWorkerCrash:
		return "worker crashed"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// RunError represents an error that occurred while judging a submission.
type RunError struct {
	// Op is the operation that failed (e.g., "unshare", "mount", "compile").
	Op string
	// UserID is the submitting user, if applicable.
	UserID string
	// ProblemID is the problem being judged, if applicable.
	ProblemID string
	// Err is the underlying error.
	Err error
	// Kind is the error classification.
	Kind ErrorKind
	// Detail provides additional context about the error.
	Detail string
}

// Error returns the error message.
func (e *RunError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.UserID != "" {
		msg = fmt.Sprintf("user %s: ", e.UserID)
	}
	if e.ProblemID != "" {
		msg += fmt.Sprintf("problem %s: ", e.ProblemID)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether the error matches the target.
// It matches if the target is a *RunError with the same Kind,
// or if the underlying error matches.
func (e *RunError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if t, ok := target.(*RunError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new RunError with the given kind.
func New(kind ErrorKind, op string, detail string) *RunError {
	return &RunError{
		Op:     op,
		Kind:   kind,
		Detail: detail,
	}
}

// Wrap wraps an error with run context.
func Wrap(err error, kind ErrorKind, op string) *RunError {
	return &RunError{
		Op:   op,
		Err:  err,
		Kind: kind,
	}
}

// WrapWithUser wraps an error with the submitting user's context.
func WrapWithUser(err error, kind ErrorKind, op string, userID string) *RunError {
	return &RunError{
		Op:     op,
		UserID: userID,
		Err:    err,
		Kind:   kind,
	}
}

// WrapWithDetail wraps an error with additional detail.
func WrapWithDetail(err error, kind ErrorKind, op string, detail string) *RunError {
	return &RunError{
		Op:     op,
		Err:    err,
		Kind:   kind,
		Detail: detail,
	}
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind ErrorKind) bool {
	var rerr *RunError
	if errors.As(err, &rerr) {
		return rerr.Kind == kind
	}
	return false
}

// GetKind returns the error kind if the error is a RunError.
func GetKind(err error) (ErrorKind, bool) {
	var rerr *RunError
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
