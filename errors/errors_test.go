package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected string
	}{
		{ErrNotFound, "not found"},
		{ErrAlreadyExists, "already exists"},
		{ErrInvalidState, "invalid state"},
		{ErrInvalidConfig, "invalid config"},
		{ErrPermission, "permission denied"},
		{ErrResource, "resource error"},
		{ErrInternal, "internal error"},
		{ErrAdmissionDenied, "admission denied"},
		{ErrSandboxSetup, "sandbox setup failed"},
		{ErrCompileError, "compile error"},
		{ErrWorkerCrash, "worker crashed"},
		{ErrCancelled, "cancelled"},
		{ErrorKind(999), "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("ErrorKind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRunError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RunError
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "<nil>",
		},
		{
			name: "full error",
			err: &RunError{
				Op:        "compile",
				UserID:    "u1",
				ProblemID: "p1",
				Kind:      ErrCompileError,
				Detail:    "nonzero exit",
				Err:       fmt.Errorf("exit status 1"),
			},
			expected: "user u1: problem p1: compile: nonzero exit: exit status 1",
		},
		{
			name: "without job context",
			err: &RunError{
				Op:     "setup",
				Kind:   ErrSandboxSetup,
				Detail: "pivot_root failed",
			},
			expected: "setup: pivot_root failed",
		},
		{
			name: "kind only",
			err: &RunError{
				Kind: ErrPermission,
			},
			expected: "permission denied",
		},
		{
			name: "with underlying error",
			err: &RunError{
				Op:   "mount",
				Kind: ErrSandboxSetup,
				Err:  fmt.Errorf("device busy"),
			},
			expected: "mount: sandbox setup failed: device busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("RunError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRunError_Unwrap(t *testing.T) {
	underlying := fmt.Errorf("underlying error")
	err := &RunError{
		Op:   "test",
		Kind: ErrInternal,
		Err:  underlying,
	}

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}

	var nilErr *RunError
	if got := nilErr.Unwrap(); got != nil {
		t.Errorf("nil.Unwrap() = %v, want nil", got)
	}
}

func TestRunError_Is(t *testing.T) {
	err1 := &RunError{Kind: ErrNotFound, Op: "test1"}
	err2 := &RunError{Kind: ErrNotFound, Op: "test2"}
	err3 := &RunError{Kind: ErrPermission, Op: "test3"}

	if !err1.Is(err2) {
		t.Error("err1.Is(err2) should be true (same kind)")
	}
	if err1.Is(err3) {
		t.Error("err1.Is(err3) should be false (different kind)")
	}
	if err1.Is(fmt.Errorf("some error")) {
		t.Error("err1.Is(fmt.Errorf(...)) should be false")
	}

	var nilErr *RunError
	if !nilErr.Is(nil) {
		t.Error("nil.Is(nil) should be true")
	}
}

func TestNew(t *testing.T) {
	err := New(ErrInvalidConfig, "validate", "workers_parent must be absolute")

	if err.Kind != ErrInvalidConfig {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrInvalidConfig)
	}
	if err.Op != "validate" {
		t.Errorf("Op = %q, want %q", err.Op, "validate")
	}
	if err.Detail != "workers_parent must be absolute" {
		t.Errorf("Detail = %q, want %q", err.Detail, "workers_parent must be absolute")
	}
}

func TestWrap(t *testing.T) {
	underlying := fmt.Errorf("permission denied")
	err := Wrap(underlying, ErrPermission, "open file")

	if err.Err != underlying {
		t.Error("Wrapped error should preserve underlying error")
	}
	if err.Kind != ErrPermission {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrPermission)
	}
	if err.Op != "open file" {
		t.Errorf("Op = %q, want %q", err.Op, "open file")
	}
}

func TestWrapWithUser(t *testing.T) {
	underlying := fmt.Errorf("in progress")
	err := WrapWithUser(underlying, ErrAdmissionDenied, "request_job", "alice")

	if err.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", err.UserID, "alice")
	}
}

func TestWrapWithDetail(t *testing.T) {
	underlying := fmt.Errorf("syscall failed")
	err := WrapWithDetail(underlying, ErrSandboxSetup, "filter", "invalid architecture")

	if err.Detail != "invalid architecture" {
		t.Errorf("Detail = %q, want %q", err.Detail, "invalid architecture")
	}
}

func TestIsKind(t *testing.T) {
	err := &RunError{Kind: ErrNotFound}
	wrapped := fmt.Errorf("wrapped: %w", err)

	if !IsKind(err, ErrNotFound) {
		t.Error("IsKind(err, ErrNotFound) should be true")
	}
	if !IsKind(wrapped, ErrNotFound) {
		t.Error("IsKind(wrapped, ErrNotFound) should be true")
	}
	if IsKind(err, ErrPermission) {
		t.Error("IsKind(err, ErrPermission) should be false")
	}
	if IsKind(fmt.Errorf("plain error"), ErrNotFound) {
		t.Error("IsKind(plain error, ErrNotFound) should be false")
	}
}

func TestGetKind(t *testing.T) {
	err := &RunError{Kind: ErrWorkerCrash}
	wrapped := fmt.Errorf("wrapped: %w", err)

	kind, ok := GetKind(err)
	if !ok || kind != ErrWorkerCrash {
		t.Errorf("GetKind(err) = (%v, %v), want (%v, true)", kind, ok, ErrWorkerCrash)
	}

	kind, ok = GetKind(wrapped)
	if !ok || kind != ErrWorkerCrash {
		t.Errorf("GetKind(wrapped) = (%v, %v), want (%v, true)", kind, ok, ErrWorkerCrash)
	}

	_, ok = GetKind(fmt.Errorf("plain error"))
	if ok {
		t.Error("GetKind(plain error) should return false")
	}
}

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *RunError
		kind ErrorKind
	}{
		{"ErrJobNotFound", ErrJobNotFound, ErrNotFound},
		{"ErrJobInProgress", ErrJobInProgress, ErrAdmissionDenied},
		{"ErrUnknownLanguage", ErrUnknownLanguage, ErrAdmissionDenied},
		{"ErrProgramTooLong", ErrProgramTooLong, ErrAdmissionDenied},
		{"ErrWorkerNotReady", ErrWorkerNotReady, ErrInvalidState},
		{"ErrWorkerStopped", ErrWorkerStopped, ErrInvalidState},
		{"ErrInvalidWorkersParent", ErrInvalidWorkersParent, ErrInvalidConfig},
		{"ErrMissingIncludeBin", ErrMissingIncludeBin, ErrInvalidConfig},
		{"ErrUnknownSyscall", ErrUnknownSyscall, ErrInvalidConfig},
		{"ErrNoRunCmd", ErrNoRunCmd, ErrInvalidConfig},
		{"ErrPathTraversal", ErrPathTraversal, ErrInvalidConfig},
		{"ErrSeccompFilter", ErrSeccompFilter, ErrSandboxSetup},
		{"ErrCapabilityDrop", ErrCapabilityDrop, ErrSandboxSetup},
		{"ErrNamespaceSetup", ErrNamespaceSetup, ErrSandboxSetup},
		{"ErrUidGidMap", ErrUidGidMap, ErrSandboxSetup},
		{"ErrRootfsSetup", ErrRootfsSetup, ErrSandboxSetup},
		{"ErrPivotRoot", ErrPivotRoot, ErrSandboxSetup},
		{"ErrMountFailed", ErrMountFailed, ErrSandboxSetup},
		{"ErrCgroupSetup", ErrCgroupSetup, ErrSandboxSetup},
		{"ErrCgroupNotFound", ErrCgroupNotFound, ErrNotFound},
		{"ErrCgroupResource", ErrCgroupResource, ErrSandboxSetup},
		{"ErrProcessStart", ErrProcessStart, ErrInternal},
		{"ErrProcessNotFound", ErrProcessNotFound, ErrNotFound},
		{"ErrSignalFailed", ErrSignalFailed, ErrInternal},
		{"ErrProtocolViolation", ErrProtocolViolation, ErrWorkerCrash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("%s.Kind = %v, want %v", tt.name, tt.err.Kind, tt.kind)
			}
			wrapped := Wrap(fmt.Errorf("underlying"), tt.kind, "test")
			if !errors.Is(wrapped, tt.err) {
				t.Errorf("errors.Is(wrapped, %s) should be true", tt.name)
			}
		})
	}
}

func TestErrorChain(t *testing.T) {
	underlying := fmt.Errorf("file not found")
	err1 := Wrap(underlying, ErrNotFound, "load test case")
	err2 := fmt.Errorf("job operation failed: %w", err1)

	if !errors.Is(err2, ErrJobNotFound) {
		t.Error("errors.Is should find ErrJobNotFound in chain")
	}

	var rerr *RunError
	if !errors.As(err2, &rerr) {
		t.Error("errors.As should find RunError in chain")
	}
	if rerr.Op != "load test case" {
		t.Errorf("rerr.Op = %q, want %q", rerr.Op, "load test case")
	}

	if errors.Unwrap(err1) != underlying {
		t.Error("Unwrap should return underlying error")
	}
}
