// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Job and worker lifecycle errors.
var (
	// ErrJobNotFound indicates no job is tracked for a user.
	ErrJobNotFound = &RunError{
		Kind:   ErrNotFound,
		Detail: "job not found",
	}

	// ErrJobInProgress indicates the user already has an active job.
	ErrJobInProgress = &RunError{
		Kind:   ErrAdmissionDenied,
		Detail: "job already in progress for this user",
	}

	// ErrUnknownLanguage indicates the requested language is not configured.
	ErrUnknownLanguage = &RunError{
		Kind:   ErrAdmissionDenied,
		Detail: "unknown language",
	}

	// ErrProgramTooLong indicates the submitted program exceeds max_program_length.
	ErrProgramTooLong = &RunError{
		Kind:   ErrAdmissionDenied,
		Detail: "program exceeds maximum length",
	}

	// ErrWorkerNotReady indicates an operation was attempted before Ready.
	ErrWorkerNotReady = &RunError{
		Kind:   ErrInvalidState,
		Detail: "worker is not ready",
	}

	// ErrWorkerStopped indicates the worker handle has already been torn down.
	ErrWorkerStopped = &RunError{
		Kind:   ErrInvalidState,
		Detail: "worker already stopped",
	}
)

// Configuration and validation errors.
var (
	// ErrInvalidWorkersParent indicates isolation.workers_parent is invalid.
	ErrInvalidWorkersParent = &RunError{
		Kind:   ErrInvalidConfig,
		Detail: "invalid workers_parent directory",
	}

	// ErrMissingIncludeBin indicates a configured include_bins entry is missing on the host.
	ErrMissingIncludeBin = &RunError{
		Kind:   ErrInvalidConfig,
		Detail: "include_bins binary not found",
	}

	// ErrUnknownSyscall indicates a seccomp allow-list entry names an unrecognized syscall.
	ErrUnknownSyscall = &RunError{
		Kind:   ErrInvalidConfig,
		Detail: "unknown syscall name in seccomp allow-list",
	}

	// ErrNoRunCmd indicates a language is missing its required run command.
	ErrNoRunCmd = &RunError{
		Kind:   ErrInvalidConfig,
		Detail: "language has no run command",
	}
)

// Security-related errors.
var (
	// ErrPathTraversal indicates a path traversal attempt was detected.
	ErrPathTraversal = &RunError{
		Kind:   ErrInvalidConfig,
		Detail: "path traversal detected",
	}

	// ErrSeccompFilter indicates a seccomp filter error.
	ErrSeccompFilter = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to apply seccomp filter",
	}

	// ErrCapabilityDrop indicates the runner-user privilege drop failed.
	ErrCapabilityDrop = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to drop privileges",
	}
)

// Namespace and mount errors.
var (
	// ErrNamespaceSetup indicates a namespace setup error.
	ErrNamespaceSetup = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to setup namespace",
	}

	// ErrUidGidMap indicates the newuidmap/newgidmap handshake failed.
	ErrUidGidMap = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to populate uid/gid map",
	}

	// ErrRootfsSetup indicates sandbox root or mount tree construction failed.
	ErrRootfsSetup = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to setup sandbox root",
	}

	// ErrPivotRoot indicates a pivot_root (or chroot fallback) error.
	ErrPivotRoot = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to pivot_root",
	}

	// ErrMountFailed indicates a bind-mount error while populating the sandbox tree.
	ErrMountFailed = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to mount",
	}
)

// Cgroup errors.
var (
	// ErrCgroupSetup indicates a cgroup setup error.
	ErrCgroupSetup = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to setup cgroup",
	}

	// ErrCgroupNotFound indicates the cgroup leaf was not found.
	ErrCgroupNotFound = &RunError{
		Kind:   ErrNotFound,
		Detail: "cgroup leaf not found",
	}

	// ErrCgroupResource indicates a cgroup resource limit write failed.
	ErrCgroupResource = &RunError{
		Kind:   ErrSandboxSetup,
		Detail: "failed to apply resource limits",
	}
)

// Process and IPC errors.
var (
	// ErrProcessStart indicates a process start error.
	ErrProcessStart = &RunError{
		Kind:   ErrInternal,
		Detail: "failed to start process",
	}

	// ErrProcessNotFound indicates the process was not found.
	ErrProcessNotFound = &RunError{
		Kind:   ErrNotFound,
		Detail: "process not found",
	}

	// ErrSignalFailed indicates a signal delivery error.
	ErrSignalFailed = &RunError{
		Kind:   ErrInternal,
		Detail: "failed to send signal",
	}

	// ErrProtocolViolation indicates a malformed or out-of-order IPC message.
	ErrProtocolViolation = &RunError{
		Kind:   ErrWorkerCrash,
		Detail: "protocol violation on worker channel",
	}
)
