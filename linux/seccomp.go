package linux

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF opcodes used to build the seccomp filter program. These are not
// exposed by golang.org/x/sys/unix, so they are named directly from
// linux/filter.h/linux/bpf_common.h.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00
)

const (
	offsetNR   = 0 // seccomp_data.nr
	offsetArch = 4 // seccomp_data.arch
)

const (
	auditArchX86_64  = 0xc000003e
	auditArchAARCH64 = 0xc00000b7
)

const (
	seccompRetKillProcess = 0x80000000
	seccompRetTrap        = 0x00030000
	seccompRetErrno       = 0x00050000
	seccompRetLog         = 0x7ffc0000
	seccompRetAllow       = 0x7fff0000
)

// MismatchKind is the action taken on a syscall outside the allow-list.
type MismatchKind string

const (
	MismatchKill  MismatchKind = "kill"
	MismatchLog   MismatchKind = "log"
	MismatchErrno MismatchKind = "errno"
	MismatchTrap  MismatchKind = "trap"
)

// MismatchAction is IsolationConfig.seccomp.mismatch_action.
type MismatchAction struct {
	Kind  MismatchKind
	Errno int // only meaningful when Kind == MismatchErrno
}

func (a MismatchAction) ret() (uint32, error) {
	switch a.Kind {
	case MismatchKill, "":
		return seccompRetKillProcess, nil
	case MismatchLog:
		return seccompRetLog, nil
	case MismatchTrap:
		return seccompRetTrap, nil
	case MismatchErrno:
		return seccompRetErrno | uint32(a.Errno&0xffff), nil
	default:
		return 0, fmt.Errorf("unknown mismatch action %q", a.Kind)
	}
}

// nativeAuditArch returns the audit architecture value for the running
// architecture; the sandbox only supports x86_64 and aarch64 per scope.
func nativeAuditArch() (uint32, error) {
	switch runtime.GOARCH {
	case "amd64":
		return auditArchX86_64, nil
	case "arm64":
		return auditArchAARCH64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", runtime.GOARCH)
	}
}

// KnownSyscall reports whether name is in the syscall table this compiler
// knows how to filter. Configuration validation (manager.New / config.Load)
// must reject unknown names outright — this module never silently degrades
// to "no filter" the way a best-effort container runtime might, because a
// sandbox with no seccomp filter installed at all is not an acceptable
// fallback for running arbitrary submitted code.
func KnownSyscall(name string) bool {
	_, ok := syscallMap[name]
	return ok
}

// CompileFilter builds a BPF program that allows exactly the named
// syscalls on the native architecture and applies action to everything
// else. It returns an error if any name is unrecognized — there is no
// partial/best-effort filter mode.
func CompileFilter(allowed []string, action MismatchAction) ([]unix.SockFilter, error) {
	var unknown []string
	for _, name := range allowed {
		if !KnownSyscall(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown syscalls in allow-list: %v", unknown)
	}

	defaultRet, err := action.ret()
	if err != nil {
		return nil, err
	}
	arch, err := nativeAuditArch()
	if err != nil {
		return nil, err
	}

	var filter []unix.SockFilter

	// Architecture gate: kill immediately if this isn't the arch we compiled for.
	filter = append(filter, stmt(bpfLD|bpfW|bpfABS, offsetArch))
	filter = append(filter, jump(bpfJMP|bpfJEQ|bpfK, arch, 1, 0))
	filter = append(filter, stmt(bpfRET|bpfK, seccompRetKillProcess))

	// Syscall number gate: one equality check per allowed syscall.
	filter = append(filter, stmt(bpfLD|bpfW|bpfABS, offsetNR))
	for _, name := range allowed {
		nr := syscallMap[name]
		filter = append(filter, jump(bpfJMP|bpfJEQ|bpfK, uint32(nr), 0, 1))
		filter = append(filter, stmt(bpfRET|bpfK, seccompRetAllow))
	}
	filter = append(filter, stmt(bpfRET|bpfK, defaultRet))

	return filter, nil
}

// LoadFilter installs a compiled filter via prctl(PR_SET_SECCOMP). Callers
// must have already set no_new_privs (step 8 requires this ordering; the
// kernel refuses an unprivileged filter load otherwise).
func LoadFilter(filter []unix.SockFilter) error {
	if len(filter) == 0 {
		return fmt.Errorf("empty seccomp filter")
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL,
		uintptr(unix.PR_SET_SECCOMP),
		uintptr(unix.SECCOMP_MODE_FILTER),
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %w", errno)
	}
	return nil
}

// EncodeFilter serializes a compiled filter to the flat byte form sock_filter
// uses on the wire (8 bytes per instruction: code, jt, jf, k), so the manager
// can ship a pre-compiled filter to a worker over the JSON protocol without
// re-running CompileFilter inside the sandbox.
func EncodeFilter(filter []unix.SockFilter) []byte {
	out := make([]byte, 0, len(filter)*8)
	for _, f := range filter {
		var b [8]byte
		b[0], b[1] = byte(f.Code), byte(f.Code>>8)
		b[2] = f.Jt
		b[3] = f.Jf
		b[4], b[5], b[6], b[7] = byte(f.K), byte(f.K>>8), byte(f.K>>16), byte(f.K>>24)
		out = append(out, b[:]...)
	}
	return out
}

// DecodeFilter reverses EncodeFilter.
func DecodeFilter(b []byte) ([]unix.SockFilter, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("malformed filter bytes: length %d not a multiple of 8", len(b))
	}
	filter := make([]unix.SockFilter, 0, len(b)/8)
	for i := 0; i < len(b); i += 8 {
		code := uint16(b[i]) | uint16(b[i+1])<<8
		k := uint32(b[i+4]) | uint32(b[i+5])<<8 | uint32(b[i+6])<<16 | uint32(b[i+7])<<24
		filter = append(filter, unix.SockFilter{Code: code, Jt: b[i+2], Jf: b[i+3], K: k})
	}
	return filter, nil
}

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// syscallMap maps syscall names to their numbers on the running
// architecture. The tables live in the seccomp_table_* files, selected by
// build tag, because the numbering schemes genuinely differ: aarch64 uses
// the generic 64-bit table and never assigned the legacy path-based calls
// (open, stat, pipe, fork, ...), so an allow-list naming one of those
// fails validation there instead of silently filtering the wrong numbers.
