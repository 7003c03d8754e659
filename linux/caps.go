package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	prSetKeepCaps   = unix.PR_SET_KEEPCAPS
	prSetNoNewPrivs = unix.PR_SET_NO_NEW_PRIVS
	prSetDumpable   = unix.PR_SET_DUMPABLE
)

// DropToRunner performs the sandbox recipe's step 7: drop from root (uid/gid
// 0 inside the namespace) to the runner user (uid/gid 1). The order matters:
// setuid first would drop CAP_SETGID, so gid is dropped before uid.
func DropToRunner() error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetKeepCaps, 0, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_KEEPCAPS): %w", errno)
	}
	if err := unix.Setgroups([]int{1}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(1, 1, 1); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(1, 1, 1); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// Harden performs the sandbox recipe's step 8's non-seccomp half:
// no_new_privs (required before an unprivileged seccomp load) and disabling
// ptrace/core-dump attachment via PR_SET_DUMPABLE.
func Harden() error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetNoNewPrivs, 1, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetDumpable, 0, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_DUMPABLE): %w", errno)
	}
	return nil
}
