// Package linux provides the Linux-specific isolation primitives the sandbox
// recipe is built from: namespace unsharing, mount tree construction, seccomp
// BPF compilation and load, and cgroup v2 resource control.
//
// The recipe is a fixed, ordered sequence driven by the worker process;
// each step depends on the one before it:
//
//  1. unshare user/mount/PID/net/UTS/IPC/cgroup namespaces in one call
//  2. fork, so the PID namespace takes effect on the child
//  3. populate the uid/gid maps from outside, then setresuid/gid(0) inside
//  4. make the mount tree private and mount tmpfs on the sandbox root
//  5. populate bind mounts, device surrogates, procfs, and scratch dirs
//  6. pivot_root (or chroot) into the sandbox root
//  7. drop to the runner user (gid before uid)
//  8. set no_new_privs, clear dumpable, load the seccomp filter
//
// This package exposes the steps as primitives rather than policy; the
// worker package sequences them.
package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Namespace clone/unshare flags. CLONE_NEWCGROUP has no syscall package
// constant on most Go versions, so it is named explicitly.
const (
	CLONE_NEWNS     = unix.CLONE_NEWNS
	CLONE_NEWUTS    = unix.CLONE_NEWUTS
	CLONE_NEWIPC    = unix.CLONE_NEWIPC
	CLONE_NEWPID    = unix.CLONE_NEWPID
	CLONE_NEWNET    = unix.CLONE_NEWNET
	CLONE_NEWUSER   = unix.CLONE_NEWUSER
	CLONE_NEWCGROUP = 0x02000000
)

// SandboxNamespaces is the fixed set unshared in one call per the sandbox
// recipe's step 1: user, mount, PID, net, UTS, IPC, cgroup.
const SandboxNamespaces = CLONE_NEWUSER | CLONE_NEWNS | CLONE_NEWPID |
	CLONE_NEWNET | CLONE_NEWUTS | CLONE_NEWIPC | CLONE_NEWCGROUP

// Unshare enters all sandbox namespaces in a single unshare(2) call, per the
// recipe's requirement to minimise the window during which the outer worker
// straddles both the host and the new namespaces.
func Unshare() error {
	if err := unix.Unshare(SandboxNamespaces); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}
	return nil
}

// SetResUID sets the real, effective, and saved UID.
func SetResUID(uid int) error {
	return unix.Setresuid(uid, uid, uid)
}

// SetResGID sets the real, effective, and saved GID.
func SetResGID(gid int) error {
	return unix.Setresgid(gid, gid, gid)
}

// SetHostname sets the hostname in the UTS namespace.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	return unix.Sethostname([]byte(hostname))
}
