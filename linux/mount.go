package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mount flags used while building the sandbox mount tree.
const (
	MS_PRIVATE = unix.MS_PRIVATE
	MS_REC     = unix.MS_REC
	MS_BIND    = unix.MS_BIND
	MS_RDONLY  = unix.MS_RDONLY
	MS_NOSUID  = unix.MS_NOSUID
	MS_NODEV   = unix.MS_NODEV
	MS_NOEXEC  = unix.MS_NOEXEC
	MS_REMOUNT = unix.MS_REMOUNT
)

// BindMount describes one entry of IsolationConfig.bind_mounts (see
// protocol.BindMount, which is the wire shape of the same data).
type BindMount struct {
	Src      string
	Dst      string // relative to the sandbox root; defaults to Src if empty
	ReadOnly bool
	NoExec   bool
	NoSuid   bool
	NoDev    bool
}

// remountFlags returns the bind's remount flags per the recipe's step 5:
// [nodev]|[nosuid]|[noexec]|[ro]|private, each optional flag taken straight
// from the entry's fields. The no_suid/no_dev defaults are applied when the
// configuration is loaded, not here.
func (m BindMount) remountFlags() uintptr {
	flags := uintptr(MS_BIND | MS_REMOUNT | MS_PRIVATE)
	if m.NoDev {
		flags |= MS_NODEV
	}
	if m.NoSuid {
		flags |= MS_NOSUID
	}
	if m.NoExec {
		flags |= MS_NOEXEC
	}
	if m.ReadOnly {
		flags |= MS_RDONLY
	}
	return flags
}

// MakeMountPrivate makes the whole mount tree private (rprivate on "/"),
// the first half of the recipe's step 4.
func MakeMountPrivate() error {
	if err := unix.Mount("", "/", "", MS_REC|MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount tree private: %w", err)
	}
	return nil
}

// MountSandboxRoot mounts a mode-0755 tmpfs at path and chdirs into it. The
// directory itself is expected to already exist (materialised by the
// service-side handle before the worker was spawned).
func MountSandboxRoot(path string) error {
	if err := unix.Mount("tmpfs", path, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("mount sandbox root tmpfs: %w", err)
	}
	if err := os.Chdir(path); err != nil {
		return fmt.Errorf("chdir sandbox root: %w", err)
	}
	return nil
}

// autoDevices are the device surrogates auto-bound from the host by step 5,
// each with noexec,nosuid,nodev,ro.
var autoDevices = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}

// PopulateMounts creates and binds every configured mount plus the fixed
// device surrogates, a fresh procfs, the /dev symlinks, /tmp, /dev/shm, and
// /home/runner — the whole of the recipe's step 5. sandboxRoot is the
// directory the worker has already chdir'd into (still pre-chroot, so
// targets are built as sandboxRoot-relative absolute paths).
func PopulateMounts(sandboxRoot string, mounts []BindMount) error {
	for _, m := range mounts {
		dst := m.Dst
		if dst == "" {
			dst = m.Src
		}
		if err := bindOne(sandboxRoot, m.Src, dst, m); err != nil {
			return err
		}
	}

	for _, dev := range autoDevices {
		m := BindMount{Src: dev, Dst: dev, ReadOnly: true, NoExec: true, NoSuid: true, NoDev: true}
		if err := bindOne(sandboxRoot, dev, dev, m); err != nil {
			return fmt.Errorf("bind device %s: %w", dev, err)
		}
	}

	if err := mountProc(sandboxRoot); err != nil {
		return err
	}
	if err := devSymlinks(sandboxRoot); err != nil {
		return err
	}
	if err := scratchDirs(sandboxRoot); err != nil {
		return err
	}
	return nil
}

func bindOne(sandboxRoot, src, relDst string, m BindMount) error {
	dst := filepath.Join(sandboxRoot, relDst)

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat bind source %s: %w", src, err)
	}

	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dst, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("mkdir parent of %s: %w", dst, err)
		}
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("create bind target %s: %w", dst, err)
		}
		f.Close()
	}

	if err := unix.Mount(src, dst, "", MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, dst, err)
	}
	if err := unix.Mount("", dst, "", m.remountFlags(), ""); err != nil {
		return fmt.Errorf("remount %s: %w", dst, err)
	}
	return nil
}

func mountProc(sandboxRoot string) error {
	dst := filepath.Join(sandboxRoot, "proc")
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", dst, "proc", MS_NOSUID|MS_NOEXEC|MS_NODEV, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

func devSymlinks(sandboxRoot string) error {
	links := map[string]string{
		"dev/fd":     "/proc/self/fd",
		"dev/stdin":  "/proc/self/fd/0",
		"dev/stdout": "/proc/self/fd/1",
		"dev/stderr": "/proc/self/fd/2",
	}
	for rel, target := range links {
		link := filepath.Join(sandboxRoot, rel)
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return fmt.Errorf("mkdir parent of %s: %w", link, err)
		}
		os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("symlink %s: %w", link, err)
		}
	}
	return nil
}

func scratchDirs(sandboxRoot string) error {
	tmp := filepath.Join(sandboxRoot, "tmp")
	if err := os.MkdirAll(tmp, 0777); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := os.Chmod(tmp, 0777|os.ModeSticky); err != nil {
		return fmt.Errorf("chmod tmp: %w", err)
	}

	shm := filepath.Join(sandboxRoot, "dev", "shm")
	if err := os.MkdirAll(shm, 0777); err != nil {
		return fmt.Errorf("mkdir dev/shm: %w", err)
	}
	if err := os.Chmod(shm, 0777|os.ModeSticky); err != nil {
		return fmt.Errorf("chmod dev/shm: %w", err)
	}

	home := filepath.Join(sandboxRoot, "home", "runner")
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("mkdir home/runner: %w", err)
	}
	if err := os.Chown(home, 1, 1); err != nil {
		return fmt.Errorf("chown home/runner: %w", err)
	}
	return nil
}

// PivotRoot performs pivot_root into the sandbox root (step 6), falling back
// to chroot when pivot_root is unavailable (e.g. some rootless hosts).
func PivotRoot(sandboxRoot string) error {
	oldRoot := filepath.Join(sandboxRoot, ".old_root")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir old root: %w", err)
	}

	if err := unix.PivotRoot(sandboxRoot, oldRoot); err != nil {
		return chrootFallback(sandboxRoot)
	}

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	os.RemoveAll("/.old_root")
	return nil
}

func chrootFallback(sandboxRoot string) error {
	if err := unix.Chroot(sandboxRoot); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}
