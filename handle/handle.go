// Package handle implements the service-side worker handle: it spawns the
// worker subprocess outside the sandbox, drives the UID/GID-map handshake,
// materialises the sandbox root and cgroup leaf, and frames the
// line-delimited JSON protocol to it.
package handle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"judgerun/errors"
	"judgerun/job"
	"judgerun/linux"
	"judgerun/logging"
	"judgerun/protocol"
)

// stagingDirSuffix names the host-side directory the user's program is
// written to before the worker ever starts. It is bind-mounted into the
// sandbox at /home/runner; a plain post-Ready write into the sandbox root
// would be invisible to the worker once its mount namespace has gone
// private and tmpfs is mounted over the root.
const stagingDirSuffix = ".src"

// gracePeriod bounds how long Stop/cancellation waits for a cooperative
// exit before the handle escalates to SIGKILL.
const gracePeriod = 3 * time.Second

// Options configures a new worker handle.
type Options struct {
	// ExecPath is the running executable, re-exec'd as the worker's own
	// outer stage via the self-exec child mode.
	ExecPath string
	// WorkerArg is the CLI flag/subcommand selecting the worker mode.
	WorkerArg string

	WorkersParent   string
	CgroupParent    string
	Isolation       job.IsolationConfig
	SeccompBPF      []byte
	MemoryHighBytes int64

	Logger *slog.Logger
}

// Handle owns one worker subprocess end to end: its sandbox root, cgroup
// leaf, staging directory, and framed IPC endpoints. Destroy tears down
// everything it owns; it is always safe to call more than once.
type Handle struct {
	id          string
	sandboxRoot string
	stagingDir  string
	cgroup      *linux.Cgroup

	// cmd is the outer worker, which exits right after the UID/GID-map
	// handshake. innerPID is the long-lived inner worker — the PID carried
	// by RequestUidGidMap — and is the process Stop/killProcessGroup must
	// actually signal; the outer is long dead by then.
	cmd      *exec.Cmd
	innerPID int
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	enc      *protocol.Encoder
	dec      *protocol.Decoder

	logger *slog.Logger

	mu        sync.Mutex
	stopped   bool
	destroyed bool
}

// New spawns a worker subprocess and drives it through
// Spawned→WaitingForUidMapRequest→MappingUids→WaitingForReady→Ready. It
// returns only once Ready has been observed (or a terminal error has
// been classified).
func New(ctx context.Context, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	id := uuid.NewString()
	sandboxRoot := filepath.Join(opts.WorkersParent, id)
	stagingDir := sandboxRoot + stagingDirSuffix

	if err := os.MkdirAll(sandboxRoot, 0755); err != nil {
		return nil, errors.WrapWithDetail(errors.ErrRootfsSetup, errors.ErrSandboxSetup, "handle.New", err.Error())
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, errors.WrapWithDetail(errors.ErrRootfsSetup, errors.ErrSandboxSetup, "handle.New", err.Error())
	}

	var cgroupPath string
	var cg *linux.Cgroup
	if opts.CgroupParent != "" {
		if len(opts.Isolation.CPUControllers) > 0 {
			if err := enableParentControllers(opts.CgroupParent, opts.Isolation.CPUControllers); err != nil {
				// The delegated parent may already have them enabled, or
				// delegation may not cover subtree_control; the leaf's own
				// limit writes will fail loudly if a controller is truly
				// missing.
				logger.Warn("enable cgroup controllers", slog.String("error", err.Error()))
			}
		}
		cgroupPath = filepath.Join(opts.CgroupParent, id)
		var err error
		cg, err = linux.NewCgroup(cgroupPath)
		if err != nil {
			os.RemoveAll(sandboxRoot)
			os.RemoveAll(stagingDir)
			return nil, errors.WrapWithDetail(errors.ErrCgroupSetup, errors.ErrSandboxSetup, "handle.New", err.Error())
		}
	}

	h := &Handle{
		id:          id,
		sandboxRoot: sandboxRoot,
		stagingDir:  stagingDir,
		cgroup:      cg,
		logger:      logging.WithOperation(logger, "worker_handle").With(slog.String("worker_id", id)),
	}

	if err := h.spawn(ctx, opts); err != nil {
		h.Destroy()
		return nil, err
	}

	init := protocol.WorkerInit{
		Isolation:  h.resolveIsolation(opts),
		SeccompBPF: opts.SeccompBPF,
		CgroupPath: cgroupPath,
	}
	if err := h.enc.Send(protocol.TypeWorkerInit, init); err != nil {
		h.Destroy()
		return nil, errors.Wrap(err, errors.ErrSandboxSetup, "handle.New: send WorkerInit")
	}

	if err := h.runHandshake(); err != nil {
		h.Destroy()
		return nil, err
	}

	h.logger.Info("worker ready")
	return h, nil
}

// enableParentControllers writes the configured controller set to the
// delegated parent's subtree_control so each worker's leaf can use them.
func enableParentControllers(parent string, controllers []string) error {
	pcg, err := linux.NewCgroup(parent)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(controllers))
	for _, c := range controllers {
		parts = append(parts, "+"+c)
	}
	return pcg.EnableControllers(strings.Join(parts, " "))
}

// resolveIsolation appends the program staging bind mount and translates
// include_bins into read-only, exec-allowed directory bind mounts so a
// compiled or interpreted program can invoke tools on PATH.
func (h *Handle) resolveIsolation(opts Options) protocol.Isolation {
	mounts := make([]protocol.BindMount, 0, len(opts.Isolation.BindMounts)+len(opts.Isolation.IncludeBins)+1)
	for _, m := range opts.Isolation.BindMounts {
		mounts = append(mounts, protocol.BindMount{
			Src: m.Src, Dst: m.Dst, ReadOnly: m.ReadOnly,
			NoExec: m.NoExec, NoSuid: m.NoSuid, NoDev: m.NoDev,
		})
	}
	for _, bin := range opts.Isolation.IncludeBins {
		dir := filepath.Dir(bin)
		mounts = append(mounts, protocol.BindMount{
			Src: dir, Dst: dir, ReadOnly: true, NoExec: false, NoSuid: true, NoDev: true,
		})
	}
	// The program staging directory becomes /home/runner; it must allow
	// both writes (compiler output) and exec (running the result).
	mounts = append(mounts, protocol.BindMount{
		Src: h.stagingDir, Dst: "home/runner", ReadOnly: false, NoExec: false, NoSuid: true, NoDev: true,
	})

	return protocol.Isolation{
		SandboxRoot:   h.sandboxRoot,
		WorkersParent: opts.WorkersParent,
		IncludeBins:   opts.Isolation.IncludeBins,
		BindMounts:    mounts,
		MemoryHigh:    opts.MemoryHighBytes,
	}
}

func (h *Handle) spawn(ctx context.Context, opts Options) error {
	cmd := exec.CommandContext(ctx, opts.ExecPath, opts.WorkerArg)
	cmd.Stderr = os.Stderr // the only unstructured channel; never parsed, see protocol.

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.WrapWithDetail(errors.ErrProcessStart, errors.ErrSandboxSetup, "handle.spawn", err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WrapWithDetail(errors.ErrProcessStart, errors.ErrSandboxSetup, "handle.spawn", err.Error())
	}
	if err := cmd.Start(); err != nil {
		return errors.WrapWithDetail(errors.ErrProcessStart, errors.ErrSandboxSetup, "handle.spawn", err.Error())
	}

	h.cmd = cmd
	h.stdin = stdin
	h.stdout = stdout
	h.enc = protocol.NewEncoder(stdin)
	h.dec = protocol.NewDecoder(stdout)
	return nil
}

// runHandshake drives the outer worker's UID/GID map request and waits for
// Ready. A process exit or InternalError observed before Ready is a fatal
// sandbox setup error.
func (h *Handle) runHandshake() error {
	for {
		env, err := h.dec.Next()
		if err == io.EOF {
			return errors.Wrap(h.waitExitErr(), errors.ErrSandboxSetup, "handle.runHandshake")
		}
		if err != nil {
			return errors.WrapWithDetail(errors.ErrProtocolViolation, errors.ErrSandboxSetup, "handle.runHandshake", err.Error())
		}

		switch env.Type {
		case protocol.TypeRequestUidGidMap:
			var req protocol.RequestUidGidMap
			if err := protocol.Decode(env, &req); err != nil {
				return errors.WrapWithDetail(errors.ErrProtocolViolation, errors.ErrSandboxSetup, "handle.runHandshake", err.Error())
			}
			h.innerPID = req.ChildPID
			if err := idMapHelpers(req.ChildPID); err != nil {
				return err
			}
			if err := h.enc.Send(protocol.TypeUidGidMapReady, protocol.UidGidMapReady{}); err != nil {
				return errors.Wrap(err, errors.ErrSandboxSetup, "handle.runHandshake: send UidGidMapReady")
			}
		case protocol.TypeReady:
			return nil
		case protocol.TypeInternalError:
			var ie protocol.InternalError
			_ = protocol.Decode(env, &ie)
			return errors.New(errors.ErrSandboxSetup, "handle.runHandshake:"+ie.Stage, ie.Detail)
		default:
			return errors.WrapWithDetail(errors.ErrProtocolViolation, errors.ErrSandboxSetup, "handle.runHandshake",
				fmt.Sprintf("unexpected message %s before Ready", env.Type))
		}
	}
}

func (h *Handle) waitExitErr() error {
	if h.cmd == nil {
		return fmt.Errorf("worker process missing")
	}
	err := h.cmd.Wait()
	if err == nil {
		return fmt.Errorf("worker exited before Ready")
	}
	return fmt.Errorf("worker exited before Ready: %w", err)
}

// WriteProgram writes source to the staging directory under fileName,
// where the worker's /home/runner bind mount will expose it.
func (h *Handle) WriteProgram(fileName, source string) error {
	path := filepath.Join(h.stagingDir, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "handle.WriteProgram")
	}
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "handle.WriteProgram")
	}
	return nil
}

// SandboxRoot exposes the worker's sandbox root for diagnostics.
func (h *Handle) SandboxRoot() string { return h.sandboxRoot }

// RunCmd sends one RunCmd and returns its matching RunResult. The handle
// guarantees strict request/response alternation by construction: callers
// (the job engine) never issue a second RunCmd before this one returns.
// A service-side wall-clock safety net slightly larger than the requested
// timeout guards against a worker that never replies at all.
func (h *Handle) RunCmd(ctx context.Context, cmd protocol.RunCmd) (protocol.RunResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || h.destroyed {
		return protocol.RunResult{}, errors.Wrap(errors.ErrWorkerStopped, errors.ErrInvalidState, "handle.RunCmd")
	}

	if err := h.enc.Send(protocol.TypeRunCmd, cmd); err != nil {
		return protocol.RunResult{}, errors.Wrap(err, errors.ErrWorkerCrash, "handle.RunCmd: send")
	}

	deadline := time.Duration(cmd.TimeoutMs)*time.Millisecond + gracePeriod
	resultCh := make(chan protocol.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		env, err := h.dec.Next()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- env
	}()

	select {
	case <-ctx.Done():
		return protocol.RunResult{}, ctx.Err()
	case <-time.After(deadline):
		h.killProcessGroup()
		return protocol.RunResult{}, errors.New(errors.ErrWorkerCrash, "handle.RunCmd", "wall-clock safety net exceeded")
	case err := <-errCh:
		return protocol.RunResult{}, errors.Wrap(err, errors.ErrWorkerCrash, "handle.RunCmd: read")
	case env := <-resultCh:
		switch env.Type {
		case protocol.TypeRunResult:
			var result protocol.RunResult
			if err := protocol.Decode(env, &result); err != nil {
				return protocol.RunResult{}, errors.WrapWithDetail(errors.ErrProtocolViolation, errors.ErrWorkerCrash, "handle.RunCmd", err.Error())
			}
			return result, nil
		case protocol.TypeInternalError:
			var ie protocol.InternalError
			_ = protocol.Decode(env, &ie)
			return protocol.RunResult{}, errors.New(errors.ErrWorkerCrash, "handle.RunCmd:"+ie.Stage, ie.Detail)
		default:
			return protocol.RunResult{}, errors.WrapWithDetail(errors.ErrProtocolViolation, errors.ErrWorkerCrash, "handle.RunCmd",
				fmt.Sprintf("unexpected message %s", env.Type))
		}
	}
}

// Stop asks the worker to exit cleanly, waiting up to gracePeriod before
// escalating to SIGKILL of the inner worker's process group. Idempotent:
// a second Stop is a no-op.
//
// The wait polls the inner worker's PID rather than h.cmd: the outer
// worker exited right after the UID/GID handshake, and the inner is not
// this process's child, so there is nothing to waitpid on.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if h.enc != nil {
		_ = h.enc.Send(protocol.TypeStop, protocol.Stop{})
	}

	err := h.awaitInnerExit(ctx, gracePeriod)
	if err != nil || h.innerAlive() {
		h.killProcessGroup()
		// SIGKILL cannot be blocked; give the kernel a moment to reap so
		// Destroy does not pull the sandbox root out from under a process
		// that is still technically alive.
		_ = h.awaitInnerExit(context.Background(), time.Second)
	}

	// The outer worker has been a zombie since the handshake; reaping it
	// here (not earlier) matters because cmd.Wait closes the pipe ends the
	// inner worker's protocol stream runs over.
	if h.cmd != nil {
		_ = h.cmd.Wait()
	}
	return err
}

// innerAlive reports whether the inner worker process still exists on the
// host. Signal 0 probes for existence without delivering anything.
func (h *Handle) innerAlive() bool {
	if h.innerPID == 0 {
		return false
	}
	return unix.Kill(h.innerPID, 0) != unix.ESRCH
}

// awaitInnerExit polls until the inner worker is gone, the grace period
// lapses, or ctx is cancelled. It returns nil when the worker exited in
// time and ctx.Err() on cancellation; a lapsed grace period returns nil
// with the worker still alive (the caller checks innerAlive).
func (h *Handle) awaitInnerExit(ctx context.Context, grace time.Duration) error {
	deadline := time.Now().Add(grace)
	for h.innerAlive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// killProcessGroup SIGKILLs the inner worker's whole process group (the
// inner worker leads its own group), plus the outer worker on the off
// chance Stop ran before the handshake finished.
func (h *Handle) killProcessGroup() {
	if h.innerPID != 0 {
		_ = unix.Kill(-h.innerPID, unix.SIGKILL)
		_ = unix.Kill(h.innerPID, unix.SIGKILL)
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// Destroy tears down everything the handle owns: it stops the worker if
// still running, then removes the sandbox root, staging directory, and
// cgroup leaf. Safe to call more than once and after a failed New.
func (h *Handle) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.mu.Unlock()

	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.Stop(context.Background())
	}
	if h.cgroup != nil {
		_ = h.cgroup.Destroy()
	}
	if h.sandboxRoot != "" {
		os.RemoveAll(h.sandboxRoot)
	}
	if h.stagingDir != "" {
		os.RemoveAll(h.stagingDir)
	}
	if h.logger != nil {
		h.logger.Info("worker destroyed")
	}
}
