// Package worker implements the sandboxed worker process: both the outer
// bootstrap (unshare, fork, uid/gid handshake) and the inner event loop that
// executes compile/run commands inside the finished sandbox.
//
// The two stages are one executable re-exec'd in place (see RunOuter and
// RunInner); they are never built as separate binaries.
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"judgerun/linux"
	"judgerun/protocol"
)

// stageEnvVar distinguishes a re-exec'd inner worker from the top-level
// outer invocation. Its value carries nothing; only presence matters.
const stageEnvVar = "JUDGERUN_WORKER_INNER"

// initEnvVar carries the WorkerInit payload (base64-free, JSON) from the
// outer worker to the inner worker across self-exec, since stdin's first
// line was already consumed by the outer before it knew it needed to fork.
const initEnvVar = "JUDGERUN_WORKER_INIT"

// IsInnerStage reports whether the current process was re-exec'd as the
// inner worker rather than started fresh by the service-side handle.
func IsInnerStage() bool {
	return os.Getenv(stageEnvVar) != ""
}

// reapChildren collects every exited descendant without blocking. The inner
// worker is PID 1 of its namespace, so orphaned grandchildren are reparented
// to it and must be reaped or they accumulate as zombies.
func reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}

// runOne executes argv with stdin fed in, enforcing timeout by killing the
// process group on expiry. It returns a RunResult ready to send back over
// the protocol, never an error for ordinary process failures — only for
// conditions that prevented the command from running at all. cg, when
// non-nil, brackets the run with cpu.stat/memory.events reads so the
// result carries this command's own cpu_ms_delta and
// memory_high_events_delta rather than the leaf's lifetime totals.
func runOne(cmd protocol.RunCmd, cg *linux.Cgroup) (protocol.RunResult, error) {
	if len(cmd.Argv) == 0 {
		return protocol.RunResult{}, fmt.Errorf("empty argv")
	}

	var cpuBeforeUsec, memBeforeEvents int64
	if cg != nil {
		cpuBeforeUsec, _ = cg.GetCPUUsec()
		memBeforeEvents, _ = cg.GetMemoryHighEvents()
	}

	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Stdin = newStdinReader(cmd.Stdin)
	var stdout capBuffer
	if cmd.CaptureStdout {
		stdout.limit = cmd.StdoutCapBytes
		c.Stdout = &stdout
	}
	var stderr tailBuffer
	c.Stderr = &stderr
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := c.Start(); err != nil {
		return protocol.RunResult{}, fmt.Errorf("start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var timedOut bool
	var timer *time.Timer
	if cmd.TimeoutMs > 0 {
		timer = time.NewTimer(time.Duration(cmd.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
	}

	var waitErr error
	if timer != nil {
		select {
		case waitErr = <-done:
		case <-timer.C:
			timedOut = true
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
			waitErr = <-done
		}
	} else {
		waitErr = <-done
	}

	duration := time.Since(start)
	reapChildren()

	exitStatus := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitStatus = 128 + int(ws.Signal())
			} else {
				exitStatus = exitErr.ExitCode()
			}
		} else {
			return protocol.RunResult{}, fmt.Errorf("wait: %w", waitErr)
		}
	}

	var cpuMsDelta, memEventsDelta int64
	if cg != nil {
		if cpuAfterUsec, err := cg.GetCPUUsec(); err == nil {
			cpuMsDelta = (cpuAfterUsec - cpuBeforeUsec) / 1000
		}
		if memAfterEvents, err := cg.GetMemoryHighEvents(); err == nil {
			memEventsDelta = memAfterEvents - memBeforeEvents
		}
	}

	return protocol.RunResult{
		ExitStatus:            exitStatus,
		Stdout:                stdout.String(),
		StderrTail:            stderr.String(),
		DurationMs:            duration.Milliseconds(),
		CpuMsDelta:            cpuMsDelta,
		MemoryHighEventsDelta: memEventsDelta,
		TimedOut:              timedOut,
	}, nil
}
