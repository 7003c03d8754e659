package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"judgerun/linux"
	"judgerun/protocol"
)

// RunOuter is the entry point for the freshly spawned worker process, before
// it has unshared namespaces or forked. It reads WorkerInit, unshares, and
// self-execs the inner worker, which becomes PID 1 of the new PID namespace.
// The outer process never touches user code and exits once the handoff
// completes.
func RunOuter(in io.Reader, out io.Writer) error {
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	env, err := dec.Next()
	if err != nil {
		return fmt.Errorf("read WorkerInit: %w", err)
	}
	if env.Type != protocol.TypeWorkerInit {
		return fmt.Errorf("expected WorkerInit, got %s", env.Type)
	}
	var init protocol.WorkerInit
	if err := protocol.Decode(env, &init); err != nil {
		return err
	}

	initJSON, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("marshal WorkerInit for handoff: %w", err)
	}

	if err := linux.Unshare(); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}

	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create handoff pipe: %w", err)
	}
	defer syncWrite.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(self, "worker")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{syncRead}
	// The inner worker leads its own process group so the service side can
	// SIGKILL the whole group by the PID it learns from RequestUidGidMap.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		stageEnvVar+"=1",
		initEnvVar+"="+string(initJSON),
	)

	if err := cmd.Start(); err != nil {
		syncRead.Close()
		return fmt.Errorf("start inner worker: %w", err)
	}
	syncRead.Close()

	if err := enc.Send(protocol.TypeRequestUidGidMap, protocol.RequestUidGidMap{ChildPID: cmd.Process.Pid}); err != nil {
		return fmt.Errorf("send RequestUidGidMap: %w", err)
	}

	env, err = dec.Next()
	if err != nil {
		return fmt.Errorf("await UidGidMapReady: %w", err)
	}
	if env.Type != protocol.TypeUidGidMapReady {
		return fmt.Errorf("expected UidGidMapReady, got %s", env.Type)
	}

	if _, err := syncWrite.Write([]byte{0}); err != nil {
		return fmt.Errorf("signal inner worker: %w", err)
	}

	// The outer worker's job ends here; it exits without waiting for the
	// inner worker so it never blocks on user code.
	return nil
}
