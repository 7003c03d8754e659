package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"judgerun/linux"
	"judgerun/protocol"
)

// RunInner is the entry point for the re-exec'd inner worker: it is PID 1 of
// a fresh PID namespace and the sole owner of the user-ns/mount-ns/pid-ns
// bundle the outer worker unshared. It finishes the sandbox recipe and then
// serves RunCmd requests until told to Stop.
func RunInner(in io.Reader, out io.Writer) error {
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	var init protocol.WorkerInit
	if err := json.Unmarshal([]byte(os.Getenv(initEnvVar)), &init); err != nil {
		return fmt.Errorf("decode handoff init: %w", err)
	}

	// fd 3 is the sync pipe's read end, inherited via ExtraFiles.
	syncRead := os.NewFile(3, "sync")
	buf := make([]byte, 1)
	if _, err := syncRead.Read(buf); err != nil {
		return sendFatal(enc, "uid_gid_handoff", err)
	}
	syncRead.Close()

	if err := linux.SetResUID(0); err != nil {
		return sendFatal(enc, "setresuid", err)
	}
	if err := linux.SetResGID(0); err != nil {
		return sendFatal(enc, "setresgid", err)
	}
	if err := linux.SetHostname("sandbox"); err != nil {
		return sendFatal(enc, "sethostname", err)
	}

	var cg *linux.Cgroup
	if init.CgroupPath != "" {
		var err error
		cg, err = linux.NewCgroup(init.CgroupPath)
		if err != nil {
			return sendFatal(enc, "cgroup_open", err)
		}
		if init.Isolation.MemoryHigh > 0 {
			if err := cg.ApplyMemoryHigh(init.Isolation.MemoryHigh); err != nil {
				return sendFatal(enc, "cgroup_limits", err)
			}
		}
		if err := cg.AddProcess(os.Getpid()); err != nil {
			return sendFatal(enc, "cgroup_migrate", err)
		}
	}

	if err := linux.MakeMountPrivate(); err != nil {
		return sendFatal(enc, "mount_private", err)
	}
	if err := linux.MountSandboxRoot(init.Isolation.SandboxRoot); err != nil {
		return sendFatal(enc, "mount_root", err)
	}
	if err := os.Chdir(init.Isolation.SandboxRoot); err != nil {
		return sendFatal(enc, "mount_root", err)
	}

	mounts := make([]linux.BindMount, 0, len(init.Isolation.BindMounts))
	for _, m := range init.Isolation.BindMounts {
		mounts = append(mounts, linux.BindMount{
			Src: m.Src, Dst: m.Dst, ReadOnly: m.ReadOnly,
			NoExec: m.NoExec, NoSuid: m.NoSuid, NoDev: m.NoDev,
		})
	}
	if err := linux.PopulateMounts(init.Isolation.SandboxRoot, mounts); err != nil {
		return sendFatal(enc, "populate_mounts", err)
	}

	if err := linux.PivotRoot(init.Isolation.SandboxRoot); err != nil {
		return sendFatal(enc, "pivot_root", err)
	}

	if err := linux.DropToRunner(); err != nil {
		return sendFatal(enc, "drop_privileges", err)
	}

	filter, err := linux.DecodeFilter(init.SeccompBPF)
	if err != nil {
		return sendFatal(enc, "seccomp_compile", err)
	}
	if err := linux.Harden(); err != nil {
		return sendFatal(enc, "harden", err)
	}
	if err := linux.LoadFilter(filter); err != nil {
		return sendFatal(enc, "seccomp_load", err)
	}

	if err := enc.Send(protocol.TypeReady, protocol.Ready{}); err != nil {
		return fmt.Errorf("send Ready: %w", err)
	}

	return eventLoop(dec, enc, cg)
}

func sendFatal(enc *protocol.Encoder, stage string, err error) error {
	_ = enc.Send(protocol.TypeInternalError, protocol.InternalError{Stage: stage, Detail: err.Error()})
	return fmt.Errorf("%s: %w", stage, err)
}

// eventLoop serves exactly one RunCmd at a time, replying before reading the
// next message, until Stop arrives or the parent closes stdin. cg is nil
// when the job was admitted without a delegated cgroup sub-tree, in which
// case every RunResult's cpu/memory deltas are left at zero.
func eventLoop(dec *protocol.Decoder, enc *protocol.Encoder, cg *linux.Cgroup) error {
	for {
		env, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		switch env.Type {
		case protocol.TypeRunCmd:
			var cmd protocol.RunCmd
			if err := protocol.Decode(env, &cmd); err != nil {
				_ = enc.Send(protocol.TypeInternalError, protocol.InternalError{Stage: "decode_runcmd", Detail: err.Error()})
				continue
			}
			result, err := runOne(cmd, cg)
			if err != nil {
				_ = enc.Send(protocol.TypeInternalError, protocol.InternalError{Stage: "run", Detail: err.Error()})
				continue
			}
			if err := enc.Send(protocol.TypeRunResult, result); err != nil {
				return fmt.Errorf("send RunResult: %w", err)
			}
		case protocol.TypeStop:
			return nil
		default:
			_ = enc.Send(protocol.TypeInternalError, protocol.InternalError{Stage: "dispatch", Detail: fmt.Sprintf("unexpected message %s", env.Type)})
		}
	}
}
