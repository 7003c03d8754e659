package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validTOML(t *testing.T, extra string) string {
	t.Helper()
	return `
[run]
max_program_length = 65536
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"
seccomp = { allowed = ["read", "write", "exit"], mismatch_action = "kill" }

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3", args = ["main.py"] }
` + extra
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validTOML(t, ""))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.DefaultLanguage != "python" {
		t.Errorf("DefaultLanguage = %q", cfg.Run.DefaultLanguage)
	}
	lang, ok := cfg.Language("python")
	if !ok {
		t.Fatal("Language(\"python\") not found")
	}
	if lang.FileName != "main.py" {
		t.Errorf("FileName = %q, want main.py", lang.FileName)
	}
	if lang.CompileCmd != nil {
		t.Errorf("CompileCmd = %+v, want nil for an interpreted language", lang.CompileCmd)
	}
}

func TestValidateRejectsUnknownDefaultLanguage(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "cobol"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown default_language")
	}
}

func TestValidateRejectsRelativeWorkersParent(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "relative/path"

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a non-absolute workers_parent")
	}
}

func TestValidateRejectsUnknownSyscall(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"
seccomp = { allowed = ["read", "definitely_not_a_syscall"], mismatch_action = "kill" }

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for an unrecognized syscall name in the allow-list")
	}
}

func TestValidateRejectsMissingRunCmd(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"

[run.languages.python.runner]
file_name = "main.py"
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a language with no run_cmd")
	}
}

func TestValidateRejectsMissingIncludeBin(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"
include_bins = ["/definitely/not/a/real/binary"]

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a missing include_bins entry")
	}
}

func TestMismatchActionErrnoTable(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"
seccomp = { allowed = ["read"], mismatch_action = { errno = 9 } }

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.Isolation.Seccomp.MismatchAction.Errno != 9 {
		t.Errorf("Errno = %d, want 9", cfg.Run.Isolation.Seccomp.MismatchAction.Errno)
	}
}

func TestBindMountDefaults(t *testing.T) {
	m := BindMount{Src: "/usr"}
	j := m.toJob()
	if j.Dst != "/usr" {
		t.Errorf("Dst defaults to Src: got %q", j.Dst)
	}
	if !j.ReadOnly || !j.NoSuid || !j.NoDev || j.NoExec {
		t.Errorf("unexpected defaults: %+v", j)
	}
}

func TestResolvedIsolationMergesLanguageExtras(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "cpp"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"
include_bins = ["/usr/bin/env"]

[run.languages.cpp.runner]
file_name = "main.cpp"
compile_cmd = { binary = "/usr/bin/g++", args = ["main.cpp", "-o", "main"] }
run_cmd = { binary = "/home/runner/main" }
include_bins = ["/usr/bin/env"]
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	iso, err := cfg.ResolvedIsolation("cpp")
	if err != nil {
		t.Fatalf("ResolvedIsolation: %v", err)
	}
	if len(iso.IncludeBins) != 2 {
		t.Errorf("IncludeBins = %v, want 2 entries (global + language)", iso.IncludeBins)
	}

	lang, _ := cfg.Language("cpp")
	if lang.CompileCmd == nil {
		t.Fatal("expected a compile command for cpp")
	}
}

func TestLanguageNames(t *testing.T) {
	path := writeConfig(t, validTOML(t, ""))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	names := cfg.LanguageNames()
	if len(names) != 1 || names[0] != "python" {
		t.Errorf("LanguageNames() = %v, want [python]", names)
	}
}

func TestCgroupCapsResolved(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"

[run.isolation.cgroup]
memory_high = 268435456
cpu_controllers = ["cpu", "memory"]

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	iso, err := cfg.ResolvedIsolation("python")
	if err != nil {
		t.Fatalf("ResolvedIsolation: %v", err)
	}
	if iso.MemoryHigh != 268435456 {
		t.Errorf("MemoryHigh = %d, want 268435456", iso.MemoryHigh)
	}
	if len(iso.CPUControllers) != 2 {
		t.Errorf("CPUControllers = %v, want [cpu memory]", iso.CPUControllers)
	}
}

func TestHooksResolved(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"

[[run.hooks.job_started]]
path = "/usr/local/bin/notify"
args = ["started"]
timeout_ms = 500

[[run.hooks.job_finished]]
path = "/usr/local/bin/notify"
args = ["finished"]
env = ["QUEUE=results"]

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	hc := cfg.HookConfig()
	if len(hc.JobStarted) != 1 || len(hc.JobFinished) != 1 {
		t.Fatalf("HookConfig() = %+v, want one hook per event", hc)
	}
	if hc.JobStarted[0].Timeout != 500*time.Millisecond {
		t.Errorf("JobStarted timeout = %v, want 500ms", hc.JobStarted[0].Timeout)
	}
	if len(hc.JobFinished[0].Env) != 1 {
		t.Errorf("JobFinished env = %v, want the configured QUEUE entry", hc.JobFinished[0].Env)
	}
}

func TestValidateRejectsRelativeHookPath(t *testing.T) {
	body := `
[run]
max_program_length = 1024
default_language = "python"

[run.isolation]
workers_parent = "/var/lib/judgerun/workers"

[[run.hooks.job_started]]
path = "notify.sh"

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3" }
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a relative hook path")
	}
}
