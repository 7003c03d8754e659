// Package job defines the data model the run subsystem operates on:
// resolved language/isolation configuration, one submission's request, and
// the monotonic per-case state it produces as it is judged.
package job

import (
	"judgerun/linux"
)

// Mode selects how a JobRequest is evaluated.
type Mode string

const (
	// ModeJudge evaluates every test case and persists the result.
	ModeJudge Mode = "judge"
	// ModeTest evaluates once against free-form stdin and is not persisted.
	ModeTest Mode = "test"
)

// Cmd is an absolute binary plus argv, as carried by LanguageConfig's
// compile_cmd/run_cmd.
type Cmd struct {
	Binary string
	Args   []string
}

// Argv returns the binary and its arguments as a single slice suitable for
// protocol.RunCmd.
func (c Cmd) Argv() []string {
	if c.Binary == "" {
		return nil
	}
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Binary)
	argv = append(argv, c.Args...)
	return argv
}

// BindMount is the resolved (post-default) form of a configured bind mount.
type BindMount struct {
	Src      string
	Dst      string
	ReadOnly bool
	NoExec   bool
	NoSuid   bool
	NoDev    bool
}

// LanguageConfig is the display-agnostic runner shape consumed by the
// engine and handle: a file name to write the source under, an optional
// compile step, the run step, and any language-specific mount additions.
type LanguageConfig struct {
	Name            string
	FileName        string
	CompileCmd      *Cmd
	RunCmd          Cmd
	IncludeBins     []string
	ExtraBindMounts []BindMount
}

// SeccompConfig is the allow-list policy a language's worker is sandboxed
// with. The manager compiles this into BPF once at startup; it is never
// shipped to a worker in this form.
type SeccompConfig struct {
	Allowed  []string
	Mismatch linux.MismatchAction
}

// IsolationConfig is the resolved sandbox recipe shared by every worker of
// a given language: the global isolation settings merged with that
// language's extra_bind_mounts/include_bins.
type IsolationConfig struct {
	WorkersParent string
	IncludeBins   []string
	BindMounts    []BindMount
	Seccomp       SeccompConfig
	// MemoryHigh is the default memory.high cap applied when a request
	// carries no per-problem memory_bytes of its own.
	MemoryHigh int64
	// CPUControllers names the cgroup v2 controllers enabled on the
	// delegated parent so each worker's leaf can use them.
	CPUControllers []string
}

// TestCase is one ordered entry of JobRequest.Cases.
type TestCase struct {
	Stdin           string `json:"stdin"`
	ExpectedPattern string `json:"expected_pattern"`
	UseRegex        bool   `json:"use_regex"`
	CaseInsensitive bool   `json:"case_insensitive"`
}

// Request is a fully-resolved submission: language, source, limits, and
// (for judge mode) ordered test cases.
type Request struct {
	UserID      string     `json:"user_id"`
	ProblemID   string     `json:"problem_id"`
	Language    string     `json:"language"`
	Program     string     `json:"program"`
	Mode        Mode       `json:"mode"`
	CPUTimeMs   int64      `json:"cpu_time_ms"`
	MemoryBytes int64      `json:"memory_bytes"`
	Cases       []TestCase `json:"cases,omitempty"`
	// TestStdin is used only when Mode == ModeTest.
	TestStdin string `json:"test_stdin,omitempty"`
}

// CaseKind is the discriminant of CaseStatus's sum type.
type CaseKind string

const (
	CasePending CaseKind = "pending"
	CaseRunning CaseKind = "running"
	CasePassed  CaseKind = "passed"
	CaseFailed  CaseKind = "failed"
	CaseNotRun  CaseKind = "not_run"
)

// CaseStatus is the outcome of a single test case (or, in test mode, the
// lone evaluation), a tagged struct standing in for a sum type since Go
// has none.
type CaseStatus struct {
	Kind CaseKind `json:"kind"`
	// Stdout is populated only on a CasePassed in test mode, or on a
	// CaseFailed whose output did not match (for diagnostics); timeouts,
	// crashes and judge-mode passes omit it.
	Stdout     string `json:"stdout,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Pending returns a fresh not-yet-started case status.
func Pending() CaseStatus { return CaseStatus{Kind: CasePending} }

// Running returns the status for a case that has just started executing.
func Running() CaseStatus { return CaseStatus{Kind: CaseRunning} }

// Passed returns a successful case status, optionally carrying stdout.
func Passed(stdout string, durationMs int64) CaseStatus {
	return CaseStatus{Kind: CasePassed, Stdout: stdout, DurationMs: durationMs}
}

// Failed returns a failed case status.
func Failed(timeout bool, message string, durationMs int64) CaseStatus {
	return CaseStatus{Kind: CaseFailed, TimedOut: timeout, Message: message, DurationMs: durationMs}
}

// NotRun returns the status assigned to every case after the first failure
// short-circuits a judge run.
func NotRun() CaseStatus { return CaseStatus{Kind: CaseNotRun} }

// State is the JobState sum type: either a judge run's ordered case list or
// a single test-mode status. Exactly one of Cases/Status is meaningful,
// selected by Mode.
type State struct {
	Mode   Mode         `json:"mode"`
	Cases  []CaseStatus `json:"cases,omitempty"`
	Status CaseStatus   `json:"status,omitzero"`
}

// NewJudgingState returns the initial state of a judge run: n cases, all
// pending.
func NewJudgingState(n int) State {
	cases := make([]CaseStatus, n)
	for i := range cases {
		cases[i] = Pending()
	}
	return State{Mode: ModeJudge, Cases: cases}
}

// NewTestingState returns the initial state of a test run: one pending
// status.
func NewTestingState() State {
	return State{Mode: ModeTest, Status: Pending()}
}

// Clone returns a deep copy safe to hand to a slow subscriber without
// racing the engine's next mutation.
func (s State) Clone() State {
	out := s
	if len(s.Cases) > 0 {
		out.Cases = make([]CaseStatus, len(s.Cases))
		copy(out.Cases, s.Cases)
	}
	return out
}

// OutcomeKind classifies how a job reached its terminal state.
type OutcomeKind string

const (
	OutcomeCompleted    OutcomeKind = "completed"
	OutcomeCompileError OutcomeKind = "compile_error"
	OutcomeWorkerCrash  OutcomeKind = "worker_crash"
	OutcomeSandboxSetup OutcomeKind = "sandbox_setup"
	OutcomeCancelled    OutcomeKind = "cancelled"
)

// Outcome is the terminal result a caller (the persistence layer, or the
// judge CLI) receives once the engine has finished.
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	State         State       `json:"state"`
	CompileStderr string      `json:"compile_stderr,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}
