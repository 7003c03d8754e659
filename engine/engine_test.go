package engine

import (
	"context"
	"errors"
	"testing"

	"judgerun/job"
	"judgerun/protocol"
)

func TestClassifyTimeout(t *testing.T) {
	result := protocol.RunResult{TimedOut: true, DurationMs: 500}
	status := classify(result, job.TestCase{}, 500, false)
	if status.Kind != job.CaseFailed || !status.TimedOut {
		t.Fatalf("classify() = %+v, want failed/timed_out", status)
	}
}

func TestClassifyCPUDeltaAtLimitIsTimeout(t *testing.T) {
	// cpu_ms_delta >= cpu_time_ms fails as a timeout even when the
	// worker's own timer did not fire first.
	result := protocol.RunResult{CpuMsDelta: 500, DurationMs: 10}
	status := classify(result, job.TestCase{}, 500, false)
	if status.Kind != job.CaseFailed || !status.TimedOut {
		t.Fatalf("classify() = %+v, want failed/timed_out", status)
	}
}

func TestClassifyMemoryLimit(t *testing.T) {
	result := protocol.RunResult{MemoryHighEventsDelta: 1}
	status := classify(result, job.TestCase{}, 1000, false)
	if status.Kind != job.CaseFailed || status.TimedOut {
		t.Fatalf("classify() = %+v, want failed/not-timed-out (memory limit)", status)
	}
}

func TestClassifyRuntimeError(t *testing.T) {
	// A segfaulting program fails with a nonzero exit regardless of
	// what expected_pattern says.
	result := protocol.RunResult{ExitStatus: 139, StderrTail: "segfault"}
	status := classify(result, job.TestCase{ExpectedPattern: "anything"}, 1000, false)
	if status.Kind != job.CaseFailed {
		t.Fatalf("classify() = %+v, want failed", status)
	}
}

func TestClassifyExactMatchPasses(t *testing.T) {
	result := protocol.RunResult{Stdout: "2"}
	status := classify(result, job.TestCase{ExpectedPattern: "2"}, 1000, false)
	if status.Kind != job.CasePassed {
		t.Fatalf("classify() = %+v, want passed", status)
	}
}

func TestClassifyWrongAnswer(t *testing.T) {
	result := protocol.RunResult{Stdout: "3"}
	status := classify(result, job.TestCase{ExpectedPattern: "2"}, 1000, false)
	if status.Kind != job.CaseFailed || status.Message != "wrong answer" {
		t.Fatalf("classify() = %+v, want failed wrong answer", status)
	}
}

func TestClassifyTestModeAlwaysPassesOnZeroExit(t *testing.T) {
	result := protocol.RunResult{Stdout: "whatever"}
	status := classify(result, job.TestCase{}, 1000, true)
	if status.Kind != job.CasePassed {
		t.Fatalf("classify() in test mode = %+v, want passed", status)
	}
}

func TestMatchOutputExactTrimsTrailingNewline(t *testing.T) {
	// "cat" echoing "abc\n" must match an expected value of "abc".
	if !matchOutput("abc\n", job.TestCase{ExpectedPattern: "abc"}) {
		t.Error("expected trailing-newline stdout to match")
	}
}

func TestMatchOutputExactIsCaseSensitiveByDefault(t *testing.T) {
	if matchOutput("ABC", job.TestCase{ExpectedPattern: "abc"}) {
		t.Error("expected case-sensitive mismatch")
	}
}

func TestMatchOutputCaseInsensitive(t *testing.T) {
	if !matchOutput("ABC", job.TestCase{ExpectedPattern: "abc", CaseInsensitive: true}) {
		t.Error("expected case-insensitive match")
	}
}

func TestMatchOutputRegex(t *testing.T) {
	tc := job.TestCase{ExpectedPattern: `^\d+$`, UseRegex: true}
	if !matchOutput("12345", tc) {
		t.Error("expected regex match")
	}
	if matchOutput("12a45", tc) {
		t.Error("expected regex mismatch")
	}
}

func TestMatchOutputRegexCaseInsensitive(t *testing.T) {
	tc := job.TestCase{ExpectedPattern: "hello", UseRegex: true, CaseInsensitive: true}
	if !matchOutput("HELLO", tc) {
		t.Error("expected case-insensitive regex match")
	}
}

func TestMatchOutputInvalidRegexFails(t *testing.T) {
	tc := job.TestCase{ExpectedPattern: "(unclosed", UseRegex: true}
	if matchOutput("anything", tc) {
		t.Error("an invalid regex must never match")
	}
}

func TestInitialStateByMode(t *testing.T) {
	judgeState := initialState(job.Request{Mode: job.ModeJudge, Cases: []job.TestCase{{}, {}}})
	if judgeState.Mode != job.ModeJudge || len(judgeState.Cases) != 2 {
		t.Fatalf("initialState(judge) = %+v", judgeState)
	}

	testState := initialState(job.Request{Mode: job.ModeTest})
	if testState.Mode != job.ModeTest {
		t.Fatalf("initialState(test) = %+v", testState)
	}
}

// scriptedRunner replies to successive RunCmd calls from a fixed result
// list, recording each command it saw.
type scriptedRunner struct {
	results []protocol.RunResult
	cmds    []protocol.RunCmd
	stops   int
}

func (r *scriptedRunner) RunCmd(_ context.Context, cmd protocol.RunCmd) (protocol.RunResult, error) {
	r.cmds = append(r.cmds, cmd)
	if len(r.results) == 0 {
		return protocol.RunResult{}, errors.New("no scripted result left")
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

func (r *scriptedRunner) Stop(context.Context) error {
	r.stops++
	return nil
}

func judgeRequest(cases ...job.TestCase) job.Request {
	return job.Request{
		UserID:    "alice",
		ProblemID: "p1",
		Language:  "python",
		Program:   "print(1+1)",
		Mode:      job.ModeJudge,
		CPUTimeMs: 1000,
		Cases:     cases,
	}
}

func pythonLang() job.LanguageConfig {
	return job.LanguageConfig{
		Name:     "python",
		FileName: "main.py",
		RunCmd:   job.Cmd{Binary: "/usr/bin/python3", Args: []string{"main.py"}},
	}
}

// TestRunJudgeShortCircuitsOnFailure drives a three-case judge run whose
// second case fails: the third case must never be dispatched, and every
// published state must be monotone (no case moves backwards, the failed
// run ends with the remainder not_run).
func TestRunJudgeShortCircuitsOnFailure(t *testing.T) {
	r := &scriptedRunner{results: []protocol.RunResult{
		{ExitStatus: 0, Stdout: "2\n"},
		{ExitStatus: 1, StderrTail: "boom"},
	}}

	var published []job.State
	eng := New(
		judgeRequest(
			job.TestCase{ExpectedPattern: "2"},
			job.TestCase{ExpectedPattern: "4"},
			job.TestCase{ExpectedPattern: "6"},
		),
		pythonLang(),
		r,
		Options{Publish: func(s job.State) { published = append(published, s) }},
	)

	outcome := eng.Run(context.Background())

	if outcome.Kind != job.OutcomeCompleted {
		t.Fatalf("outcome.Kind = %q, want completed", outcome.Kind)
	}
	if len(r.cmds) != 2 {
		t.Fatalf("runner saw %d RunCmds, want 2 (third case short-circuited)", len(r.cmds))
	}
	final := outcome.State
	if final.Cases[0].Kind != job.CasePassed {
		t.Errorf("case 0 = %+v, want passed", final.Cases[0])
	}
	if final.Cases[1].Kind != job.CaseFailed {
		t.Errorf("case 1 = %+v, want failed", final.Cases[1])
	}
	if final.Cases[2].Kind != job.CaseNotRun {
		t.Errorf("case 2 = %+v, want not_run", final.Cases[2])
	}
	if r.stops != 1 {
		t.Errorf("Stop called %d times, want 1", r.stops)
	}

	rank := map[job.CaseKind]int{
		job.CasePending: 0, job.CaseRunning: 1,
		job.CasePassed: 2, job.CaseFailed: 2, job.CaseNotRun: 2,
	}
	for i := 1; i < len(published); i++ {
		for c := range published[i].Cases {
			if rank[published[i].Cases[c].Kind] < rank[published[i-1].Cases[c].Kind] {
				t.Fatalf("state %d case %d moved backwards: %v -> %v",
					i, c, published[i-1].Cases[c].Kind, published[i].Cases[c].Kind)
			}
		}
	}
}

// TestRunCompileErrorMarksAllCasesNotRun: a nonzero compile exit ends the
// job before any case runs.
func TestRunCompileErrorMarksAllCasesNotRun(t *testing.T) {
	r := &scriptedRunner{results: []protocol.RunResult{
		{ExitStatus: 1, StderrTail: "syntax error"},
	}}

	lang := pythonLang()
	lang.CompileCmd = &job.Cmd{Binary: "/usr/bin/mypyc", Args: []string{"main.py"}}

	eng := New(
		judgeRequest(job.TestCase{ExpectedPattern: "2"}, job.TestCase{ExpectedPattern: "4"}),
		lang,
		r,
		Options{CompileTimeoutMs: 1000},
	)

	outcome := eng.Run(context.Background())

	if outcome.Kind != job.OutcomeCompileError {
		t.Fatalf("outcome.Kind = %q, want compile_error", outcome.Kind)
	}
	if outcome.CompileStderr != "syntax error" {
		t.Errorf("CompileStderr = %q", outcome.CompileStderr)
	}
	for i, c := range outcome.State.Cases {
		if c.Kind != job.CaseNotRun {
			t.Errorf("case %d = %+v, want not_run", i, c)
		}
	}
	if len(r.cmds) != 1 {
		t.Errorf("runner saw %d RunCmds, want only the compile step", len(r.cmds))
	}
	if r.stops != 1 {
		t.Errorf("Stop called %d times, want 1 (compile failure still stops the worker)", r.stops)
	}
}

// TestRunWorkerCrashDuringCase: a RunCmd transport error is a worker
// crash, not a verdict against the submission.
func TestRunWorkerCrashDuringCase(t *testing.T) {
	r := &scriptedRunner{} // no scripted results: first RunCmd errors

	eng := New(judgeRequest(job.TestCase{ExpectedPattern: "2"}), pythonLang(), r, Options{})

	outcome := eng.Run(context.Background())
	if outcome.Kind != job.OutcomeWorkerCrash {
		t.Fatalf("outcome.Kind = %q, want worker_crash", outcome.Kind)
	}
}

// TestRunCancelledContextIsCancelledOutcome: the engine reports
// cancellation distinctly from a crash so partial verdicts can be
// discarded rather than persisted.
func TestRunCancelledContextIsCancelledOutcome(t *testing.T) {
	r := &scriptedRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(judgeRequest(job.TestCase{ExpectedPattern: "2"}), pythonLang(), r, Options{})
	outcome := eng.Run(ctx)
	if outcome.Kind != job.OutcomeCancelled {
		t.Fatalf("outcome.Kind = %q, want cancelled", outcome.Kind)
	}
}

// TestRunTestModePassesStdinThrough: test mode runs once against
// free-form stdin and surfaces stdout to the caller.
func TestRunTestModePassesStdinThrough(t *testing.T) {
	r := &scriptedRunner{results: []protocol.RunResult{
		{ExitStatus: 0, Stdout: "echoed\n"},
	}}

	req := judgeRequest()
	req.Mode = job.ModeTest
	req.TestStdin = "echoed\n"

	eng := New(req, pythonLang(), r, Options{})
	outcome := eng.Run(context.Background())

	if outcome.Kind != job.OutcomeCompleted {
		t.Fatalf("outcome.Kind = %q, want completed", outcome.Kind)
	}
	if outcome.State.Status.Kind != job.CasePassed {
		t.Fatalf("status = %+v, want passed", outcome.State.Status)
	}
	if outcome.State.Status.Stdout != "echoed\n" {
		t.Errorf("test-mode stdout = %q, want it surfaced to the caller", outcome.State.Status.Stdout)
	}
	if r.cmds[0].Stdin != "echoed\n" {
		t.Errorf("RunCmd.Stdin = %q, want the request's free-form stdin", r.cmds[0].Stdin)
	}
}
