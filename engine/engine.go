// Package engine drives a single submission end to end against an
// already-Ready worker handle, classifying each case's RunResult and
// publishing JobState transitions as it goes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"judgerun/job"
	"judgerun/logging"
	"judgerun/protocol"
)

// Publisher receives every JobState transition the engine produces, in
// order. It must not block the engine; the run manager's event hub is the
// production implementation and applies its own lossy back-pressure policy
// on the subscriber side.
type Publisher func(job.State)

// Runner is the subset of the service-side worker handle the engine
// drives: strict RunCmd/RunResult alternation plus a final Stop.
type Runner interface {
	RunCmd(ctx context.Context, cmd protocol.RunCmd) (protocol.RunResult, error)
	Stop(ctx context.Context) error
}

// Options configures one engine run.
type Options struct {
	Publish Publisher
	// CompileTimeoutMs bounds the compile step; it is a global setting,
	// not per-problem.
	CompileTimeoutMs int64
	// StdoutCapBytes bounds captured stdout per case.
	StdoutCapBytes int
	Logger         *slog.Logger
}

// Engine drives exactly one job.Request against one worker.
type Engine struct {
	req    job.Request
	lang   job.LanguageConfig
	h      Runner
	opts   Options
	logger *slog.Logger
}

// New builds an engine for one submission. h must already be Ready.
func New(req job.Request, lang job.LanguageConfig, h Runner, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		req:    req,
		lang:   lang,
		h:      h,
		opts:   opts,
		logger: logging.WithJob(logger, req.UserID, req.ProblemID),
	}
}

// Run drives the submission to completion: an optional compile step,
// then either the ordered judge-mode case loop or a single test-mode
// evaluation. It always sends Stop to the handle before returning,
// whatever the outcome.
func (e *Engine) Run(ctx context.Context) job.Outcome {
	defer func() { _ = e.h.Stop(context.WithoutCancel(ctx)) }()

	state := initialState(e.req)
	e.publish(state)

	if e.lang.CompileCmd != nil {
		result, err := e.h.RunCmd(ctx, protocol.RunCmd{
			Argv:           e.lang.CompileCmd.Argv(),
			TimeoutMs:      e.opts.CompileTimeoutMs,
			CaptureStdout:  false,
			StdoutCapBytes: e.opts.StdoutCapBytes,
		})
		if err != nil {
			return e.crash(ctx, state, err)
		}
		if result.TimedOut || result.ExitStatus != 0 {
			return e.compileFailed(state, result)
		}
	}

	switch e.req.Mode {
	case job.ModeTest:
		return e.runTest(ctx, state)
	default:
		return e.runJudge(ctx, state)
	}
}

func initialState(req job.Request) job.State {
	if req.Mode == job.ModeTest {
		return job.NewTestingState()
	}
	return job.NewJudgingState(len(req.Cases))
}

func (e *Engine) publish(s job.State) {
	if e.opts.Publish != nil {
		e.opts.Publish(s.Clone())
	}
}

func (e *Engine) compileFailed(state job.State, result protocol.RunResult) job.Outcome {
	switch state.Mode {
	case job.ModeTest:
		state.Status = job.Failed(result.TimedOut, "compile error", result.DurationMs)
	default:
		for i := range state.Cases {
			state.Cases[i] = job.NotRun()
		}
	}
	e.publish(state)
	e.logger.Warn("compile failed", slog.Int("exit_status", result.ExitStatus), slog.Bool("timed_out", result.TimedOut))
	return job.Outcome{Kind: job.OutcomeCompileError, State: state, CompileStderr: result.StderrTail}
}

func (e *Engine) crash(ctx context.Context, state job.State, err error) job.Outcome {
	if ctx.Err() != nil {
		e.logger.Info("job cancelled", slog.String("error", ctx.Err().Error()))
		return job.Outcome{Kind: job.OutcomeCancelled, State: state, Detail: ctx.Err().Error()}
	}
	e.logger.Error("worker crashed", slog.String("error", err.Error()))
	return job.Outcome{Kind: job.OutcomeWorkerCrash, State: state, Detail: err.Error()}
}

// runJudge iterates test cases in declared order, short-circuiting on the
// first failure: every case after the first non-pass is marked NotRun
// rather than executed.
func (e *Engine) runJudge(ctx context.Context, state job.State) job.Outcome {
	for i, tc := range e.req.Cases {
		state.Cases[i] = job.Running()
		e.publish(state)

		result, err := e.h.RunCmd(ctx, protocol.RunCmd{
			Argv:           e.lang.RunCmd.Argv(),
			Stdin:          tc.Stdin,
			TimeoutMs:      e.req.CPUTimeMs,
			CaptureStdout:  true,
			StdoutCapBytes: e.opts.StdoutCapBytes,
		})
		if err != nil {
			return e.crash(ctx, state, err)
		}

		status := classify(result, tc, e.req.CPUTimeMs, false)
		state.Cases[i] = status
		e.publish(state)

		if status.Kind != job.CasePassed {
			for j := i + 1; j < len(state.Cases); j++ {
				state.Cases[j] = job.NotRun()
			}
			e.publish(state)
			break
		}
	}
	return job.Outcome{Kind: job.OutcomeCompleted, State: state}
}

// runTest evaluates once against free-form stdin; there is no expected
// output to compare against, so the only failure modes are timeout,
// memory limit, and nonzero exit.
func (e *Engine) runTest(ctx context.Context, state job.State) job.Outcome {
	state.Status = job.Running()
	e.publish(state)

	result, err := e.h.RunCmd(ctx, protocol.RunCmd{
		Argv:           e.lang.RunCmd.Argv(),
		Stdin:          e.req.TestStdin,
		TimeoutMs:      e.req.CPUTimeMs,
		CaptureStdout:  true,
		StdoutCapBytes: e.opts.StdoutCapBytes,
	})
	if err != nil {
		return e.crash(ctx, state, err)
	}

	status := classify(result, job.TestCase{}, e.req.CPUTimeMs, true)
	state.Status = status
	e.publish(state)
	return job.Outcome{Kind: job.OutcomeCompleted, State: state}
}

// classify applies a fixed priority order: timeout, then memory limit,
// then nonzero exit, then output comparison (skipped entirely in test
// mode, where any zero exit passes).
func classify(result protocol.RunResult, tc job.TestCase, cpuTimeMs int64, testMode bool) job.CaseStatus {
	switch {
	case result.TimedOut || (cpuTimeMs > 0 && result.CpuMsDelta >= cpuTimeMs):
		return job.Failed(true, "time limit exceeded", result.DurationMs)
	case result.MemoryHighEventsDelta > 0:
		return job.Failed(false, "memory limit exceeded", result.DurationMs)
	case result.ExitStatus != 0:
		msg := fmt.Sprintf("runtime error (exit %d): %s", result.ExitStatus, result.StderrTail)
		return job.Failed(false, msg, result.DurationMs)
	case testMode:
		return job.Passed(result.Stdout, result.DurationMs)
	}

	if matchOutput(result.Stdout, tc) {
		return job.Passed("", result.DurationMs)
	}
	return job.CaseStatus{Kind: job.CaseFailed, Message: "wrong answer", Stdout: result.Stdout, DurationMs: result.DurationMs}
}

// matchOutput implements the chosen stdout comparison policy: trailing
// "\r\n" is trimmed from both sides before comparing, so that a program
// echoing "abc\n" matches an expected value of "abc".
func matchOutput(stdout string, tc job.TestCase) bool {
	got := strings.TrimRight(stdout, "\r\n")
	want := strings.TrimRight(tc.ExpectedPattern, "\r\n")

	if tc.UseRegex {
		pattern := want
		if tc.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(got)
	}

	if tc.CaseInsensitive {
		return strings.EqualFold(got, want)
	}
	return got == want
}
