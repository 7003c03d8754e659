package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"judgerun/config"
	"judgerun/job"
	"judgerun/manager"
)

// judgeCmd submits one local job against a bundle directory, for
// operational testing and dry-runs outside the full contest web
// front-end. A bundle is a directory containing:
//
//	program     the submitted source text
//	cases.json  (judge mode) an ordered array of job.TestCase
//	stdin       (test mode) free-form stdin; empty if absent
var judgeCmd = &cobra.Command{
	Use:   "judge",
	Short: "Run one submission bundle through the run subsystem",
	Long: `judge loads the run subsystem's configuration, submits one bundle
directory as a job, streams progress to stdout as newline-delimited JSON,
and exits nonzero if the submission did not pass every case.`,
	Args: cobra.NoArgs,
	RunE: runJudge,
}

var (
	judgeBundle         string
	judgeUser           string
	judgeProblem        string
	judgeLanguage       string
	judgeMode           string
	judgeCPUTimeMs      int64
	judgeMemoryBytes    int64
	judgeCgroupParent   string
	judgeCompileTimeout int64
	judgeStdoutCap      int
	judgeInteractive    bool
)

func init() {
	rootCmd.AddCommand(judgeCmd)

	judgeCmd.Flags().StringVar(&judgeBundle, "bundle", "", "path to the submission bundle directory (required)")
	judgeCmd.Flags().StringVar(&judgeUser, "user", "local", "user_id to submit as")
	judgeCmd.Flags().StringVar(&judgeProblem, "problem", "local", "problem_id to submit against")
	judgeCmd.Flags().StringVar(&judgeLanguage, "language", "", "language key from the config's languages table (required)")
	judgeCmd.Flags().StringVar(&judgeMode, "mode", "judge", "judge or test")
	judgeCmd.Flags().Int64Var(&judgeCPUTimeMs, "cpu-time-ms", 2000, "per-case CPU time limit")
	judgeCmd.Flags().Int64Var(&judgeMemoryBytes, "memory-bytes", 256<<20, "per-problem memory cap")
	judgeCmd.Flags().StringVar(&judgeCgroupParent, "cgroup-parent", "", "delegated cgroup v2 sub-tree workers are migrated under; empty disables cpu/memory accounting")
	judgeCmd.Flags().Int64Var(&judgeCompileTimeout, "compile-timeout-ms", 10000, "compile step timeout")
	judgeCmd.Flags().IntVar(&judgeStdoutCap, "stdout-cap-bytes", 64*1024, "captured stdout cap per case")
	judgeCmd.Flags().BoolVar(&judgeInteractive, "interactive", false, "test mode only: read stdin from this terminal instead of the bundle's stdin file")

	judgeCmd.MarkFlagRequired("bundle")
	judgeCmd.MarkFlagRequired("language")
}

func runJudge(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	cfg, err := config.Load(globalConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if globalRoot != "" {
		cfg.Run.Isolation.WorkersParent = globalRoot
	}

	req, err := loadBundle(judgeBundle, judgeUser, judgeProblem, judgeLanguage, job.Mode(judgeMode), judgeCPUTimeMs, judgeMemoryBytes)
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}

	if judgeInteractive {
		if req.Mode != job.ModeTest {
			return fmt.Errorf("--interactive is only valid with --mode test")
		}
		stdin, err := readInteractiveStdin()
		if err != nil {
			return fmt.Errorf("read interactive stdin: %w", err)
		}
		req.TestStdin = stdin
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	mgr, err := manager.New(manager.Options{
		Config:           cfg,
		ExecPath:         execPath,
		CgroupParent:     judgeCgroupParent,
		CompileTimeoutMs: judgeCompileTimeout,
		StdoutCapBytes:   judgeStdoutCap,
		Hooks:            cfg.HookConfig(),
	})
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	subID, stateCh := mgr.Hub.SubscribeState(req.UserID, req.ProblemID)
	defer mgr.Hub.UnsubscribeState(req.UserID, req.ProblemID, subID)

	resultCh, err := mgr.RequestJob(ctx, req)
	if err != nil {
		return fmt.Errorf("request job: %w", err)
	}

	go func() {
		enc := json.NewEncoder(os.Stdout)
		for s := range stateCh {
			_ = enc.Encode(s)
		}
	}()

	outcome := <-resultCh
	// Give the progress goroutine a moment to drain the terminal state
	// before the process exits.
	time.Sleep(10 * time.Millisecond)

	summary, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Fprintln(os.Stderr, string(summary))

	os.Exit(exitCodeFor(outcome))
	return nil
}

// exitCodeFor maps a terminal job.Outcome to a process exit code: 0 only
// when every case passed (judge mode) or the lone evaluation passed
// (test mode).
func exitCodeFor(outcome job.Outcome) int {
	if outcome.Kind != job.OutcomeCompleted {
		return 1
	}
	if outcome.State.Mode == job.ModeTest {
		if outcome.State.Status.Kind == job.CasePassed {
			return 0
		}
		return 1
	}
	for _, c := range outcome.State.Cases {
		if c.Kind != job.CasePassed {
			return 1
		}
	}
	return 0
}

// readInteractiveStdin puts the operator's terminal into raw mode so a
// test-mode dry-run can pipe keystrokes straight through to the sandboxed
// program without the local shell's line editing or signal processing
// getting in the way, then reads until EOF (Ctrl-D) and restores the
// terminal. If stdin isn't a terminal (piped input, CI), it reads the
// stream as-is.
func readInteractiveStdin() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		prevState, err := term.MakeRaw(fd)
		if err != nil {
			return "", fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, prevState)

		// Raw mode turns off canonical input, so Ctrl-D arrives as a 0x04
		// byte rather than as end of file.
		var b []byte
		one := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(one)
			if n == 1 && one[0] == 0x04 || err == io.EOF {
				return string(b), nil
			}
			if err != nil {
				return "", err
			}
			b = append(b, one[:n]...)
		}
	}

	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func loadBundle(dir, user, problem, language string, mode job.Mode, cpuTimeMs, memoryBytes int64) (job.Request, error) {
	programPath := filepath.Join(dir, "program")
	program, err := os.ReadFile(programPath)
	if err != nil {
		return job.Request{}, fmt.Errorf("read %s: %w", programPath, err)
	}

	req := job.Request{
		UserID:      user,
		ProblemID:   problem,
		Language:    language,
		Program:     string(program),
		Mode:        mode,
		CPUTimeMs:   cpuTimeMs,
		MemoryBytes: memoryBytes,
	}

	switch mode {
	case job.ModeTest:
		stdinPath := filepath.Join(dir, "stdin")
		if b, err := os.ReadFile(stdinPath); err == nil {
			req.TestStdin = string(b)
		}
	default:
		casesPath := filepath.Join(dir, "cases.json")
		b, err := os.ReadFile(casesPath)
		if err != nil {
			return job.Request{}, fmt.Errorf("read %s: %w", casesPath, err)
		}
		var cases []job.TestCase
		if err := json.Unmarshal(b, &cases); err != nil {
			return job.Request{}, fmt.Errorf("parse %s: %w", casesPath, err)
		}
		req.Cases = cases
	}

	return req, nil
}
