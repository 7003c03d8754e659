// Package hooks runs optional external commands at job lifecycle
// transitions: an argv plus timeout plus env, fed the current job.State as
// JSON on stdin when a job starts and when it finishes. A hook failure is
// logged and never fails the job it was observing.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"judgerun/job"
	"judgerun/logging"
)

// Event identifies which job lifecycle transition triggered a hook.
type Event string

const (
	// JobStarted fires once a worker handle has reached Ready and the
	// engine is about to begin compiling/judging.
	JobStarted Event = "job_started"
	// JobFinished fires once the engine has produced a terminal
	// job.Outcome, whatever its kind.
	JobFinished Event = "job_finished"
)

// Hook is one configured external command.
type Hook struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Config is the set of hooks to run per event, e.g. for flushing metrics
// or nudging an external queue when a job starts or finishes.
type Config struct {
	JobStarted  []Hook
	JobFinished []Hook
}

// Runner executes configured hooks, logging rather than propagating
// failures.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner constructs a Runner. A nil or zero-value Config is valid and
// runs no hooks.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{cfg: cfg, logger: logging.WithOperation(logger, "hooks")}
}

// Run executes every hook configured for event, feeding it state as JSON
// on stdin. Hook failures are logged at warn level and otherwise ignored:
// this is strictly an operational convenience, never a gate on job
// outcome.
func (r *Runner) Run(ctx context.Context, event Event, userID, problemID string, state job.State) {
	var hookList []Hook
	switch event {
	case JobStarted:
		hookList = r.cfg.JobStarted
	case JobFinished:
		hookList = r.cfg.JobFinished
	default:
		return
	}

	if len(hookList) == 0 {
		return
	}

	payload, err := json.Marshal(state)
	if err != nil {
		r.logger.Warn("marshal hook state", slog.String("error", err.Error()))
		return
	}

	for _, h := range hookList {
		if err := runOne(ctx, h, payload); err != nil {
			r.logger.Warn("hook failed",
				slog.String("event", string(event)),
				slog.String("path", h.Path),
				slog.String("user_id", userID),
				slog.String("problem_id", problemID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func runOne(ctx context.Context, h Hook, stdin []byte) error {
	if h.Path == "" {
		return fmt.Errorf("hook has no path")
	}

	runCtx := ctx
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, h.Path, h.Args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), h.Env...)
	return cmd.Run()
}
