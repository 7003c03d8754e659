// Package manager implements the run manager: process-wide configuration
// ownership, seccomp pre-compilation, at-most-one-job-per-user admission,
// the progress event hub, and coordinated shutdown.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"judgerun/config"
	"judgerun/engine"
	"judgerun/errors"
	"judgerun/handle"
	"judgerun/hooks"
	"judgerun/job"
	"judgerun/linux"
	"judgerun/logging"
)

// Options configures a new Manager.
type Options struct {
	Config *config.Config
	// ExecPath is this process's own executable, re-exec'd as the
	// worker's outer stage.
	ExecPath string
	// CgroupParent is the delegated cgroup v2 sub-tree every worker's
	// leaf is created under.
	CgroupParent string
	// CompileTimeoutMs bounds every language's compile step; it is a
	// global setting, not per-problem.
	CompileTimeoutMs int64
	// StdoutCapBytes bounds captured stdout per RunCmd.
	StdoutCapBytes int
	Hooks          hooks.Config
	Logger         *slog.Logger
}

// jobHandle is the manager's bookkeeping for one in-flight submission.
type jobHandle struct {
	UserID    string
	ProblemID string
	cancel    context.CancelFunc
	done      chan struct{}
	result    chan job.Outcome
}

// Manager is the process-wide job registrar. It is safe for concurrent
// use.
type Manager struct {
	cfg              *config.Config
	execPath         string
	cgroupParent     string
	compileTimeoutMs int64
	stdoutCapBytes   int
	hooksRunner      *hooks.Runner
	logger           *slog.Logger

	filters map[string][]byte // language -> pre-compiled seccomp BPF

	Hub *Hub

	mu     sync.Mutex
	active map[string]*jobHandle // user_id -> handle
}

// New validates cfg, pre-compiles every configured language's seccomp
// filter for the current architecture, and returns a ready Manager. A
// config validation or seccomp compilation failure here is a startup
// failure, never deferred to job time.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.ErrInvalidConfig, "manager.New", "config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.ExecPath == "" {
		return nil, errors.New(errors.ErrInvalidConfig, "manager.New", "exec_path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	filters := make(map[string][]byte, len(opts.Config.Run.Languages))
	for name := range opts.Config.Run.Languages {
		iso, err := opts.Config.ResolvedIsolation(name)
		if err != nil {
			return nil, err
		}
		bpf, err := compileSeccomp(iso.Seccomp)
		if err != nil {
			return nil, errors.WrapWithDetail(errors.ErrUnknownSyscall, errors.ErrInvalidConfig, "manager.New", name+": "+err.Error())
		}
		filters[name] = bpf
	}

	return &Manager{
		cfg:              opts.Config,
		execPath:         opts.ExecPath,
		cgroupParent:     opts.CgroupParent,
		compileTimeoutMs: opts.CompileTimeoutMs,
		stdoutCapBytes:   opts.StdoutCapBytes,
		hooksRunner:      hooks.NewRunner(opts.Hooks, logger),
		logger:           logging.WithOperation(logger, "manager"),
		filters:          filters,
		Hub:              NewHub(),
		active:           make(map[string]*jobHandle),
	}, nil
}

// RequestJob performs admission and, if admitted, spawns the job
// asynchronously. It returns immediately with a channel that delivers the
// terminal job.Outcome exactly once; progress along the way is observed
// via Hub subscriptions.
func (m *Manager) RequestJob(ctx context.Context, req job.Request) (<-chan job.Outcome, error) {
	if uint32(len(req.Program)) > m.cfg.Run.MaxProgramLength {
		return nil, errors.Wrap(errors.ErrProgramTooLong, errors.ErrAdmissionDenied, "manager.RequestJob")
	}
	if _, ok := m.cfg.Language(req.Language); !ok {
		return nil, errors.Wrap(errors.ErrUnknownLanguage, errors.ErrAdmissionDenied, "manager.RequestJob")
	}

	m.mu.Lock()
	if _, exists := m.active[req.UserID]; exists {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.ErrJobInProgress, errors.ErrAdmissionDenied, "manager.RequestJob")
	}
	jobCtx, cancel := context.WithCancel(ctx)
	jh := &jobHandle{
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		cancel:    cancel,
		done:      make(chan struct{}),
		result:    make(chan job.Outcome, 1),
	}
	m.active[req.UserID] = jh
	m.mu.Unlock()

	m.Hub.PublishJobStarted(req.UserID, req.ProblemID)

	go m.run(jobCtx, req, jh)
	return jh.result, nil
}

// Cancel aborts the named user's in-flight job, if any. Idempotent:
// cancelling an already-finished (or nonexistent) job returns immediately.
func (m *Manager) Cancel(userID string) {
	m.mu.Lock()
	jh, ok := m.active[userID]
	m.mu.Unlock()
	if !ok {
		return
	}
	jh.cancel()
	<-jh.done
}

// ActiveJobs lists every user_id currently admitted, for the CLI's list
// introspection command.
func (m *Manager) ActiveJobs() []JobStartedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobStartedEvent, 0, len(m.active))
	for _, jh := range m.active {
		out = append(out, JobStartedEvent{UserID: jh.UserID, ProblemID: jh.ProblemID})
	}
	return out
}

func (m *Manager) run(ctx context.Context, req job.Request, jh *jobHandle) {
	outcome := job.Outcome{Kind: job.OutcomeSandboxSetup}
	defer func() {
		m.mu.Lock()
		delete(m.active, req.UserID)
		m.mu.Unlock()
		jh.result <- outcome
		close(jh.done)
	}()

	lang, _ := m.cfg.Language(req.Language)
	iso, err := m.cfg.ResolvedIsolation(req.Language)
	if err != nil {
		outcome.Detail = err.Error()
		m.hooksRunner.Run(ctx, hooks.JobFinished, req.UserID, req.ProblemID, job.State{})
		return
	}

	memHigh := req.MemoryBytes
	if memHigh == 0 {
		memHigh = iso.MemoryHigh
	}

	h, err := handle.New(ctx, handle.Options{
		ExecPath:        m.execPath,
		WorkerArg:       "worker",
		WorkersParent:   iso.WorkersParent,
		CgroupParent:    m.cgroupParent,
		Isolation:       iso,
		SeccompBPF:      m.filters[req.Language],
		MemoryHighBytes: memHigh,
		Logger:          m.logger,
	})
	if err != nil {
		m.logger.Error("sandbox setup failed", slog.String("user_id", req.UserID), slog.String("error", err.Error()))
		outcome.Detail = err.Error()
		m.hooksRunner.Run(ctx, hooks.JobFinished, req.UserID, req.ProblemID, job.State{})
		return
	}
	defer h.Destroy()

	if err := h.WriteProgram(lang.FileName, req.Program); err != nil {
		outcome.Detail = err.Error()
		m.hooksRunner.Run(ctx, hooks.JobFinished, req.UserID, req.ProblemID, job.State{})
		return
	}

	m.hooksRunner.Run(ctx, hooks.JobStarted, req.UserID, req.ProblemID, job.State{})

	eng := engine.New(req, lang, h, engine.Options{
		Publish: func(s job.State) {
			m.Hub.PublishState(req.UserID, req.ProblemID, s)
		},
		CompileTimeoutMs: m.compileTimeoutMs,
		StdoutCapBytes:   m.stdoutCapBytes,
		Logger:           m.logger,
	})

	outcome = eng.Run(ctx)
	m.hooksRunner.Run(ctx, hooks.JobFinished, req.UserID, req.ProblemID, outcome.State)
}

// Shutdown cancels every in-flight job, awaits their teardown concurrently
// up to grace, then returns. It always publishes the global shutdown event
// first so subscribers stop expecting further progress.
func (m *Manager) Shutdown(grace time.Duration) {
	m.Hub.PublishShutdown()

	m.mu.Lock()
	handles := make([]*jobHandle, 0, len(m.active))
	for _, jh := range m.active {
		handles = append(handles, jh)
	}
	m.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var g errgroup.Group
	for _, jh := range handles {
		jh := jh
		jh.cancel()
		g.Go(func() error {
			select {
			case <-jh.done:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}

func compileSeccomp(sc job.SeccompConfig) ([]byte, error) {
	filter, err := linux.CompileFilter(sc.Allowed, sc.Mismatch)
	if err != nil {
		return nil, err
	}
	return linux.EncodeFilter(filter), nil
}
