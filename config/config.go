// Package config loads and validates the run subsystem's TOML configuration
// and resolves it into the job package's domain types. All validation
// happens here, at load time, never at job-dispatch time: a bad config
// should fail a startup check, not a student's submission.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"judgerun/errors"
	"judgerun/hooks"
	"judgerun/job"
	"judgerun/linux"
)

// Cmd is the TOML shape of an absolute binary plus argv.
type Cmd struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
}

func (c Cmd) toJob() job.Cmd {
	return job.Cmd{Binary: c.Binary, Args: c.Args}
}

// BindMount is the TOML shape of one isolation.bind_mounts / language
// extra_bind_mounts entry. The *bool fields distinguish "unset" from
// "explicitly false" so toJob can apply the hardened defaults: read-only,
// no_suid, no_dev on; exec allowed unless stated otherwise.
type BindMount struct {
	Src      string `toml:"src"`
	Dst      string `toml:"dst"`
	ReadOnly *bool  `toml:"read_only"`
	NoExec   *bool  `toml:"no_exec"`
	NoSuid   *bool  `toml:"no_suid"`
	NoDev    *bool  `toml:"no_dev"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (m BindMount) toJob() job.BindMount {
	dst := m.Dst
	if dst == "" {
		dst = m.Src
	}
	return job.BindMount{
		Src:      m.Src,
		Dst:      dst,
		ReadOnly: boolOr(m.ReadOnly, true),
		NoExec:   boolOr(m.NoExec, false),
		NoSuid:   boolOr(m.NoSuid, true),
		NoDev:    boolOr(m.NoDev, true),
	}
}

// MismatchAction decodes either a bare string ("kill", "log", "trap") or a
// one-key table ({errno = 9}), the seccomp filter's default action for a
// syscall outside the allowed set. BurntSushi/toml calls UnmarshalTOML with
// the already-decoded Go value (string or map[string]interface{}) rather
// than raw bytes.
type MismatchAction struct {
	Kind  linux.MismatchKind
	Errno int
}

// UnmarshalTOML implements toml.Unmarshaler.
func (m *MismatchAction) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		m.Kind = linux.MismatchKind(v)
		return nil
	case map[string]interface{}:
		if raw, ok := v["errno"]; ok {
			m.Kind = linux.MismatchErrno
			switch n := raw.(type) {
			case int64:
				m.Errno = int(n)
			case float64:
				m.Errno = int(n)
			default:
				return fmt.Errorf("mismatch_action.errno must be a number, got %T", raw)
			}
			return nil
		}
		return fmt.Errorf("mismatch_action table must set errno")
	default:
		return fmt.Errorf("mismatch_action must be a string or {errno = n} table, got %T", data)
	}
}

func (m MismatchAction) toLinux() linux.MismatchAction {
	return linux.MismatchAction{Kind: m.Kind, Errno: m.Errno}
}

// Seccomp is the TOML shape of isolation.seccomp.
type Seccomp struct {
	Allowed        []string       `toml:"allowed"`
	MismatchAction MismatchAction `toml:"mismatch_action"`
}

// CgroupCaps is the TOML shape of isolation.cgroup: the default memory.high
// cap and the controller set enabled on the delegated parent.
type CgroupCaps struct {
	MemoryHigh     int64    `toml:"memory_high"`
	CPUControllers []string `toml:"cpu_controllers"`
}

// Isolation is the TOML shape of the [run.isolation] table.
type Isolation struct {
	WorkersParent string      `toml:"workers_parent"`
	IncludeBins   []string    `toml:"include_bins"`
	BindMounts    []BindMount `toml:"bind_mounts"`
	Seccomp       Seccomp     `toml:"seccomp"`
	Cgroup        CgroupCaps  `toml:"cgroup"`
}

// LanguageRunner is the TOML shape of languages.<key>.runner — the only
// half of a language's table this core consumes; `display` is read by the
// web front-end and ignored here.
type LanguageRunner struct {
	FileName        string      `toml:"file_name"`
	CompileCmd      *Cmd        `toml:"compile_cmd"`
	RunCmd          Cmd         `toml:"run_cmd"`
	IncludeBins     []string    `toml:"include_bins"`
	ExtraBindMounts []BindMount `toml:"extra_bind_mounts"`
}

// Language is the TOML shape of one languages.<key> entry.
type Language struct {
	Display map[string]interface{} `toml:"display"`
	Runner  LanguageRunner         `toml:"runner"`
}

// HookCmd is the TOML shape of one [run.hooks] entry: an external command
// fed the job state as JSON on stdin at a lifecycle transition.
type HookCmd struct {
	Path      string   `toml:"path"`
	Args      []string `toml:"args"`
	Env       []string `toml:"env"`
	TimeoutMs int64    `toml:"timeout_ms"`
}

func (h HookCmd) toHook() hooks.Hook {
	return hooks.Hook{
		Path:    h.Path,
		Args:    h.Args,
		Env:     h.Env,
		Timeout: time.Duration(h.TimeoutMs) * time.Millisecond,
	}
}

// Hooks is the TOML shape of the [run.hooks] table.
type Hooks struct {
	JobStarted  []HookCmd `toml:"job_started"`
	JobFinished []HookCmd `toml:"job_finished"`
}

// Run is the TOML shape of the top-level [run] table.
type Run struct {
	MaxProgramLength uint32              `toml:"max_program_length"`
	DefaultLanguage  string              `toml:"default_language"`
	Isolation        Isolation           `toml:"isolation"`
	Hooks            Hooks               `toml:"hooks"`
	Languages        map[string]Language `toml:"languages"`
}

// Config is the parsed, validated run subsystem configuration.
type Config struct {
	Run Run `toml:"run"`
}

// Load reads and parses the TOML document at path, then validates it.
// A Config returned from Load is always ready for manager.New; invalid
// syscall names, missing include_bins binaries, and other impossible
// configurations are rejected here rather than surfacing at job time.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidConfig, "config.Load")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every invariant manager.New depends on: a resolvable
// default language, a usable workers_parent, present include_bins
// binaries, and a seccomp allow-list made entirely of recognized syscalls.
// The first violation found is returned; config loading is fail-fast, not
// best-effort.
func (c *Config) Validate() error {
	if c.Run.MaxProgramLength == 0 {
		return errors.New(errors.ErrInvalidConfig, "config.Validate", "max_program_length must be nonzero")
	}
	if len(c.Run.Languages) == 0 {
		return errors.New(errors.ErrInvalidConfig, "config.Validate", "no languages configured")
	}
	if _, ok := c.Run.Languages[c.Run.DefaultLanguage]; !ok {
		return errors.WrapWithDetail(errors.ErrUnknownLanguage, errors.ErrInvalidConfig,
			"config.Validate", fmt.Sprintf("default_language %q is not configured", c.Run.DefaultLanguage))
	}
	if c.Run.Isolation.WorkersParent == "" {
		return errors.Wrap(errors.ErrInvalidWorkersParent, errors.ErrInvalidConfig, "config.Validate")
	}
	if !filepath.IsAbs(c.Run.Isolation.WorkersParent) {
		return errors.WrapWithDetail(errors.ErrInvalidWorkersParent, errors.ErrInvalidConfig,
			"config.Validate", "workers_parent must be an absolute path")
	}

	if err := checkIncludeBins(c.Run.Isolation.IncludeBins); err != nil {
		return err
	}

	for name, lang := range c.Run.Languages {
		if lang.Runner.RunCmd.Binary == "" {
			return errors.WrapWithDetail(errors.ErrNoRunCmd, errors.ErrInvalidConfig,
				"config.Validate", fmt.Sprintf("language %q", name))
		}
		if lang.Runner.FileName == "" {
			return errors.New(errors.ErrInvalidConfig, "config.Validate",
				fmt.Sprintf("language %q has no file_name", name))
		}
		if err := checkIncludeBins(lang.Runner.IncludeBins); err != nil {
			return err
		}
	}

	if err := checkSyscalls(c.Run.Isolation.Seccomp.Allowed); err != nil {
		return err
	}

	for _, h := range append(c.Run.Hooks.JobStarted, c.Run.Hooks.JobFinished...) {
		if h.Path == "" {
			return errors.New(errors.ErrInvalidConfig, "config.Validate", "hook entry has no path")
		}
		if !filepath.IsAbs(h.Path) {
			return errors.New(errors.ErrInvalidConfig, "config.Validate",
				fmt.Sprintf("hook path %q must be absolute", h.Path))
		}
	}
	return nil
}

// HookConfig resolves the [run.hooks] table into the runner-facing shape.
func (c *Config) HookConfig() hooks.Config {
	var out hooks.Config
	for _, h := range c.Run.Hooks.JobStarted {
		out.JobStarted = append(out.JobStarted, h.toHook())
	}
	for _, h := range c.Run.Hooks.JobFinished {
		out.JobFinished = append(out.JobFinished, h.toHook())
	}
	return out
}

func checkIncludeBins(bins []string) error {
	for _, bin := range bins {
		if _, err := os.Stat(bin); err != nil {
			return errors.WrapWithDetail(errors.ErrMissingIncludeBin, errors.ErrInvalidConfig,
				"config.Validate", bin)
		}
	}
	return nil
}

func checkSyscalls(allowed []string) error {
	var unknown []string
	for _, name := range allowed {
		if !linux.KnownSyscall(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return errors.WrapWithDetail(errors.ErrUnknownSyscall, errors.ErrInvalidConfig,
			"config.Validate", fmt.Sprintf("%v", unknown))
	}
	return nil
}

// Language looks up one configured language by key and resolves it into
// the engine/handle-facing job.LanguageConfig shape.
func (c *Config) Language(name string) (job.LanguageConfig, bool) {
	lang, ok := c.Run.Languages[name]
	if !ok {
		return job.LanguageConfig{}, false
	}
	var compile *job.Cmd
	if lang.Runner.CompileCmd != nil {
		cc := lang.Runner.CompileCmd.toJob()
		compile = &cc
	}
	binds := make([]job.BindMount, 0, len(lang.Runner.ExtraBindMounts))
	for _, b := range lang.Runner.ExtraBindMounts {
		binds = append(binds, b.toJob())
	}
	return job.LanguageConfig{
		Name:            name,
		FileName:        lang.Runner.FileName,
		CompileCmd:      compile,
		RunCmd:          lang.Runner.RunCmd.toJob(),
		IncludeBins:     lang.Runner.IncludeBins,
		ExtraBindMounts: binds,
	}, true
}

// ResolvedIsolation merges the global [run.isolation] table with a
// language's extra_bind_mounts/include_bins into the single recipe a
// worker of that language is sandboxed with.
func (c *Config) ResolvedIsolation(language string) (job.IsolationConfig, error) {
	lang, ok := c.Language(language)
	if !ok {
		return job.IsolationConfig{}, errors.Wrap(errors.ErrUnknownLanguage, errors.ErrAdmissionDenied, "config.ResolvedIsolation")
	}

	binds := make([]job.BindMount, 0, len(c.Run.Isolation.BindMounts)+len(lang.ExtraBindMounts))
	for _, b := range c.Run.Isolation.BindMounts {
		binds = append(binds, b.toJob())
	}
	binds = append(binds, lang.ExtraBindMounts...)

	includeBins := make([]string, 0, len(c.Run.Isolation.IncludeBins)+len(lang.IncludeBins))
	includeBins = append(includeBins, c.Run.Isolation.IncludeBins...)
	includeBins = append(includeBins, lang.IncludeBins...)

	return job.IsolationConfig{
		WorkersParent: c.Run.Isolation.WorkersParent,
		IncludeBins:   includeBins,
		BindMounts:    binds,
		Seccomp: job.SeccompConfig{
			Allowed:  c.Run.Isolation.Seccomp.Allowed,
			Mismatch: c.Run.Isolation.Seccomp.MismatchAction.toLinux(),
		},
		MemoryHigh:     c.Run.Isolation.Cgroup.MemoryHigh,
		CPUControllers: c.Run.Isolation.Cgroup.CPUControllers,
	}, nil
}

// LanguageNames returns every configured language key, in no particular
// order.
func (c *Config) LanguageNames() []string {
	names := make([]string, 0, len(c.Run.Languages))
	for name := range c.Run.Languages {
		names = append(names, name)
	}
	return names
}
