package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"judgerun/config"
	"judgerun/job"
	"judgerun/manager"
)

// manifestEntry is one line of a batch manifest: a bundle directory plus
// the submission metadata loadBundle needs to resolve it into a
// job.Request. Running a manifest through one Manager is how `list` and
// `state` exercise admission and the event hub across several concurrent
// users, the way a live contest would.
type manifestEntry struct {
	Bundle      string `json:"bundle"`
	User        string `json:"user"`
	Problem     string `json:"problem"`
	Language    string `json:"language"`
	Mode        string `json:"mode"`
	CPUTimeMs   int64  `json:"cpu_time_ms"`
	MemoryBytes int64  `json:"memory_bytes"`
}

// readManifest parses a newline-delimited JSON manifest, one
// manifestEntry per line, blank lines ignored.
func readManifest(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	var entries []manifestEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e manifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse manifest line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// batchResult is one manifest entry's terminal outcome.
type batchResult struct {
	User     string
	Problem  string
	Outcome  job.Outcome
	ReqError error
}

// runManifest builds a Manager from globalConfig, submits every manifest
// entry's job concurrently, and blocks until all have reached a terminal
// state. onStart, when non-nil, is invoked once every admitted job has been
// requested and before any outcome is awaited (some jobs may already have
// finished), so a caller can poll Manager.ActiveJobs for a live snapshot.
func runManifest(manifestPath string, onStart func(*manager.Manager)) ([]batchResult, error) {
	cfg, err := config.Load(globalConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if globalRoot != "" {
		cfg.Run.Isolation.WorkersParent = globalRoot
	}

	entries, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	mgr, err := manager.New(manager.Options{
		Config:   cfg,
		ExecPath: execPath,
		Hooks:    cfg.HookConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("build manager: %w", err)
	}

	ctx := GetContext()
	results := make([]batchResult, len(entries))
	outcomes := make([]<-chan job.Outcome, len(entries))
	for i, e := range entries {
		mode := job.Mode(e.Mode)
		if mode == "" {
			mode = job.ModeJudge
		}
		req, err := loadBundle(e.Bundle, e.User, e.Problem, e.Language, mode, e.CPUTimeMs, e.MemoryBytes)
		results[i] = batchResult{User: e.User, Problem: e.Problem}
		if err != nil {
			results[i].ReqError = err
			continue
		}
		ch, err := mgr.RequestJob(ctx, req)
		if err != nil {
			results[i].ReqError = err
			continue
		}
		outcomes[i] = ch
	}

	if onStart != nil {
		onStart(mgr)
	}

	for i := range results {
		if results[i].ReqError != nil {
			continue
		}
		results[i].Outcome = <-outcomes[i]
	}

	return results, nil
}
