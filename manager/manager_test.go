package manager

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"judgerun/config"
	"judgerun/errors"
	"judgerun/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	body := `
[run]
max_program_length = 16
default_language = "python"

[run.isolation]
workers_parent = "` + t.TempDir() + `"

[run.languages.python.runner]
file_name = "main.py"
run_cmd = { binary = "/usr/bin/python3", args = ["main.py"] }
`
	path := t.TempDir() + "/config.toml"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// /bin/true exits 0 immediately without ever sending Ready, so
	// handle.New fails fast with a sandbox-setup error — exactly the
	// shape admission tests need without a real sandbox.
	return newTestManagerExec(t, "/bin/true")
}

func newTestManagerExec(t *testing.T, execPath string) *Manager {
	t.Helper()
	mgr, err := New(Options{
		Config:   testConfig(t),
		ExecPath: execPath,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	return mgr
}

// hangingExec writes a fake worker that never exits on its own, so a test
// can hold a job in flight for as long as it needs before cancelling it.
func hangingExec(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/hangworker"
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0755); err != nil {
		t.Fatalf("write hanging worker: %v", err)
	}
	return path
}

func TestRequestJobRejectsProgramTooLong(t *testing.T) {
	mgr := newTestManager(t)
	req := job.Request{UserID: "alice", Language: "python", Program: strings.Repeat("x", 1000)}
	_, err := mgr.RequestJob(context.Background(), req)
	if !errors.IsKind(err, errors.ErrAdmissionDenied) {
		t.Fatalf("RequestJob error = %v, want AdmissionDenied", err)
	}
}

func TestRequestJobRejectsUnknownLanguage(t *testing.T) {
	mgr := newTestManager(t)
	req := job.Request{UserID: "alice", Language: "cobol", Program: "x"}
	_, err := mgr.RequestJob(context.Background(), req)
	if !errors.IsKind(err, errors.ErrAdmissionDenied) {
		t.Fatalf("RequestJob error = %v, want AdmissionDenied", err)
	}
}

// TestRequestJobDeniesInProgress: a second request from a user who
// already has a job in flight is denied, without
// waiting for the first job to reach a terminal state. The fake worker
// hangs so the first job is guaranteed to still be in flight when the
// second request arrives.
func TestRequestJobDeniesInProgress(t *testing.T) {
	mgr := newTestManagerExec(t, hangingExec(t))
	req := job.Request{UserID: "alice", Language: "python", Program: "x", Mode: job.ModeTest}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := mgr.RequestJob(ctx, req)
	if err != nil {
		t.Fatalf("first RequestJob: %v", err)
	}

	if _, err := mgr.RequestJob(ctx, req); !errors.Is(err, errors.ErrJobInProgress) {
		t.Fatalf("second RequestJob error = %v, want ErrJobInProgress", err)
	}

	// Tear the hanging job down and drain its terminal outcome so the
	// test doesn't leak a goroutine past its own lifetime.
	cancel()
	<-first
}

func TestRequestJobAllowsDifferentUsersConcurrently(t *testing.T) {
	mgr := newTestManager(t)
	reqA := job.Request{UserID: "alice", Language: "python", Program: "x", Mode: job.ModeTest}
	reqB := job.Request{UserID: "bob", Language: "python", Program: "x", Mode: job.ModeTest}

	chA, err := mgr.RequestJob(context.Background(), reqA)
	if err != nil {
		t.Fatalf("RequestJob(alice): %v", err)
	}
	chB, err := mgr.RequestJob(context.Background(), reqB)
	if err != nil {
		t.Fatalf("RequestJob(bob): %v", err)
	}

	<-chA
	<-chB
}

func TestRequestJobDeliversTerminalOutcome(t *testing.T) {
	mgr := newTestManager(t)
	req := job.Request{UserID: "alice", Language: "python", Program: "x", Mode: job.ModeTest}

	ch, err := mgr.RequestJob(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestJob: %v", err)
	}

	select {
	case outcome := <-ch:
		// /bin/true never sends Ready, so the job must terminate as a
		// sandbox setup failure rather than completing.
		if outcome.Kind != job.OutcomeSandboxSetup {
			t.Errorf("outcome.Kind = %q, want %q", outcome.Kind, job.OutcomeSandboxSetup)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal outcome never delivered")
	}
}

func TestCancelNonexistentJobIsNoop(t *testing.T) {
	mgr := newTestManager(t)
	done := make(chan struct{})
	go func() {
		mgr.Cancel("nobody")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel on a nonexistent job blocked")
	}
}

func TestRequestJobAdmitsAgainAfterCompletion(t *testing.T) {
	mgr := newTestManager(t)
	req := job.Request{UserID: "alice", Language: "python", Program: "x", Mode: job.ModeTest}

	first, err := mgr.RequestJob(context.Background(), req)
	if err != nil {
		t.Fatalf("first RequestJob: %v", err)
	}
	<-first

	second, err := mgr.RequestJob(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestJob after completion should be admitted again: %v", err)
	}
	<-second
}
