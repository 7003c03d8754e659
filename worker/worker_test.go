package worker

import (
	"testing"
	"time"

	"judgerun/protocol"
)

func TestRunOneCapturesStdout(t *testing.T) {
	result, err := runOne(protocol.RunCmd{
		Argv:          []string{"/bin/echo", "-n", "hello"},
		CaptureStdout: true,
	}, nil)
	if err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello")
	}
	if result.ExitStatus != 0 {
		t.Errorf("ExitStatus = %d, want 0", result.ExitStatus)
	}
	if result.TimedOut {
		t.Error("TimedOut = true, want false")
	}
}

func TestRunOneReportsNonzeroExit(t *testing.T) {
	result, err := runOne(protocol.RunCmd{Argv: []string{"/bin/sh", "-c", "exit 7"}}, nil)
	if err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if result.ExitStatus != 7 {
		t.Errorf("ExitStatus = %d, want 7", result.ExitStatus)
	}
}

// TestRunOneTimeoutKillsProcess checks that a timed-out result reports
// duration_ms >= timeout_ms, and that the process is actually killed
// rather than left running.
func TestRunOneTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	result, err := runOne(protocol.RunCmd{
		Argv:      []string{"/bin/sleep", "5"},
		TimeoutMs: 100,
	}, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("TimedOut = false, want true")
	}
	if result.DurationMs < 100 {
		t.Errorf("DurationMs = %d, want >= timeout_ms (100)", result.DurationMs)
	}
	if elapsed > 4*time.Second {
		t.Errorf("runOne took %v, process was not killed promptly on timeout", elapsed)
	}
}

func TestRunOneRejectsEmptyArgv(t *testing.T) {
	if _, err := runOne(protocol.RunCmd{}, nil); err == nil {
		t.Error("expected an error for an empty argv")
	}
}

func TestRunOneStdinIsFed(t *testing.T) {
	result, err := runOne(protocol.RunCmd{
		Argv:          []string{"/bin/cat"},
		Stdin:         "abc\n",
		CaptureStdout: true,
	}, nil)
	if err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if result.Stdout != "abc\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "abc\n")
	}
}

func TestRunOneStdoutCapEnforced(t *testing.T) {
	result, err := runOne(protocol.RunCmd{
		Argv:           []string{"/bin/echo", "-n", "0123456789"},
		CaptureStdout:  true,
		StdoutCapBytes: 4,
	}, nil)
	if err != nil {
		t.Fatalf("runOne: %v", err)
	}
	if result.Stdout != "0123" {
		t.Errorf("Stdout = %q, want capped at 4 bytes", result.Stdout)
	}
}

func TestIsInnerStageFalseByDefault(t *testing.T) {
	if IsInnerStage() {
		t.Error("IsInnerStage() = true outside a re-exec'd inner worker")
	}
}
