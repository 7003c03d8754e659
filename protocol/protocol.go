// Package protocol implements the line-delimited JSON wire contract between
// the service-side worker handle and the self-exec'd worker subprocess.
//
// Every message is a single JSON object terminated by a newline; the worker
// never writes anything else to stdout, and stderr is untyped log forwarding
// that must never be parsed as protocol.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType is the wire tag carried in every envelope's "type" field.
type MessageType string

const (
	// Parent (service-side handle) to child (worker).
	TypeWorkerInit     MessageType = "WorkerInit"
	TypeUidGidMapReady MessageType = "UidGidMapReady"
	TypeRunCmd         MessageType = "RunCmd"
	TypeStop           MessageType = "Stop"

	// Child (worker) to parent (service-side handle).
	TypeRequestUidGidMap MessageType = "RequestUidGidMap"
	TypeReady            MessageType = "Ready"
	TypeRunResult        MessageType = "RunResult"
	TypeInternalError    MessageType = "InternalError"
)

// BindMount mirrors IsolationConfig.bind_mounts entries.
type BindMount struct {
	Src      string `json:"src"`
	Dst      string `json:"dst,omitempty"`
	ReadOnly bool   `json:"read_only"`
	NoExec   bool   `json:"no_exec"`
	NoSuid   bool   `json:"no_suid"`
	NoDev    bool   `json:"no_dev"`
}

// Isolation is the resolved sandbox recipe for one worker, sent once in
// WorkerInit. It has already been merged from the global and per-language
// configuration by the time the service-side handle builds it.
type Isolation struct {
	// SandboxRoot is the already-created directory (under WorkersParent)
	// the worker mounts tmpfs onto and eventually pivots into.
	SandboxRoot   string      `json:"sandbox_root"`
	WorkersParent string      `json:"workers_parent"`
	IncludeBins   []string    `json:"include_bins,omitempty"`
	BindMounts    []BindMount `json:"bind_mounts,omitempty"`
	MemoryHigh    int64       `json:"memory_high,omitempty"`
}

// WorkerInit is the first message sent to a freshly spawned worker.
type WorkerInit struct {
	Isolation  Isolation `json:"isolation"`
	SeccompBPF []byte    `json:"seccomp_bpf"`
	CgroupPath string    `json:"cgroup_path"`
}

// RequestUidGidMap is emitted by the outer worker after unshare and after
// starting the inner worker, naming the child PID the service side must
// pass to newuidmap/newgidmap.
type RequestUidGidMap struct {
	ChildPID int `json:"child_pid"`
}

// UidGidMapReady is the reply once the host-side helpers have run.
type UidGidMapReady struct{}

// Ready is emitted once the inner worker has completed the sandbox recipe
// and entered its event loop.
type Ready struct{}

// RunCmd requests execution of one program inside the sandbox: either a
// compile command or a test case's run command.
type RunCmd struct {
	Argv          []string `json:"argv"`
	Stdin         string   `json:"stdin"`
	TimeoutMs     int64    `json:"timeout_ms"`
	CaptureStdout bool     `json:"capture_stdout"`
	// StdoutCapBytes bounds the captured stdout; 0 means unbounded.
	StdoutCapBytes int `json:"stdout_cap_bytes,omitempty"`
}

// RunResult is the reply to exactly one RunCmd.
type RunResult struct {
	ExitStatus            int    `json:"exit_status"`
	Stdout                string `json:"stdout,omitempty"`
	StderrTail            string `json:"stderr_tail,omitempty"`
	DurationMs            int64  `json:"duration_ms"`
	CpuMsDelta            int64  `json:"cpu_ms_delta"`
	MemoryHighEventsDelta int64  `json:"memory_high_events_delta"`
	TimedOut              bool   `json:"timed_out"`
}

// Stop asks the worker to exit 0 after tearing down any in-flight process.
type Stop struct{}

// InternalError is emitted in place of crashing so the service side can
// classify the failure instead of inferring it from a bare exit code.
type InternalError struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

// Envelope is the on-wire shape: a type tag plus the raw payload, decoded in
// two passes so the caller can dispatch on Type before unmarshalling Payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into its envelope.
func Encode(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Encoder writes newline-delimited JSON envelopes to an underlying writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w as a line-delimited JSON message sink.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send marshals payload under tag t and writes it as one newline-terminated line.
func (e *Encoder) Send(t MessageType, payload any) error {
	env, err := Encode(t, payload)
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')
	_, err = e.w.Write(line)
	return err
}

// Decoder reads newline-delimited JSON envelopes from an underlying reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r as a line-delimited JSON message source. The internal
// buffer is sized generously since RunResult may carry captured stdout.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next reads the next envelope. It returns io.EOF when the underlying reader
// is exhausted (the worker closed stdout, e.g. on exit).
func (d *Decoder) Next() (Envelope, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}
	var env Envelope
	if err := json.Unmarshal(d.scanner.Bytes(), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Decode unmarshals an envelope's payload into dst.
func Decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
