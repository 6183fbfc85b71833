// Package executor defines the execution vocabulary: requests, raw sandbox
// outcomes, classified results, and the Sandbox contract that backends
// (docker, process) implement.
package executor

import (
	"context"
	"time"

	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/workspace"
)

// ExecutionRequest is what a caller submits.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"codeSnippet"`
	Stdin    string `json:"stdin"`
}

// Status is the single classification of an execution.
type Status string

const (
	StatusSuccess          Status = "Success"
	StatusCompileError     Status = "CompileError"
	StatusRuntimeError     Status = "RuntimeError"
	StatusTimeout          Status = "Timeout"
	StatusResourceExceeded Status = "ResourceExceeded"
	StatusInternalError    Status = "InternalError"
)

// ExecutionResult is the classified, caller-facing result.
type ExecutionResult struct {
	Status   Status        `json:"status"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode *int          `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	// Message explains a non-Success status when stderr alone doesn't.
	Message string `json:"message,omitempty"`
}

// Executor runs a request end to end. The service layer implements it;
// handlers depend only on this interface.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Phase tells the classifier which stage produced an Outcome.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseRun   Phase = "run"
)

// Outcome is the raw, unclassified result of one sandbox invocation.
type Outcome struct {
	Phase Phase
	// ExitCode is nil when the process never reported one (killed before exit status was known).
	ExitCode *int
	// Signal is the terminating signal name (e.g. "SIGKILL"), empty for a normal exit.
	Signal         string
	TimedOut       bool
	OOMKilled      bool
	OutputExceeded bool
	// PidsExceeded is set when the kernel refused a fork at the process cap.
	PidsExceeded bool
	Stdout       []byte
	Stderr       []byte
	WallTime     time.Duration
}

// Limits are the ceilings applied to one execution.
type Limits struct {
	// WallTime bounds the run phase; BuildWallTime bounds the build phase.
	WallTime      time.Duration
	BuildWallTime time.Duration
	// CPUTime is enforced as RLIMIT_CPU (whole seconds, rounded up).
	CPUTime     time.Duration
	MemoryBytes int64
	OutputBytes int64
	Pids        int64
	NanoCPUs    int64
}

// DefaultLimits are conservative ceilings for a shared host.
func DefaultLimits() Limits {
	return Limits{
		WallTime:      5 * time.Second,
		BuildWallTime: 20 * time.Second,
		CPUTime:       5 * time.Second,
		MemoryBytes:   256 * 1024 * 1024,
		OutputBytes:   64 * 1024,
		Pids:          64,
		NanoCPUs:      1_000_000_000,
	}
}

// Sandbox builds (if needed) and runs one workspace under isolation.
//
// A returned error means the isolation itself could not be set up and is never
// the submitted code's fault. Everything the code does, including failing to
// compile, crashing, or running out of time, comes back as an Outcome.
type Sandbox interface {
	Execute(ctx context.Context, ws *workspace.Workspace, spec language.Spec, stdin string, limits Limits) (*Outcome, error)
	Close() error
}

// IntPtr is a small helper for optional exit codes.
func IntPtr(v int) *int {
	return &v
}
