package executor

import (
	"bytes"
	"fmt"
	"time"
)

// oomMarkers are stderr fragments runtimes print when an allocation fails
// under an address-space limit instead of being killed by the kernel
// (python, c++, java, node, ruby, php, perl, lua, libc in that order).
var oomMarkers = [][]byte{
	[]byte("MemoryError"),
	[]byte("std::bad_alloc"),
	[]byte("java.lang.OutOfMemoryError"),
	[]byte("JavaScript heap out of memory"),
	[]byte("(NoMemoryError)"),
	[]byte("Allowed memory size of"),
	[]byte("Out of memory!"),
	[]byte("not enough memory"),
	[]byte("Cannot allocate memory"),
}

// Classify maps a raw Outcome to a Status. It is pure and deterministic.
//
// PRECEDENCE:
//  1. a build-phase outcome is a CompileError (unless the build ran out of time)
//  2. TimedOut beats everything else, because the kill at the deadline is what
//     produced the non-zero exit
//  3. resource ceilings: OOM kill, output cap, a refused fork, SIGXCPU/SIGXFSZ,
//     an otherwise unexplained SIGKILL, or a runtime's own out-of-memory message
//  4. any other non-zero exit or signal is a RuntimeError
//  5. exit 0 is Success
func Classify(o *Outcome) (Status, string) {
	if o.Phase == PhaseBuild {
		if o.TimedOut {
			return StatusTimeout, fmt.Sprintf("compilation timed out after %s", o.WallTime.Round(time.Millisecond))
		}
		return StatusCompileError, "compilation failed"
	}

	if o.TimedOut {
		return StatusTimeout, fmt.Sprintf("execution timed out after %s", o.WallTime.Round(time.Millisecond))
	}

	switch {
	case o.OOMKilled:
		return StatusResourceExceeded, "memory limit exceeded"
	case o.OutputExceeded:
		return StatusResourceExceeded, "output limit exceeded"
	case o.PidsExceeded:
		return StatusResourceExceeded, "process limit exceeded"
	case o.Signal == "SIGXCPU":
		return StatusResourceExceeded, "cpu time limit exceeded"
	case o.Signal == "SIGXFSZ":
		return StatusResourceExceeded, "file size limit exceeded"
	case o.Signal == "SIGKILL":
		// Nothing here kills with SIGKILL except a limit. Backends that only
		// see an exit code decode 137 as SIGKILL, including a literal exit(137).
		return StatusResourceExceeded, "killed after exceeding a resource limit"
	}

	exited := o.ExitCode != nil && *o.ExitCode == 0 && o.Signal == ""
	if exited {
		return StatusSuccess, ""
	}

	if hasOOMMarker(o.Stderr) {
		return StatusResourceExceeded, "memory limit exceeded"
	}
	if o.Signal != "" {
		return StatusRuntimeError, fmt.Sprintf("terminated by %s", o.Signal)
	}
	if o.ExitCode != nil {
		return StatusRuntimeError, fmt.Sprintf("exited with status %d", *o.ExitCode)
	}
	return StatusRuntimeError, "terminated abnormally"
}

// Result builds the caller-facing result for an outcome. Output captured up to
// the ceiling is always carried over, whatever the status.
func Result(o *Outcome) *ExecutionResult {
	status, msg := Classify(o)
	return &ExecutionResult{
		Status:   status,
		Stdout:   string(o.Stdout),
		Stderr:   string(o.Stderr),
		ExitCode: o.ExitCode,
		Duration: o.WallTime,
		Message:  msg,
	}
}

// InternalResult is what callers see when the sandbox itself failed.
// It carries no detail from the underlying error.
func InternalResult() *ExecutionResult {
	return &ExecutionResult{
		Status:  StatusInternalError,
		Message: "internal error: execution could not be completed",
	}
}

func hasOOMMarker(stderr []byte) bool {
	for _, m := range oomMarkers {
		if bytes.Contains(stderr, m) {
			return true
		}
	}
	return false
}
