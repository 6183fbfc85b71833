package executor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalName returns the conventional name ("SIGKILL") for a signal number,
// or "" when the number is unknown.
func SignalName(sig syscall.Signal) string {
	return unix.SignalName(sig)
}

// SignalFromExitCode decodes the shell convention used by container runtimes:
// a process killed by signal N is reported as exit code 128+N.
func SignalFromExitCode(code int) string {
	if code <= 128 || code > 128+64 {
		return ""
	}
	return SignalName(syscall.Signal(code - 128))
}
