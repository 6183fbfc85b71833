package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    Status
	}{
		{
			name:    "zero exit is success",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(0)},
			want:    StatusSuccess,
		},
		{
			name:    "build failure is compile error",
			outcome: Outcome{Phase: PhaseBuild, ExitCode: IntPtr(1), Stderr: []byte("error: expected ';'")},
			want:    StatusCompileError,
		},
		{
			name:    "build timeout is timeout",
			outcome: Outcome{Phase: PhaseBuild, TimedOut: true},
			want:    StatusTimeout,
		},
		{
			name:    "non-zero run exit is runtime error",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(1)},
			want:    StatusRuntimeError,
		},
		{
			name:    "segfault is runtime error",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(139), Signal: "SIGSEGV"},
			want:    StatusRuntimeError,
		},
		{
			name:    "timeout wins over kill exit",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(137), Signal: "SIGKILL", TimedOut: true},
			want:    StatusTimeout,
		},
		{
			name:    "timeout wins over oom",
			outcome: Outcome{Phase: PhaseRun, TimedOut: true, OOMKilled: true},
			want:    StatusTimeout,
		},
		{
			name:    "oom kill is resource exceeded",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(137), Signal: "SIGKILL", OOMKilled: true},
			want:    StatusResourceExceeded,
		},
		{
			name:    "output cap is resource exceeded",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(137), OutputExceeded: true},
			want:    StatusResourceExceeded,
		},
		{
			name:    "refused fork is resource exceeded even after a clean exit",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(0), PidsExceeded: true},
			want:    StatusResourceExceeded,
		},
		{
			name:    "unexplained kill is resource exceeded",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(137), Signal: "SIGKILL"},
			want:    StatusResourceExceeded,
		},
		{
			name:    "exit 137 without a signal is runtime error",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(137)},
			want:    StatusRuntimeError,
		},
		{
			name:    "cpu limit signal is resource exceeded",
			outcome: Outcome{Phase: PhaseRun, Signal: "SIGXCPU"},
			want:    StatusResourceExceeded,
		},
		{
			name:    "runtime out-of-memory message is resource exceeded",
			outcome: Outcome{Phase: PhaseRun, ExitCode: IntPtr(1), Stderr: []byte("Traceback...\nMemoryError\n")},
			want:    StatusResourceExceeded,
		},
		{
			name:    "missing exit code without signal is runtime error",
			outcome: Outcome{Phase: PhaseRun},
			want:    StatusRuntimeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(&tt.outcome)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResult_KeepsPartialOutput(t *testing.T) {
	res := Result(&Outcome{
		Phase:    PhaseRun,
		ExitCode: IntPtr(1),
		Stdout:   []byte("partial\n"),
		Stderr:   []byte("boom\n"),
		WallTime: 120 * time.Millisecond,
	})

	assert.Equal(t, StatusRuntimeError, res.Status)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "boom\n", res.Stderr)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Equal(t, 120*time.Millisecond, res.Duration)
	assert.Equal(t, "exited with status 1", res.Message)
}

func TestResult_TimeoutMessage(t *testing.T) {
	res := Result(&Outcome{Phase: PhaseRun, TimedOut: true, WallTime: 2 * time.Second})
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, "execution timed out after 2s", res.Message)
}

func TestInternalResult_HasNoDetail(t *testing.T) {
	res := InternalResult()
	assert.Equal(t, StatusInternalError, res.Status)
	assert.Empty(t, res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Nil(t, res.ExitCode)
}

func TestSignalFromExitCode(t *testing.T) {
	assert.Equal(t, "SIGKILL", SignalFromExitCode(137))
	assert.Equal(t, "SIGSEGV", SignalFromExitCode(139))
	assert.Equal(t, "", SignalFromExitCode(1))
	assert.Equal(t, "", SignalFromExitCode(0))
	assert.Equal(t, "", SignalFromExitCode(255))
}

func TestCappedBuffer(t *testing.T) {
	overflows := 0
	buf := NewCappedBuffer(8, func() { overflows++ })

	n, err := buf.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, buf.Exceeded())

	n, err = buf.Write([]byte(" world"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n, "overflowing writes still report success so the producer keeps draining")
	assert.True(t, buf.Exceeded())

	_, _ = buf.Write([]byte("more"))

	assert.Equal(t, "hello wo", string(buf.Bytes()))
	assert.Equal(t, 1, overflows, "overflow callback fires once")
}
