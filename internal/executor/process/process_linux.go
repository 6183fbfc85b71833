//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/workspace"
)

// New creates a process sandbox.
func New(cfg Config, logger *slog.Logger) (*Sandbox, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.FileSizeBytes <= 0 {
		cfg.FileSizeBytes = def.FileSizeBytes
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}

	s := &Sandbox{config: cfg, logger: logger}
	if cfg.CgroupRoot == "" {
		if !cfg.AllowUnboundedPids {
			return nil, errors.New("process sandbox cannot enforce the pids limit without a cgroup root; set process.cgroup_root or process.allow_unbounded_pids")
		}
		logger.Warn("process sandbox running without a pids limit")
		return s, nil
	}

	root, err := openCgroupRoot(cfg.CgroupRoot)
	if err != nil {
		if !cfg.AllowUnboundedPids {
			return nil, fmt.Errorf("process sandbox: %w", err)
		}
		logger.Warn("cgroup root unusable, running without a pids limit",
			slog.String("cgroup_root", cfg.CgroupRoot), slog.String("error", err.Error()))
		return s, nil
	}
	if n, err := root.sweep(cfg.KillGrace); err != nil {
		logger.Warn("failed to remove stale cgroups", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed stale cgroups", slog.Int("count", n))
	}
	s.cgroups = root
	return s, nil
}

func (s *Sandbox) runPhase(ctx context.Context, ws *workspace.Workspace, spec language.Spec, argv []string, stdin string, wall time.Duration, limits executor.Limits, phase executor.Phase) (*executor.Outcome, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty %s command for %s", phase, spec.ID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = s.environment(ws, spec)
	cmd.SysProcAttr = buildSysProcAttr(s.config.Namespaces)
	cmd.Stdin = strings.NewReader(stdin)
	// Bounds Wait when a detached grandchild still holds the output pipes.
	cmd.WaitDelay = s.config.KillGrace

	var cg *runCgroup
	if s.cgroups != nil {
		var err error
		if cg, err = s.cgroups.create(limits.Pids); err != nil {
			return nil, fmt.Errorf("%s cgroup: %w", phase, err)
		}
		defer func() {
			if err := cg.destroy(s.config.KillGrace); err != nil {
				s.logger.Warn("failed to remove cgroup", slog.String("error", err.Error()))
			}
		}()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = cg.FD()
	}

	var outputExceeded atomic.Bool
	killer := &groupKiller{signal: killProcessGroup}
	kill := killer.Kill
	onOverflow := func() {
		outputExceeded.Store(true)
		kill()
	}
	stdout := executor.NewCappedBuffer(limits.OutputBytes, onOverflow)
	stderr := executor.NewCappedBuffer(limits.OutputBytes, onOverflow)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	killer.Started(cmd.Process.Pid)

	if err := applyRlimits(cmd.Process.Pid, limits, s.config); err != nil {
		kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("apply rlimits: %w", err)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(wall)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			kill()
		case <-timer.C:
			timedOut.Store(true)
			s.logger.Info("wall-clock limit reached, killing process group",
				slog.Int("pid", cmd.Process.Pid), slog.String("phase", string(phase)), slog.Duration("limit", wall))
			kill()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	wallTime := time.Since(start)

	// The group leader is gone; make sure nothing it forked outlives it.
	killProcessGroup(cmd.Process.Pid)

	if ctx.Err() != nil && !timedOut.Load() {
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	state := cmd.ProcessState
	if state == nil {
		return nil, fmt.Errorf("wait %s: %w", argv[0], waitErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		s.logger.Warn("process wait returned an error", slog.String("error", waitErr.Error()))
	}

	outcome := &executor.Outcome{
		Phase:          phase,
		TimedOut:       timedOut.Load(),
		OutputExceeded: outputExceeded.Load() || stdout.Exceeded() || stderr.Exceeded(),
		Stdout:         stdout.Bytes(),
		Stderr:         stderr.Bytes(),
		WallTime:       wallTime,
		PidsExceeded:   cg != nil && cg.pidsExceeded(),
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		// Report signals the way container runtimes do, as 128+N.
		outcome.Signal = executor.SignalName(status.Signal())
		outcome.ExitCode = executor.IntPtr(128 + int(status.Signal()))
	} else {
		outcome.ExitCode = executor.IntPtr(state.ExitCode())
	}
	return outcome, nil
}

// applyRlimits sets per-process ceilings on an already started child.
// Limits are inherited by everything the child forks afterwards.
func applyRlimits(pid int, limits executor.Limits, cfg Config) error {
	cpu := uint64(cpuSeconds(limits.CPUTime))
	rl := []struct {
		resource int
		limit    unix.Rlimit
	}{
		// The soft limit sends SIGXCPU; the hard limit one second later is SIGKILL.
		{unix.RLIMIT_CPU, unix.Rlimit{Cur: cpu, Max: cpu + 1}},
		{unix.RLIMIT_FSIZE, unix.Rlimit{Cur: uint64(cfg.FileSizeBytes), Max: uint64(cfg.FileSizeBytes)}},
		{unix.RLIMIT_CORE, unix.Rlimit{Cur: 0, Max: 0}},
	}
	if cfg.LimitAddressSpace && limits.MemoryBytes > 0 {
		mem := uint64(limits.MemoryBytes)
		rl = append(rl, struct {
			resource int
			limit    unix.Rlimit
		}{unix.RLIMIT_AS, unix.Rlimit{Cur: mem, Max: mem}})
	}

	for _, r := range rl {
		limit := r.limit
		if err := unix.Prlimit(pid, r.resource, &limit, nil); err != nil {
			return fmt.Errorf("prlimit %d: %w", r.resource, err)
		}
	}
	return nil
}

// groupKiller signals a process group at most once. Output can overflow
// before the pid is known, so a Kill that arrives early is held until Started.
type groupKiller struct {
	signal    func(pid int)
	once      sync.Once
	requested atomic.Bool
	pid       atomic.Int64
}

func (k *groupKiller) Kill() {
	// Record the request before reading the pid; Started does the reverse,
	// so at least one of the two observes both.
	k.requested.Store(true)
	if p := int(k.pid.Load()); p > 0 {
		k.once.Do(func() { k.signal(p) })
	}
}

func (k *groupKiller) Started(pid int) {
	k.pid.Store(int64(pid))
	if k.requested.Load() {
		k.Kill()
	}
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func buildSysProcAttr(namespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !namespaces {
		return attr
	}

	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET | syscall.CLONE_NEWNS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

func cpuSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}
