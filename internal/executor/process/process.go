// Package process runs submissions with the host's own toolchains.
//
// It exists for development machines and CI runners without a Docker daemon.
// Isolation is weaker than the docker backend: there is no filesystem jail,
// and memory is bounded by RLIMIT_AS rather than a cgroup. Process counts are
// capped with a cgroup v2 pids.max under CgroupRoot; without one the backend
// refuses to start unless AllowUnboundedPids is set. Production deployments
// should use the docker backend.
package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/workspace"
)

// Config holds process-backend settings.
type Config struct {
	// Namespaces runs each phase in fresh user, network, mount, ipc and uts
	// namespaces. Needs unprivileged user namespaces on the host.
	Namespaces bool
	// Path is the PATH handed to sandboxed programs; nothing else from the
	// service's environment leaks through.
	Path string
	// LimitAddressSpace applies RLIMIT_AS = Limits.MemoryBytes. JVMs and V8
	// reserve far more virtual memory than they use, so hosts running those
	// languages under this backend usually turn it off.
	LimitAddressSpace bool
	// FileSizeBytes is RLIMIT_FSIZE, the largest file a program may write.
	FileSizeBytes int64
	// KillGrace bounds how long Wait lingers on output pipes after a kill.
	KillGrace time.Duration
	// CgroupRoot is a delegated cgroup v2 directory (for example
	// /sys/fs/cgroup/runbox.service/sandbox) with the pids controller
	// available. Each phase runs in a child cgroup with pids.max = Limits.Pids.
	CgroupRoot string
	// AllowUnboundedPids lets the backend start without CgroupRoot, in which
	// case Limits.Pids is not enforced.
	AllowUnboundedPids bool
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "/usr/local/bin:/usr/bin:/bin",
		LimitAddressSpace: true,
		FileSizeBytes:     16 * 1024 * 1024,
		KillGrace:         2 * time.Second,
	}
}

// Sandbox implements executor.Sandbox with plain child processes.
type Sandbox struct {
	config  Config
	cgroups *cgroupRoot
	logger  *slog.Logger
}

// Execute builds (for compiled languages) and then runs the workspace.
func (s *Sandbox) Execute(ctx context.Context, ws *workspace.Workspace, spec language.Spec, stdin string, limits executor.Limits) (*executor.Outcome, error) {
	if spec.Compiled() {
		build, err := s.runPhase(ctx, ws, spec, spec.BuildArgs(ws.Dir), "", limits.BuildWallTime, limits, executor.PhaseBuild)
		if err != nil {
			return nil, err
		}
		if build.TimedOut || build.ExitCode == nil || *build.ExitCode != 0 {
			if len(build.Stdout) > 0 {
				build.Stderr = append(build.Stderr, build.Stdout...)
				build.Stdout = nil
			}
			return build, nil
		}
	}
	return s.runPhase(ctx, ws, spec, spec.RunArgs(ws.Dir), stdin, limits.WallTime, limits, executor.PhaseRun)
}

// Close is a no-op; the backend holds no long-lived resources.
func (s *Sandbox) Close() error {
	return nil
}

func (s *Sandbox) environment(ws *workspace.Workspace, spec language.Spec) []string {
	env := []string{
		"PATH=" + s.config.Path,
		"HOME=" + ws.Dir,
		"TMPDIR=" + ws.Dir,
		"LANG=C.UTF-8",
	}
	return append(env, spec.Env...)
}

var _ executor.Sandbox = (*Sandbox)(nil)
