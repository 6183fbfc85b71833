package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/workspace"
)

// dockerAPI is the slice of the Docker client the sandbox uses.
// *client.Client satisfies it; tests substitute a fake daemon.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// Sandbox implements executor.Sandbox using one throwaway Docker container
// per phase.
//
// ISOLATION:
// Every container gets the workspace bind-mounted at Config.MountPath and
// nothing else writable except a small /tmp tmpfs. Networking is disabled,
// all capabilities are dropped, privilege escalation is blocked, and the
// process runs as an unprivileged uid. Memory (with swap pinned to the same
// value), CPU share, pid count and RLIMIT_CPU come from executor.Limits.
//
// WHY NOT A WARM POOL?
// A pre-started container cannot receive a new bind mount, and copying files
// into a running container needs a tar stream per request. Creating a fresh
// container costs a few hundred milliseconds but keeps every execution on a
// clean filesystem.
type Sandbox struct {
	cli    dockerAPI
	config Config
	logger *slog.Logger
}

// New connects to the Docker daemon described by the environment
// (DOCKER_HOST and friends) and verifies it answers.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon is not reachable: %w", err)
	}

	return newSandbox(cli, cfg, logger), nil
}

func newSandbox(cli dockerAPI, cfg Config, logger *slog.Logger) *Sandbox {
	def := DefaultConfig()
	if cfg.User == "" {
		cfg.User = def.User
	}
	if cfg.MountPath == "" {
		cfg.MountPath = def.MountPath
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if cfg.Label == "" {
		cfg.Label = def.Label
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = def.PullTimeout
	}
	return &Sandbox{cli: cli, config: cfg, logger: logger}
}

// Close releases the docker client.
func (s *Sandbox) Close() error {
	return s.cli.Close()
}

// Execute builds (for compiled languages) and then runs the workspace.
// A failed or timed-out build stops there and its outcome is returned with
// Phase set to build.
func (s *Sandbox) Execute(ctx context.Context, ws *workspace.Workspace, spec language.Spec, stdin string, limits executor.Limits) (*executor.Outcome, error) {
	dir := s.config.MountPath

	if spec.Compiled() {
		build, err := s.runPhase(ctx, ws, spec, spec.BuildArgs(dir), "", limits.BuildWallTime, limits, executor.PhaseBuild)
		if err != nil {
			return nil, err
		}
		if build.TimedOut || build.ExitCode == nil || *build.ExitCode != 0 {
			// Some toolchains report diagnostics on stdout; keep them visible.
			if len(build.Stdout) > 0 {
				build.Stderr = append(build.Stderr, build.Stdout...)
				build.Stdout = nil
			}
			return build, nil
		}
	}

	return s.runPhase(ctx, ws, spec, spec.RunArgs(dir), stdin, limits.WallTime, limits, executor.PhaseRun)
}

// runPhase creates, attaches, starts and waits for a single container.
//
// ORDER MATTERS:
// Attach and ContainerWait are both issued before ContainerStart. Attaching
// late loses output from fast programs, and waiting late can miss the exit
// event of a program that finishes before the wait is registered.
func (s *Sandbox) runPhase(ctx context.Context, ws *workspace.Workspace, spec language.Spec, argv []string, stdin string, wall time.Duration, limits executor.Limits, phase executor.Phase) (*executor.Outcome, error) {
	cfg, hostCfg := s.containerConfig(ws, spec, argv, limits)

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID
	log := s.logger.With(slog.String("container", shortID(id)), slog.String("phase", string(phase)), slog.String("language", spec.ID))

	// Always ensure we clean up the container, even if the request was cancelled
	defer s.removeContainer(id)

	attach, err := s.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}
	defer attach.Close()

	// The wait must survive our own kill, so it is detached from ctx and
	// cancelled explicitly when the phase is over.
	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()
	waitCh, waitErrCh := s.cli.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	var (
		killOnce       sync.Once
		outputExceeded atomic.Bool
	)
	kill := func() {
		killOnce.Do(func() {
			killCtx, cancel := context.WithTimeout(context.Background(), s.config.KillGrace)
			defer cancel()
			if err := s.cli.ContainerKill(killCtx, id, "KILL"); err != nil && !errdefsNotFoundOrConflict(err) {
				log.Warn("failed to kill container", slog.String("error", err.Error()))
			}
		})
	}
	onOverflow := func() {
		outputExceeded.Store(true)
		go kill()
	}
	stdout := executor.NewCappedBuffer(limits.OutputBytes, onOverflow)
	stderr := executor.NewCappedBuffer(limits.OutputBytes, onOverflow)

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// Use stdcopy to demultiplex stdout from stderr
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
			log.Debug("output stream ended with error", slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	go func() {
		if stdin != "" {
			if _, err := io.Copy(attach.Conn, strings.NewReader(stdin)); err != nil {
				log.Debug("stdin not fully delivered", slog.String("error", err.Error()))
			}
		}
		// EOF on stdin, so programs that read to the end terminate.
		_ = attach.CloseWrite()
	}()

	deadline := time.NewTimer(wall)
	defer deadline.Stop()
	var (
		grace    <-chan time.Time
		timedOut bool
		status   container.WaitResponse
	)

wait:
	for {
		select {
		case status = <-waitCh:
			break wait
		case err := <-waitErrCh:
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		case <-deadline.C:
			timedOut = true
			log.Info("wall-clock limit reached, killing container", slog.Duration("limit", wall))
			kill()
			grace = time.After(s.config.KillGrace)
		case <-grace:
			return nil, fmt.Errorf("container %s did not stop after kill", shortID(id))
		case <-ctx.Done():
			kill()
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
	}
	wallTime := time.Since(start)

	if status.Error != nil && status.Error.Message != "" {
		return nil, fmt.Errorf("container wait reported: %s", status.Error.Message)
	}

	// The attach stream closes once the container exits; give the copier a
	// moment to flush what is left.
	select {
	case <-copyDone:
	case <-time.After(2 * time.Second):
		log.Warn("output copy did not finish after exit")
	}

	oomKilled := false
	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if info, err := s.cli.ContainerInspect(inspectCtx, id); err != nil {
		log.Warn("failed to inspect finished container", slog.String("error", err.Error()))
	} else if info.ContainerJSONBase != nil && info.State != nil {
		oomKilled = info.State.OOMKilled
	}

	// The init process reports a child killed by signal N as exit 128+N, so a
	// program that calls exit(137) itself is indistinguishable from one that
	// was SIGKILLed and is classified as having hit a resource limit.
	code := int(status.StatusCode)
	return &executor.Outcome{
		Phase:          phase,
		ExitCode:       executor.IntPtr(code),
		Signal:         executor.SignalFromExitCode(code),
		TimedOut:       timedOut,
		OOMKilled:      oomKilled,
		OutputExceeded: outputExceeded.Load() || stdout.Exceeded() || stderr.Exceeded(),
		Stdout:         stdout.Bytes(),
		Stderr:         stderr.Bytes(),
		WallTime:       wallTime,
	}, nil
}

// containerConfig translates one phase into Docker's create parameters.
func (s *Sandbox) containerConfig(ws *workspace.Workspace, spec language.Spec, argv []string, limits executor.Limits) (*container.Config, *container.HostConfig) {
	env := append([]string{"HOME=/tmp", "TMPDIR=/tmp", "LANG=C.UTF-8"}, spec.Env...)

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             argv,
		Env:             env,
		WorkingDir:      s.config.MountPath,
		User:            s.config.User,
		Tty:             false,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
		Labels: map[string]string{
			s.config.Label: "true",
			"runbox.workspace": ws.ID,
		},
	}

	pids := limits.Pids
	useInit := true
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: ws.Dir,
			Target: s.config.MountPath,
		}},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   limits.NanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*container.Ulimit{
				{Name: "cpu", Soft: cpuSeconds(limits.CPUTime), Hard: cpuSeconds(limits.CPUTime) + 1},
				{Name: "nofile", Soft: 256, Hard: 256},
			},
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,nodev,size=" + s.config.TmpfsSize,
		},
		Init:       &useInit,
		AutoRemove: false,
		LogConfig:  container.LogConfig{Type: "none"},
	}
	if s.config.TmpfsSize == "" {
		hostCfg.Tmpfs["/tmp"] = "rw,nosuid,nodev"
	}
	return cfg, hostCfg
}

// removeContainer force removes a container by ID.
func (s *Sandbox) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefsNotFoundOrConflict(err) {
		s.logger.Error("failed to remove container", slog.String("id", shortID(id)), slog.String("error", err.Error()))
	}
}

// cpuSeconds rounds a CPU budget up to whole seconds, the unit RLIMIT_CPU uses.
func cpuSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ executor.Sandbox = (*Sandbox)(nil)
