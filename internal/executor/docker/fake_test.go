package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// program is what a fake container "runs". It returns the exit code the
// daemon reports.
type program func(stdin io.Reader, stdout, stderr io.Writer, killed <-chan struct{}) int

type fakeContainer struct {
	id      string
	config  *container.Config
	host    *container.HostConfig
	prog    program
	oom     bool
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	outR    *io.PipeReader
	outW    *io.PipeWriter
	killed  chan struct{}
	kill    sync.Once
	waitCh  chan container.WaitResponse
	removed bool
}

// fakeDaemon is an in-memory stand-in for the Docker API.
type fakeDaemon struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	order      []string
	// choose picks the program for a container from its command.
	choose func(cmd []string) (program, bool)
	images map[string]bool
	pulled []string
	// oomCmd marks containers whose command starts with it as OOM-killed.
	oomCmd string
}

func newFakeDaemon(choose func(cmd []string) (program, bool)) *fakeDaemon {
	return &fakeDaemon{
		containers: make(map[string]*fakeContainer),
		choose:     choose,
		images:     make(map[string]bool),
	}
}

func (f *fakeDaemon) get(id string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return c, nil
}

func (f *fakeDaemon) created() []*fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeContainer, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.containers[id])
	}
	return out
}

func (f *fakeDaemon) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDaemon) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return image.InspectResponse{}, fmt.Errorf("image %s: %w", ref, cerrdefs.ErrNotFound)
	}
	return image.InspectResponse{ID: ref}, nil
}

func (f *fakeDaemon) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDaemon) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	prog, ok := f.choose(cfg.Cmd)
	if !ok {
		return container.CreateResponse{}, fmt.Errorf("unexpected command %q", cfg.Cmd)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%064d", f.seq)
	c := &fakeContainer{
		id:     id,
		config: cfg,
		host:   host,
		prog:   prog,
		oom:    f.oomCmd != "" && len(cfg.Cmd) > 0 && cfg.Cmd[0] == f.oomCmd,
		killed: make(chan struct{}),
		waitCh: make(chan container.WaitResponse, 1),
	}
	c.stdinR, c.stdinW = io.Pipe()
	c.outR, c.outW = io.Pipe()
	f.containers[id] = c
	f.order = append(f.order, id)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDaemon) ContainerAttach(_ context.Context, id string, _ container.AttachOptions) (types.HijackedResponse, error) {
	c, err := f.get(id)
	if err != nil {
		return types.HijackedResponse{}, err
	}
	conn := &fakeConn{stdinW: c.stdinW, outR: c.outR}
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (f *fakeDaemon) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	go func() {
		stdout := stdcopy.NewStdWriter(c.outW, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(c.outW, stdcopy.Stderr)
		code := c.prog(c.stdinR, stdout, stderr, c.killed)
		c.stdinR.Close()
		c.outW.Close()
		c.waitCh <- container.WaitResponse{StatusCode: int64(code)}
	}()
	return nil
}

func (f *fakeDaemon) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	errCh := make(chan error, 1)
	c, err := f.get(id)
	if err != nil {
		errCh <- err
		return nil, errCh
	}
	return c.waitCh, errCh
}

func (f *fakeDaemon) ContainerKill(_ context.Context, id, _ string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.kill.Do(func() { close(c.killed) })
	return nil
}

func (f *fakeDaemon) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	c, err := f.get(id)
	if err != nil {
		return container.InspectResponse{}, err
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{OOMKilled: c.oom},
		},
	}, nil
}

func (f *fakeDaemon) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.kill.Do(func() { close(c.killed) })
	f.mu.Lock()
	c.removed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDaemon) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, id := range f.order {
		if c := f.containers[id]; !c.removed {
			out = append(out, container.Summary{ID: id, Labels: c.config.Labels})
		}
	}
	return out, nil
}

func (f *fakeDaemon) Close() error { return nil }

// fakeConn is the client end of an attach: writes feed the container's stdin,
// reads drain its multiplexed output.
type fakeConn struct {
	net.Conn
	stdinW *io.PipeWriter
	outR   *io.PipeReader
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.outR.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.stdinW.Write(p) }
func (c *fakeConn) CloseWrite() error           { return c.stdinW.Close() }

func (c *fakeConn) Close() error {
	c.stdinW.Close()
	return c.outR.Close()
}

var _ dockerAPI = (*fakeDaemon)(nil)
