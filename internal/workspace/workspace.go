// Package workspace manages the per-request scratch directories that hold
// submitted source code and build artifacts.
//
// OWNERSHIP:
// Each Workspace belongs to exactly one in-flight request. Its directory name
// is an xid (globally unique, never reused), so two requests can never see
// each other's files. The caller pairs Create with a deferred Destroy; Sweep
// removes anything left behind by a crash and runs before the server accepts
// traffic. While serving, RunSweeper removes only entries older than any
// request can live, which catches deletes that failed or timed out.
//
// TIMEOUTS:
// Filesystem calls cannot be cancelled, so each one runs in a goroutine and
// the caller waits at most FSTimeout. A wedged disk therefore costs one
// leaked goroutine rather than a permanently held concurrency slot. When
// Create gives up on a slow write, the partial directory is removed only
// after the write goroutine has returned.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/language"
)

// DefaultFSTimeout bounds every filesystem operation.
const DefaultFSTimeout = 10 * time.Second

// dirMode is world-writable because the sandbox runs as an unprivileged user
// that must be able to write build output next to the source.
const (
	dirMode  os.FileMode = 0o777
	fileMode os.FileMode = 0o644
)

// Workspace is one request's scratch directory.
type Workspace struct {
	ID         string
	Dir        string
	SourcePath string
}

// Manager creates and destroys workspaces under a single root.
type Manager struct {
	root      string
	fsTimeout time.Duration
	logger    *slog.Logger

	// populate writes a new workspace. Replaced in tests.
	populate func(ws *Workspace, code string) error
}

// NewManager prepares root (creating it if needed) and returns a Manager.
// fsTimeout <= 0 selects DefaultFSTimeout.
func NewManager(root string, fsTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o711); err != nil {
		return nil, fmt.Errorf("workspace: creating root: %w", err)
	}
	if fsTimeout <= 0 {
		fsTimeout = DefaultFSTimeout
	}
	return &Manager{root: abs, fsTimeout: fsTimeout, logger: logger, populate: populate}, nil
}

func populate(ws *Workspace, code string) error {
	if err := os.Mkdir(ws.Dir, dirMode); err != nil {
		return err
	}
	// Mkdir is subject to the umask; the sandbox user needs the full mode.
	if err := os.Chmod(ws.Dir, dirMode); err != nil {
		return err
	}
	return os.WriteFile(ws.SourcePath, []byte(code), fileMode)
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create makes a fresh directory and writes code into spec's source file.
// A partially created workspace is removed on failure; if the write was
// abandoned at the timeout, removal waits for it to return.
func (m *Manager) Create(ctx context.Context, spec language.Spec, code string) (*Workspace, error) {
	id := xid.New().String()
	dir := filepath.Join(m.root, id)
	ws := &Workspace{
		ID:         id,
		Dir:        dir,
		SourcePath: spec.SourcePath(dir),
	}

	done := m.start(func() error { return m.populate(ws, code) })
	if err := m.wait(ctx, done); err != nil {
		if errors.Is(err, errFSTimeout) {
			// The write is still running and could recreate the directory
			// after a RemoveAll, so clean up once it returns.
			go func() {
				<-done
				m.destroyPartial(ws)
			}()
		} else {
			m.destroyPartial(ws)
		}
		return nil, apperror.Internal("could not prepare workspace", fmt.Errorf("workspace: create %s: %w", id, err))
	}

	m.logger.Debug("workspace created", slog.String("workspace", id))
	return ws, nil
}

func (m *Manager) destroyPartial(ws *Workspace) {
	if err := m.Destroy(context.Background(), ws); err != nil {
		m.logger.Error("failed to remove partial workspace",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Destroy removes the workspace and everything in it.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if filepath.Dir(ws.Dir) != m.root {
		return fmt.Errorf("workspace: %s is not under %s", ws.Dir, m.root)
	}
	err := m.withTimeout(ctx, func() error {
		return os.RemoveAll(ws.Dir)
	})
	if err != nil {
		return fmt.Errorf("workspace: destroy %s: %w", ws.ID, err)
	}
	m.logger.Debug("workspace destroyed", slog.String("workspace", ws.ID))
	return nil
}

// Sweep removes every entry under the root and returns how many it removed.
// Only call it when no request is in flight (startup, or the sweep command).
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.sweep(ctx, time.Time{})
}

// SweepOlderThan removes entries last modified more than age ago. It is safe
// while serving as long as age exceeds the longest a request can hold a
// workspace.
func (m *Manager) SweepOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		return 0, fmt.Errorf("workspace: sweep age must be positive")
	}
	return m.sweep(ctx, time.Now().Add(-age))
}

// RunSweeper calls SweepOlderThan every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval, age time.Duration) {
	if interval <= 0 || age <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.SweepOlderThan(ctx, age); err != nil {
			m.logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
		}
	}
}

// sweep removes entries modified before cutoff; a zero cutoff matches all.
func (m *Manager) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("workspace: reading root: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !cutoff.IsZero() {
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
		}
		path := filepath.Join(m.root, e.Name())
		if err := m.withTimeout(ctx, func() error { return os.RemoveAll(path) }); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", e.Name(), err))
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("swept orphaned workspaces", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

var errFSTimeout = errors.New("filesystem operation abandoned")

func (m *Manager) withTimeout(ctx context.Context, fn func() error) error {
	return m.wait(ctx, m.start(fn))
}

func (m *Manager) start(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

// wait returns fn's result, or an error wrapping errFSTimeout and ctx's error
// if ctx ends or FSTimeout passes first.
func (m *Manager) wait(ctx context.Context, done <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, m.fsTimeout)
	defer cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errFSTimeout, ctx.Err())
	}
}
