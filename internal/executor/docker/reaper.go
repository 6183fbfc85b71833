package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"golang.org/x/sync/errgroup"
)

// EnsureImages makes sure every image in refs is present locally, pulling
// missing ones in parallel when Config.PullImages is set.
//
// Pulling on the request path would make the first execution of each
// language take minutes, so this runs once at startup.
func (s *Sandbox) EnsureImages(ctx context.Context, refs []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.PullTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		g.Go(func() error {
			return s.ensureImage(ctx, ref)
		})
	}
	return g.Wait()
}

func (s *Sandbox) ensureImage(ctx context.Context, ref string) error {
	if _, err := s.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	if !s.config.PullImages {
		return fmt.Errorf("image %s is not present and pulling is disabled", ref)
	}

	s.logger.Info("pulling docker image", slog.String("image", ref))
	start := time.Now()
	reader, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	s.logger.Info("docker image is ready", slog.String("image", ref), slog.Duration("took", time.Since(start)))
	return nil
}

// ReapOrphans force-removes containers carrying the sandbox label.
//
// Containers are removed by the request that created them, so anything still
// labelled at startup was left behind by a crash or a kill -9 of the service.
func (s *Sandbox) ReapOrphans(ctx context.Context) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", s.config.Label+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := s.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if errdefsNotFoundOrConflict(err) {
				continue
			}
			s.logger.Warn("failed to remove orphaned container", slog.String("id", shortID(c.ID)), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed orphaned sandbox containers", slog.Int("count", removed))
	}
	return removed, nil
}

// errdefsNotFoundOrConflict reports errors that mean the container is
// already gone or already being removed.
func errdefsNotFoundOrConflict(err error) bool {
	return cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)
}
