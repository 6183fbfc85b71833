package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/runbox/internal/config"
	"github.com/sakif/runbox/internal/executor/docker"
	"github.com/sakif/runbox/internal/workspace"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove leftover workspaces and sandbox containers",
	Long: `Remove every workspace directory under workspace.root and, with the docker
backend, every container carrying the runbox label.

Only run this while the service is stopped; it does not know which
workspaces belong to in-flight requests.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	mgr, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.FSTimeout, logger)
	if err != nil {
		return err
	}
	dirs, err := mgr.Sweep(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d workspace(s) from %s\n", dirs, mgr.Root())
	if err != nil {
		return err
	}

	if cfg.Backend != config.BackendDocker {
		return nil
	}
	sb, err := docker.New(ctx, cfg.DockerConfig(), logger)
	if err != nil {
		return err
	}
	defer sb.Close()

	containers, err := sb.ReapOrphans(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s)\n", containers)
	return err
}
