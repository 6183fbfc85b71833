// Package main is the runbox command.
//
// SUBCOMMANDS:
//
//	runbox serve       start the HTTP service (the default deployment)
//	runbox sweep       remove leftover workspaces and sandbox containers
//	runbox languages   print the effective language table as YAML
//	runbox hash-key    bcrypt-hash an API key for the config file
//	runbox token       mint a JWT for manual testing
//
// main stays minimal: it reads configuration and hands off to
// internal/server. All actual logic lives in the internal packages.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/runbox/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed multi-language code execution",
	Long: `runbox compiles and runs untrusted code in one of several languages
inside an isolated sandbox, with time, memory, CPU and output limits.

Configuration comes from runbox.yaml (./ or /etc/runbox) and RUNBOX_*
environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (default: search ./runbox.yaml, /etc/runbox/runbox.yaml)")
}

// loadConfig reads configuration and builds the logger every command uses.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.Logger(os.Stdout)
	if cfg.File != "" {
		logger.Debug("loaded config", slog.String("file", cfg.File))
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
