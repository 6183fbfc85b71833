//go:build !linux

package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/workspace"
)

type cgroupRoot struct{}

// New fails: the process backend relies on Linux-only process controls.
func New(cfg Config, logger *slog.Logger) (*Sandbox, error) {
	return nil, fmt.Errorf("process sandbox is only supported on linux")
}

func (s *Sandbox) runPhase(context.Context, *workspace.Workspace, language.Spec, []string, string, time.Duration, executor.Limits, executor.Phase) (*executor.Outcome, error) {
	return nil, fmt.Errorf("process sandbox is only supported on linux")
}
