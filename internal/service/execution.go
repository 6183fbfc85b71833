// Package service contains the business logic layer of the application.
//
// THE LAYERS:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → validates, admits, orchestrates, records
//	Sandbox / Repository     → runs code / stores audit rows
//
// The service takes every collaborator as an interface so tests can swap in
// an in-memory sandbox, a fake workspace manager, or a mock repository.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/gate"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/model"
	"github.com/sakif/runbox/internal/repository"
	"github.com/sakif/runbox/internal/workspace"
)

// Request size ceilings.
const (
	DefaultMaxCodeBytes  = 64 * 1024
	DefaultMaxStdinBytes = 64 * 1024
)

// cleanupTimeout bounds workspace removal and the audit write, which run on a
// context detached from the (possibly cancelled) request.
const cleanupTimeout = 10 * time.Second

// Workspaces creates and destroys per-request directories.
// *workspace.Manager implements it.
type Workspaces interface {
	Create(ctx context.Context, spec language.Spec, code string) (*workspace.Workspace, error)
	Destroy(ctx context.Context, ws *workspace.Workspace) error
}

// Admission hands out execution permits. *gate.Gate implements it.
type Admission interface {
	Acquire(ctx context.Context) (*gate.Permit, error)
}

// Observer is told about every finished execution (metrics).
type Observer interface {
	ExecutionFinished(language string, status executor.Status, wall time.Duration)
}

// ExecutionConfig holds the ceilings applied to every request.
type ExecutionConfig struct {
	Limits        executor.Limits
	MaxCodeBytes  int
	MaxStdinBytes int
}

// ExecutionService runs submitted code end to end. It implements
// executor.Executor, which is all the HTTP layer knows about.
//
// CONTROL FLOW (fixed order):
//
//	validate → acquire permit → create workspace → build+run → classify
//	→ destroy workspace → release permit → record audit row
//
// Only validation and admission produce errors. Anything that goes wrong
// after admission, including a panic, becomes a Result with status
// InternalError; the workspace is still removed and the permit returned.
type ExecutionService struct {
	registry   *language.Registry
	admission  Admission
	workspaces Workspaces
	sandbox    executor.Sandbox
	audit      repository.ExecutionRepository
	observer   Observer
	config     ExecutionConfig
	logger     *slog.Logger
}

// ExecutionDeps groups the collaborators of an ExecutionService.
// Audit and Observer are optional.
type ExecutionDeps struct {
	Registry   *language.Registry
	Admission  Admission
	Workspaces Workspaces
	Sandbox    executor.Sandbox
	Audit      repository.ExecutionRepository
	Observer   Observer
}

// NewExecutionService wires an ExecutionService. Zero config fields get defaults.
func NewExecutionService(deps ExecutionDeps, cfg ExecutionConfig, logger *slog.Logger) *ExecutionService {
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = DefaultMaxCodeBytes
	}
	if cfg.MaxStdinBytes <= 0 {
		cfg.MaxStdinBytes = DefaultMaxStdinBytes
	}
	if cfg.Limits == (executor.Limits{}) {
		cfg.Limits = executor.DefaultLimits()
	}
	return &ExecutionService{
		registry:   deps.Registry,
		admission:  deps.Admission,
		workspaces: deps.Workspaces,
		sandbox:    deps.Sandbox,
		audit:      deps.Audit,
		observer:   deps.Observer,
		config:     cfg,
		logger:     logger,
	}
}

var _ executor.Executor = (*ExecutionService)(nil)

// Execute validates, admits and runs one request.
//
// Returned errors wrap apperror.ErrValidation or apperror.ErrBusy, or the
// caller's context error if it gave up while queued. Every other failure is
// reported inside the Result.
func (s *ExecutionService) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	spec, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	res, err := s.admitAndRun(ctx, spec, req)
	if err != nil {
		return nil, err
	}

	if s.observer != nil {
		s.observer.ExecutionFinished(spec.ID, res.Status, res.Duration)
	}
	s.record(ctx, spec, req, res)
	return res, nil
}

// validate checks the request before anything is allocated.
func (s *ExecutionService) validate(req executor.ExecutionRequest) (language.Spec, error) {
	id := strings.TrimSpace(req.Language)
	if id == "" {
		return language.Spec{}, apperror.ValidationFailed("language",
			fmt.Sprintf("language is required; supported: %s", strings.Join(s.registry.IDs(), ", ")))
	}

	spec, err := s.registry.Lookup(id)
	if err != nil {
		return language.Spec{}, apperror.ValidationFailed("language",
			fmt.Sprintf("unsupported language %q; supported: %s", req.Language, strings.Join(s.registry.IDs(), ", ")))
	}

	if strings.TrimSpace(req.Code) == "" {
		return language.Spec{}, apperror.ValidationFailed("codeSnippet", "codeSnippet is required")
	}
	if len(req.Code) > s.config.MaxCodeBytes {
		return language.Spec{}, apperror.ValidationFailed("codeSnippet",
			fmt.Sprintf("codeSnippet must be %d bytes or less", s.config.MaxCodeBytes))
	}
	if len(req.Stdin) > s.config.MaxStdinBytes {
		return language.Spec{}, apperror.ValidationFailed("stdin",
			fmt.Sprintf("stdin must be %d bytes or less", s.config.MaxStdinBytes))
	}
	return spec, nil
}

// admitAndRun holds the permit for exactly the lifetime of the workspace.
func (s *ExecutionService) admitAndRun(ctx context.Context, spec language.Spec, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	permit, err := s.admission.Acquire(ctx)
	if err != nil {
		s.logger.Warn("execution not admitted",
			slog.String("language", spec.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer permit.Release()

	return s.run(ctx, spec, req), nil
}

func (s *ExecutionService) run(ctx context.Context, spec language.Spec, req executor.ExecutionRequest) (res *executor.ExecutionResult) {
	start := time.Now()
	log := s.logger.With(slog.String("language", spec.ID))

	ws, err := s.workspaces.Create(ctx, spec, req.Code)
	if err != nil {
		log.Error("failed to create workspace", slog.String("error", err.Error()))
		return executor.InternalResult()
	}
	log = log.With(slog.String("workspace", ws.ID))

	// Runs last, after the panic handler below has produced a result.
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := s.workspaces.Destroy(dctx, ws); err != nil {
			log.Error("failed to destroy workspace", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during execution",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = executor.InternalResult()
			res.Duration = time.Since(start)
		}
	}()

	outcome, err := s.sandbox.Execute(ctx, ws, spec, req.Stdin, s.config.Limits)
	if err != nil {
		log.Error("sandbox failed", slog.String("error", err.Error()))
		res = executor.InternalResult()
		res.Duration = time.Since(start)
		return res
	}

	res = executor.Result(outcome)
	log.Info("execution finished",
		slog.String("status", string(res.Status)),
		slog.String("phase", string(outcome.Phase)),
		slog.Duration("wall", res.Duration),
		slog.Int("stdoutBytes", len(res.Stdout)),
		slog.Int("stderrBytes", len(res.Stderr)),
	)
	return res
}

// record writes the audit row. Failures are logged and otherwise ignored.
func (s *ExecutionService) record(ctx context.Context, spec language.Spec, req executor.ExecutionRequest, res *executor.ExecutionResult) {
	if s.audit == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	row := &model.Execution{
		Language:   spec.ID,
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		WallTimeMs: res.Duration.Milliseconds(),
		CodeBytes:  len(req.Code),
		StdinBytes: len(req.Stdin),
		Client:     ClientFromContext(ctx),
	}
	if err := s.audit.Create(rctx, row); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("language", spec.ID),
			slog.String("error", err.Error()),
		)
	}
}

type clientKey struct{}

// WithClient tags ctx with the caller's identity (a token subject, an API key
// label, or a remote address) for the audit log.
func WithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFromContext returns the identity stored by WithClient, or "".
func ClientFromContext(ctx context.Context) string {
	client, _ := ctx.Value(clientKey{}).(string)
	return client
}
