// Package server wires every component together and runs the HTTP server.
//
// COMPOSITION ROOT:
// New is the one place where concrete types meet:
//
//	config → sqlite.DB ──────────────→ AuditService ──→ ExecutionsHandler
//	       → language.Registry ─┐
//	       → workspace.Manager ─┤
//	       → gate.Gate ─────────┼──→ ExecutionService ──→ ExecuteHandler
//	       → Sandbox (docker | process)
//	       → metrics.Metrics ───┘
//
// Every layer below only sees interfaces, so tests build a Server around an
// in-memory sandbox and exercise the real router.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/runbox/internal/auth"
	"github.com/sakif/runbox/internal/config"
	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/executor/docker"
	"github.com/sakif/runbox/internal/executor/process"
	"github.com/sakif/runbox/internal/gate"
	"github.com/sakif/runbox/internal/handler"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/metrics"
	"github.com/sakif/runbox/internal/middleware"
	sqliteRepo "github.com/sakif/runbox/internal/repository/sqlite"
	"github.com/sakif/runbox/internal/service"
	"github.com/sakif/runbox/internal/workspace"
)

// containerHousekeeping is implemented by backends that leave state in a
// daemon (the docker backend).
type containerHousekeeping interface {
	ReapOrphans(ctx context.Context) (int, error)
	EnsureImages(ctx context.Context, refs []string) error
}

// Server owns every long-lived resource and closes them on shutdown.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger

	db         *sqliteRepo.DB
	registry   *language.Registry
	workspaces *workspace.Manager
	sandbox    executor.Sandbox
	gate       *gate.Gate
	metrics    *metrics.Metrics
	limiter    *middleware.RateLimiter
	audit      *service.AuditService
}

// New builds the sandbox named by cfg.Backend and wires the server around it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	sandbox, err := NewSandbox(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := newWithSandbox(cfg, logger, sandbox)
	if err != nil {
		sandbox.Close()
		return nil, err
	}
	return s, nil
}

// NewSandbox creates the configured backend.
func NewSandbox(ctx context.Context, cfg *config.Config, logger *slog.Logger) (executor.Sandbox, error) {
	switch cfg.Backend {
	case config.BackendProcess:
		logger.Warn("using the process backend: isolation is weaker than with docker")
		sb, err := process.New(cfg.ProcessConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("creating process sandbox: %w", err)
		}
		return sb, nil
	default:
		sb, err := docker.New(ctx, cfg.DockerConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("creating docker sandbox: %w", err)
		}
		return sb, nil
	}
}

func newWithSandbox(cfg *config.Config, logger *slog.Logger, sandbox executor.Sandbox) (*Server, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building language registry: %w", err)
	}

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.FSTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("preparing workspaces: %w", err)
	}

	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	m := metrics.New()
	g := gate.New(cfg.GateConfig())
	m.ObserveGate(g)

	s := &Server{
		router:     chi.NewRouter(),
		config:     cfg,
		logger:     logger,
		db:         db,
		registry:   registry,
		workspaces: workspaces,
		sandbox:    sandbox,
		gate:       g,
		metrics:    m,
		limiter:    middleware.NewRateLimiter(cfg.RateLimitConfig(), m.RateLimited),
		audit:      service.NewAuditService(db, logger),
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

func (s *Server) authenticator() (*auth.Authenticator, error) {
	a := &auth.Authenticator{}
	if s.config.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.Issuer)
		if err != nil {
			return nil, err
		}
		a.Tokens = tokens
	}
	if len(s.config.Auth.APIKeys) > 0 {
		keys, err := auth.NewKeyStore(s.config.Auth.APIKeys)
		if err != nil {
			return nil, err
		}
		a.Keys = keys
	}
	if !a.Enabled() {
		s.logger.Warn("no jwt secret or api keys configured: execution endpoints are open")
	}
	return a, nil
}

// setupRoutes configures middleware and handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /healthz                   liveness
//	GET  /metrics                   Prometheus
//	GET  /api/languages             supported languages
//	POST /execute                   run code          (auth, rate limit)
//	POST /api/execute               same
//	POST /api/code-templates/run    same, older route name
//	GET  /api/executions            recent audit rows (auth)
//	GET  /api/executions/{id}       one audit row     (auth)
//
// MIDDLEWARE ORDER MATTERS:
// RequestID → RealIP → Logger → Recoverer run on everything. On the execute
// group auth runs before the rate limiter so the limiter can key on the
// authenticated caller instead of the IP.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	authn, err := s.authenticator()
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	execService := service.NewExecutionService(
		service.ExecutionDeps{
			Registry:   s.registry,
			Admission:  s.gate,
			Workspaces: s.workspaces,
			Sandbox:    s.sandbox,
			Audit:      s.db,
			Observer:   s.metrics,
		},
		service.ExecutionConfig{
			Limits:        s.config.ExecutorLimits(),
			MaxCodeBytes:  s.config.MaxCodeBytes(),
			MaxStdinBytes: s.config.MaxStdinBytes(),
		},
		s.logger,
	)
	executeHandler := handler.NewExecuteHandler(execService, s.logger)
	languagesHandler := handler.NewLanguagesHandler(s.registry)
	executionsHandler := handler.NewExecutionsHandler(s.audit, s.logger)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.Get("/api/languages", languagesHandler.HandleList)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Require(authn))
		r.Use(s.limiter.Middleware(handler.ClientKey))

		r.Post("/execute", executeHandler.HandleExecute)
		r.Post("/api/execute", executeHandler.HandleExecute)
		r.Post("/api/code-templates/run", executeHandler.HandleExecute)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Require(authn))

		r.Get("/api/executions", executionsHandler.HandleList)
		r.Get("/api/executions/{id}", executionsHandler.HandleGetByID)
	})

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","inFlight":%d,"waiting":%d}`+"\n", s.gate.InFlight(), s.gate.Waiting())
}

// Handler exposes the router (tests drive it with httptest).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Recover clears what a previous crash may have left behind: workspace
// directories and, on docker, labelled containers. It then makes sure every
// language image is present. Must run before the listener opens.
func (s *Server) Recover(ctx context.Context) error {
	if _, err := s.workspaces.Sweep(ctx); err != nil {
		s.logger.Warn("workspace sweep incomplete", slog.String("error", err.Error()))
	}

	hk, ok := s.sandbox.(containerHousekeeping)
	if !ok {
		return nil
	}
	n, err := hk.ReapOrphans(ctx)
	if err != nil {
		s.logger.Warn("container reaper failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("removed orphaned containers", slog.Int("count", n))
	}

	images := s.registry.Images()
	s.logger.Info("ensuring sandbox images", slog.Int("count", len(images)))
	if err := hk.EnsureImages(ctx, images); err != nil {
		return fmt.Errorf("preparing images: %w", err)
	}
	return nil
}

// Close releases the sandbox and the database.
func (s *Server) Close() error {
	return errors.Join(s.sandbox.Close(), s.db.Close())
}

// Start recovers, serves, and shuts down gracefully on SIGINT/SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. stop accepting connections
//  2. let in-flight executions finish (ShutdownTimeout)
//  3. stop background loops, close the sandbox and the database
func (s *Server) Start() error {
	defer s.Close()

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if err := s.Recover(bg); err != nil {
		return err
	}

	go s.audit.RunRetention(bg, s.config.Audit.Interval, s.config.Audit.Retention)
	go s.pruneLimiter(bg)
	go s.workspaces.RunSweeper(bg, s.config.Workspace.SweepInterval, s.config.Workspace.StaleAfter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("backend", s.config.Backend),
			slog.Int("concurrency", s.gate.Limit()),
			slog.String("database", s.config.Storage.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) pruneLimiter(ctx context.Context) {
	if !s.limiter.Enabled() {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}
