package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/model"
	"github.com/sakif/runbox/internal/repository"
)

// Pagination bounds for the audit listing.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// AuditService reads and prunes the execution audit log.
type AuditService struct {
	repo   repository.ExecutionRepository
	logger *slog.Logger
}

// NewAuditService creates an AuditService.
func NewAuditService(repo repository.ExecutionRepository, logger *slog.Logger) *AuditService {
	return &AuditService{repo: repo, logger: logger}
}

// Recent returns the newest records, optionally for one language.
// limit is clamped to 1..MaxListLimit, default DefaultListLimit.
func (s *AuditService) Recent(ctx context.Context, limit int, language string) ([]model.Execution, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	execs, err := s.repo.List(ctx, repository.ListOptions{
		Limit:    limit,
		Language: strings.ToLower(strings.TrimSpace(language)),
	})
	if err != nil {
		s.logger.Error("failed to list executions", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return execs, nil
}

// Get returns one record. Returns apperror.ErrNotFound if it doesn't exist.
func (s *AuditService) Get(ctx context.Context, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// Prune deletes records older than retention.
func (s *AuditService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned execution records", slog.Int64("count", n), slog.Duration("retention", retention))
	}
	return n, nil
}

// RunRetention prunes every interval until ctx is cancelled.
// A zero retention disables pruning.
func (s *AuditService) RunRetention(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Prune(ctx, retention); err != nil {
			s.logger.Warn("audit retention failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
