// Package repository declares the storage contracts the service depends on.
// Implementations live in subpackages (sqlite).
package repository

import (
	"context"
	"time"

	"github.com/sakif/runbox/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
	// Language, when set, restricts results to one language id.
	Language string
}

// ExecutionRepository stores execution audit records.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]model.Execution, error)
	// DeleteBefore removes records older than cutoff and reports how many went.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
