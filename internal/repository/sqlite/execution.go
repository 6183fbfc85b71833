package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/model"
	"github.com/sakif/runbox/internal/repository"
)

// COMPILE-TIME INTERFACE CHECK:
// Fails the build here, rather than at the wiring site in main, if *DB stops
// satisfying the interface.
var _ repository.ExecutionRepository = (*DB)(nil)

const executionColumns = `id, language, status, exit_code, wall_time_ms, code_bytes, stdin_bytes, client, created_at`

// Create inserts an execution record. ID and CreatedAt are filled in when
// the caller left them empty.
//
// xid ids start with a timestamp, so ordering by id matches insertion order
// even when two records share a created_at value.
func (db *DB) Create(ctx context.Context, exec *model.Execution) error {
	if exec.ID == "" {
		exec.ID = xid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	// Stored as text; a single zone keeps lexical order equal to time order.
	exec.CreatedAt = exec.CreatedAt.UTC()

	var exitCode sql.NullInt64
	if exec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*exec.ExitCode), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Language,
		exec.Status,
		exitCode,
		exec.WallTimeMs,
		exec.CodeBytes,
		exec.StdinBytes,
		exec.Client,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

// GetByID returns one record, or an apperror.ErrNotFound error.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns records newest first.
//
// The limit is clamped to 1..100 (default 20) so a single request can never
// pull the whole table.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20 // Default page size
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if opts.Language != "" {
		query += ` WHERE language = ?`
		args = append(args, opts.Language)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

// DeleteBefore prunes records created before cutoff.
func (db *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM executions WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		e        model.Execution
		exitCode sql.NullInt64
	)
	err := s.Scan(
		&e.ID,
		&e.Language,
		&e.Status,
		&exitCode,
		&e.WallTimeMs,
		&e.CodeBytes,
		&e.StdinBytes,
		&e.Client,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	return &e, nil
}
