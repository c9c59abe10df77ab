package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/scriptexec/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutionStore implements store.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ExecutionStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new execution record.
func (s *ExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO executions (id, filename, code, status, output, error,
			exit_code, submitted_by, attempts, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at`

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		exec.ID,
		exec.Filename,
		exec.Code,
		exec.Status,
		exec.Output,
		exec.Error,
		nullInt(exec.ExitCode),
		exec.SubmittedBy,
		exec.Attempts,
		exec.CreatedAt,
		exec.StartedAt,
		exec.FinishedAt,
	).Scan(&exec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("created execution", "execution_id", exec.ID)
	return nil
}

// Get retrieves an execution by ID.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	query := `
		SELECT id, filename, code, status, output, error, exit_code,
			submitted_by, attempts, created_at, started_at, finished_at
		FROM executions
		WHERE id = $1`

	exec, err := scanExecution(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// List retrieves executions newest first, optionally filtered by status.
func (s *ExecutionStore) List(ctx context.Context, statuses []models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, filename, code, status, output, error, exit_code,
			submitted_by, attempts, created_at, started_at, finished_at
		FROM executions
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY created_at DESC
		LIMIT $2`

	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}

	rows, err := s.conn().QueryContext(ctx, query, pq.Array(filter), limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return out, nil
}

// Update persists status, result and timing fields of an execution.
func (s *ExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	query := `
		UPDATE executions
		SET status = $2, output = $3, error = $4, exit_code = $5,
			attempts = $6, started_at = $7, finished_at = $8
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		exec.ID,
		exec.Status,
		exec.Output,
		exec.Error,
		nullInt(exec.ExitCode),
		exec.Attempts,
		exec.StartedAt,
		exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFinishedBefore removes terminal executions that finished before cutoff.
func (s *ExecutionStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM executions
		WHERE status IN ('succeeded', 'failed') AND finished_at < $1`

	result, err := s.conn().ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting finished executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	exec := &models.Execution{}
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.Filename,
		&exec.Code,
		&exec.Status,
		&exec.Output,
		&exec.Error,
		&exitCode,
		&exec.SubmittedBy,
		&exec.Attempts,
		&exec.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return exec, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
