// Package postgres provides a PostgreSQL-backed implementation of the execution queue.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/queue"
)

// PostgresQueue implements queue.Queue using PostgreSQL.
type PostgresQueue struct {
	db          *sql.DB
	logger      *slog.Logger
	maxAttempts int
}

// Option configures a PostgresQueue.
type Option func(*PostgresQueue)

// WithMaxAttempts stops Dequeue from handing out jobs that have already
// been nacked n times. Zero means no bound.
func WithMaxAttempts(n int) Option {
	return func(q *PostgresQueue) {
		q.maxAttempts = n
	}
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger, opts ...Option) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &PostgresQueue{
		db:     db,
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a new execution job to the queue.
// The job is serialized to JSON and stored in the execution_queue table.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.ExecutionJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job to JSON: %w", err)
	}

	query := `
		INSERT INTO execution_queue (id, job_data, status, created_at)
		VALUES ($1, $2, 'pending', $3)`

	if _, err := q.db.ExecContext(ctx, query, job.ID, jobData, job.CreatedAt); err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued execution job", "job_id", job.ID, "execution_id", job.ExecutionID)
	return nil
}

// Dequeue retrieves and locks the next available execution job from the queue.
// Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.ExecutionJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, job_data, retry_count
		FROM execution_queue
		WHERE status = 'pending' AND ($1 = 0 OR retry_count < $1)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var jobID string
	var jobData []byte
	var retries int
	err = tx.QueryRowContext(ctx, selectQuery, q.maxAttempts).Scan(&jobID, &jobData, &retries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting job from queue: %w", err)
	}

	updateQuery := `
		UPDATE execution_queue
		SET status = 'processing', started_at = $2
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery, jobID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	var job models.ExecutionJob
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
	}
	job.Retries = retries

	q.logger.Debug("dequeued execution job", "job_id", job.ID, "retries", retries)
	return &job, nil
}

// Ack acknowledges successful processing of a job, removing it from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM execution_queue
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("deleting job from queue: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug("acknowledged execution job", "job_id", jobID)
	return nil
}

// Nack indicates that job processing failed, making the job available for retry.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE execution_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing'
		RETURNING retry_count`

	var attempts int
	err := q.db.QueryRowContext(ctx, query, jobID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, queue.ErrJobNotFound
		}
		return 0, fmt.Errorf("updating job status: %w", err)
	}

	q.logger.Debug("nacked execution job", "job_id", jobID, "attempts", attempts)
	return attempts, nil
}

// RecoverStale returns jobs stuck in processing to pending.
func (q *PostgresQueue) RecoverStale(ctx context.Context, olderThan time.Duration) ([]*models.ExecutionJob, error) {
	query := `
		UPDATE execution_queue
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < $1
		RETURNING job_data`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := q.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("recovering stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ExecutionJob
	for rows.Next() {
		var jobData []byte
		if err := rows.Scan(&jobData); err != nil {
			return nil, fmt.Errorf("scanning recovered job: %w", err)
		}
		var job models.ExecutionJob
		if err := json.Unmarshal(jobData, &job); err != nil {
			return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recovered jobs: %w", err)
	}

	if len(jobs) > 0 {
		q.logger.Info("recovered stale execution jobs", "count", len(jobs))
	}
	return jobs, nil
}
