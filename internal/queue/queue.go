// Package queue provides execution job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/scriptexec/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for execution job queue operations.
type Queue interface {
	// Enqueue adds a new execution job to the queue.
	// The job will be serialized to JSON for storage.
	Enqueue(ctx context.Context, job *models.ExecutionJob) error

	// Dequeue retrieves and locks the next available execution job from the queue.
	// Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.ExecutionJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	// It returns the number of attempts made so far.
	Nack(ctx context.Context, jobID string) (int, error)

	// RecoverStale returns jobs stuck in processing longer than olderThan to
	// pending and reports the affected jobs.
	RecoverStale(ctx context.Context, olderThan time.Duration) ([]*models.ExecutionJob, error)
}
