// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/scriptexec/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

// ExecutionStore defines operations for asynchronous execution records.
type ExecutionStore interface {
	// Create stores a new execution.
	Create(ctx context.Context, exec *models.Execution) error
	// Get retrieves an execution by ID.
	Get(ctx context.Context, id string) (*models.Execution, error)
	// List retrieves executions newest first, optionally filtered by status.
	// A limit of zero or less applies the store default.
	List(ctx context.Context, statuses []models.ExecutionStatus, limit int) ([]*models.Execution, error)
	// Update persists status, result and timing fields of an execution.
	Update(ctx context.Context, exec *models.Execution) error
	// DeleteFinishedBefore removes succeeded and failed executions that
	// finished before cutoff and returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Executions returns the ExecutionStore for execution operations.
	Executions() ExecutionStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the database connection.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
