package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/queue"
	"github.com/narvanalabs/scriptexec/internal/store"
)

// RecoveryService returns executions interrupted by a worker crash to the queue.
type RecoveryService struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// RecoveryResult contains the results of a startup recovery operation.
type RecoveryResult struct {
	// RequeuedExecutions is the number of executions returned to queued.
	RequeuedExecutions int
	// Errors contains any errors encountered during recovery.
	Errors []error
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(s store.Store, q queue.Queue, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		store:  s,
		queue:  q,
		logger: logger,
	}
}

// RecoverOnStartup requeues jobs that have been processing for longer than
// staleAfter and resets their executions to queued.
func (r *RecoveryService) RecoverOnStartup(ctx context.Context, staleAfter time.Duration) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	r.logger.Info("starting execution queue recovery", "stale_after", staleAfter.String())

	jobs, err := r.queue.RecoverStale(ctx, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("recovering stale jobs: %w", err)
	}

	for _, job := range jobs {
		exec, err := r.store.Executions().Get(ctx, job.ExecutionID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("loading execution %s: %w", job.ExecutionID, err))
			continue
		}
		if exec.Status.Terminal() {
			continue
		}

		exec.Status = models.ExecutionStatusQueued
		exec.StartedAt = nil
		if err := r.store.Executions().Update(ctx, exec); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("requeueing execution %s: %w", exec.ID, err))
			continue
		}
		result.RequeuedExecutions++
	}

	r.logger.Info("execution queue recovery completed",
		"requeued_executions", result.RequeuedExecutions,
		"errors", len(result.Errors),
	)

	return result, nil
}
