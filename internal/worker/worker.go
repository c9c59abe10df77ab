// Package worker drains queued executions and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/queue"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/store"
)

// Executor runs script source and reports the outcome.
type Executor interface {
	RunSource(ctx context.Context, filename string, src []byte) (runner.Result, error)
}

// Config holds configuration for the execution worker.
type Config struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	// ErrorBackoff is the pause after a queue failure.
	ErrorBackoff time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		MaxAttempts:  3,
		PollInterval: time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

// Worker processes execution jobs from the queue.
type Worker struct {
	store    store.Store
	queue    queue.Queue
	executor Executor
	cfg      Config
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new execution worker.
func New(cfg *Config, s store.Store, q queue.Queue, exec Executor, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		store:    s,
		queue:    q,
		executor: exec,
		cfg:      c,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins processing execution jobs from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting execution worker", "concurrency", w.cfg.Concurrency)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	return nil
}

// Stop gracefully stops the worker and waits for in-flight executions to complete.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping execution worker")
		close(w.stopCh)
	})
	w.wg.Wait()
	w.logger.Info("execution worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJobs) {
				w.pause(ctx, w.cfg.PollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			w.pause(ctx, w.cfg.ErrorBackoff)
			continue
		}

		w.handleJob(ctx, logger, job)
	}
}

// handleJob processes one job and settles it with the queue.
func (w *Worker) handleJob(ctx context.Context, logger *slog.Logger, job *models.ExecutionJob) {
	attempts, err := w.processJob(ctx, job)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			logger.Error("failed to ack job", "job_id", job.ID, "error", ackErr)
		}
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping job for missing execution",
			"job_id", job.ID,
			"execution_id", job.ExecutionID,
		)
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			logger.Error("failed to ack orphaned job", "job_id", job.ID, "error", ackErr)
		}
		return
	}

	// Failures before the execution is marked running leave its counter
	// untouched, so the queue's delivery count is authoritative too.
	attempts = max(attempts, job.Retries+1)

	logger.Error("failed to process job",
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"attempts", attempts,
		"error", err,
	)

	if attempts >= w.cfg.MaxAttempts {
		w.markFailed(ctx, job.ExecutionID, fmt.Sprintf("execution abandoned after %d attempts: %v", attempts, err))
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			logger.Error("failed to ack abandoned job", "job_id", job.ID, "error", ackErr)
		}
		return
	}

	if _, nackErr := w.queue.Nack(ctx, job.ID); nackErr != nil {
		logger.Error("failed to nack job", "job_id", job.ID, "error", nackErr)
	}
	w.pause(ctx, w.cfg.ErrorBackoff)
}

// processJob runs a single execution. A script failure is a successful
// processing outcome; only infrastructure errors are returned.
func (w *Worker) processJob(ctx context.Context, job *models.ExecutionJob) (int, error) {
	exec, err := w.store.Executions().Get(ctx, job.ExecutionID)
	if err != nil {
		return 0, fmt.Errorf("getting execution: %w", err)
	}

	if exec.Status.Terminal() {
		w.logger.Warn("skipping execution already finished",
			"execution_id", exec.ID,
			"status", exec.Status,
		)
		return exec.Attempts, nil
	}

	w.logger.Info("processing execution",
		"job_id", job.ID,
		"execution_id", exec.ID,
		"filename", exec.Filename,
	)

	now := time.Now().UTC()
	exec.Status = models.ExecutionStatusRunning
	exec.StartedAt = &now
	exec.Attempts++
	if err := w.store.Executions().Update(ctx, exec); err != nil {
		return exec.Attempts, fmt.Errorf("updating execution status to running: %w", err)
	}

	result, err := w.executor.RunSource(ctx, exec.Filename, []byte(exec.Code))
	if err != nil {
		return exec.Attempts, fmt.Errorf("running execution: %w", err)
	}

	finishedAt := time.Now().UTC()
	exec.FinishedAt = &finishedAt
	exec.Output = result.Output
	exec.Error = result.Error
	exitCode := result.ExitCode
	exec.ExitCode = &exitCode

	if result.Success {
		exec.Status = models.ExecutionStatusSucceeded
		w.logger.Info("execution succeeded", "execution_id", exec.ID, "duration", result.Duration.String())
	} else {
		exec.Status = models.ExecutionStatusFailed
		w.logger.Info("execution failed", "execution_id", exec.ID, "exit_code", result.ExitCode)
	}

	if err := w.store.Executions().Update(ctx, exec); err != nil {
		return exec.Attempts, fmt.Errorf("storing execution result: %w", err)
	}

	return exec.Attempts, nil
}

// markFailed records a terminal failure for an execution that will not be retried.
func (w *Worker) markFailed(ctx context.Context, executionID, message string) {
	exec, err := w.store.Executions().Get(ctx, executionID)
	if err != nil {
		w.logger.Error("failed to load execution to mark failed", "execution_id", executionID, "error", err)
		return
	}

	now := time.Now().UTC()
	exec.Status = models.ExecutionStatusFailed
	exec.Error = message
	exec.FinishedAt = &now
	if err := w.store.Executions().Update(ctx, exec); err != nil {
		w.logger.Error("failed to mark execution failed", "execution_id", executionID, "error", err)
	}
}

// pause waits for d or until the worker is stopped.
func (w *Worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}
