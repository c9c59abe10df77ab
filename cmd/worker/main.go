// Package main provides the entry point for the execution worker.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/narvanalabs/scriptexec/internal/cleanup"
	postgresqueue "github.com/narvanalabs/scriptexec/internal/queue/postgres"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/shutdown"
	"github.com/narvanalabs/scriptexec/internal/store/postgres"
	"github.com/narvanalabs/scriptexec/internal/worker"
	"github.com/narvanalabs/scriptexec/pkg/config"
	"github.com/narvanalabs/scriptexec/pkg/logger"
)

const logFile = "worker.log"

func main() {
	os.Exit(run())
}

func run() int {
	bootLog := logger.New(slog.LevelInfo, true)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		return 1
	}
	if !cfg.AsyncEnabled() {
		bootLog.Error("DATABASE_URL is required to run the execution worker")
		return 1
	}

	log, err := logger.Open(logger.Options{
		Level: logger.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogFormat != "text",
		Dir:   cfg.LogDir,
		File:  logFile,
	})
	if err != nil {
		bootLog.Error("failed to open log file", "error", err, "dir", cfg.LogDir)
		return 1
	}
	defer log.Close()

	// Initialize database store
	store, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Error("failed to apply database schema", "error", err)
		store.Close()
		return 1
	}

	queue := postgresqueue.NewPostgresQueue(store.DB(), log.Logger, postgresqueue.WithMaxAttempts(cfg.Worker.MaxAttempts))

	// Return executions interrupted by a previous crash to the queue
	recoveryService := worker.NewRecoveryService(store, queue, log.Logger)
	if result, err := recoveryService.RecoverOnStartup(ctx, cfg.Worker.StaleAfter); err != nil {
		log.Error("failed to perform startup recovery", "error", err)
	} else if len(result.Errors) > 0 {
		log.Warn("startup recovery finished with errors", "errors", len(result.Errors))
	}

	scriptRunner := runner.New(&runner.Config{
		Interpreter:    cfg.Execution.PythonBin,
		Args:           runner.DefaultConfig().Args,
		Timeout:        cfg.Execution.Timeout,
		Env:            cfg.ScriptEnv(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, log.WithComponent("runner").Logger)

	w := worker.New(&worker.Config{
		Concurrency:  cfg.Worker.MaxConcurrency,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		PollInterval: cfg.Worker.PollInterval,
	}, store, queue, scriptRunner, log.WithComponent("worker").Logger)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", store))

	if cfg.Worker.Retention > 0 {
		purger, err := cleanup.NewService(store, cleanup.Settings{
			Retention: cfg.Worker.Retention,
			Interval:  cfg.Worker.CleanupInterval,
		}, log.WithComponent("cleanup").Logger)
		if err != nil {
			log.Error("failed to create cleanup service", "error", err)
			store.Close()
			return 1
		}
		purger.Start(ctx)
		coordinator.Register(shutdown.NewWorkerComponent("cleanup", purger))
	}

	coordinator.Register(shutdown.NewWorkerComponent("worker", w))

	log.Info("starting execution worker",
		"concurrency", cfg.Worker.MaxConcurrency,
		"interpreter", scriptRunner.Interpreter(),
	)

	if err := w.Start(ctx); err != nil {
		log.Error("failed to start worker", "error", err)
		return 1
	}

	coordinator.WaitForSignal(context.Background())
	coordinator.Wait()

	log.Info("execution worker shutdown complete")
	return coordinator.ExitCode()
}
