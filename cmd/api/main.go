// Package main provides the entry point for the API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/narvanalabs/scriptexec/internal/api"
	"github.com/narvanalabs/scriptexec/internal/auth"
	pgqueue "github.com/narvanalabs/scriptexec/internal/queue/postgres"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/shutdown"
	pgstore "github.com/narvanalabs/scriptexec/internal/store/postgres"
	"github.com/narvanalabs/scriptexec/pkg/config"
	"github.com/narvanalabs/scriptexec/pkg/logger"
)

const logFile = "api_execution.log"

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
	if err := cfg.ValidateAPIAuth(); err != nil {
		bootLog.Error("invalid configuration", "error", err)
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

	scriptRunner := runner.New(&runner.Config{
		Interpreter:    cfg.Execution.PythonBin,
		Args:           runner.DefaultConfig().Args,
		Timeout:        cfg.Execution.Timeout,
		Env:            cfg.ScriptEnv(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, log.WithComponent("runner").Logger)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	var server *api.Server
	if cfg.AsyncEnabled() {
		store, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			return 1
		}
		coordinator.Register(shutdown.NewCloserComponent("database", store))

		if err := store.Migrate(ctx); err != nil {
			log.Error("failed to apply database schema", "error", err)
			store.Close()
			return 1
		}

		queue := pgqueue.NewPostgresQueue(store.DB(), log.Logger, pgqueue.WithMaxAttempts(cfg.Worker.MaxAttempts))
		authService := auth.NewService(&auth.Config{
			JWTSecret:   []byte(cfg.JWTSecret),
			TokenExpiry: cfg.JWTExpiry,
			APIKeys:     cfg.APIKeys,
		}, log.Logger)
		log.Info("asynchronous execution API enabled",
			"api_keys", len(cfg.APIKeys),
			"jwt", authService.JWTEnabled(),
		)

		server = api.NewServer(cfg, scriptRunner, store, queue, authService, log.Logger)
	} else {
		server = api.NewServer(cfg, scriptRunner, nil, nil, nil, log.Logger)
	}
	coordinator.Register(shutdown.NewServerComponent("api", server))

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
		"interpreter", scriptRunner.Interpreter(),
		"async", cfg.AsyncEnabled(),
	)

	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			cancel(err)
		}
	}()

	coordinator.WaitForSignal(ctx)
	coordinator.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return 1
	}
	log.Info("server stopped")
	return coordinator.ExitCode()
}
