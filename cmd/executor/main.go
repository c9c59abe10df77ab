// Package main provides a command that runs one Python script and prints its output.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/pkg/config"
	"github.com/narvanalabs/scriptexec/pkg/logger"
)

const logFile = "script_execution.log"

func main() {
	bootLog := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, err := logger.Open(logger.Options{
		Level: logger.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogFormat != "text",
		Dir:   cfg.LogDir,
		File:  logFile,
	})
	if err != nil {
		bootLog.Error("failed to open log file", "error", err, "dir", cfg.LogDir)
		os.Exit(1)
	}

	scriptRunner := runner.New(&runner.Config{
		Interpreter:    cfg.Execution.PythonBin,
		Args:           runner.DefaultConfig().Args,
		Timeout:        cfg.Execution.Timeout,
		Env:            cfg.ScriptEnv(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	}, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], scriptRunner, os.Stdout, log.Logger)
	stop()
	log.Close()
	os.Exit(code)
}

// execute runs the script named by args and returns the process exit code.
func execute(ctx context.Context, args []string, r *runner.Runner, stdout io.Writer, log *slog.Logger) int {
	if len(args) != 1 {
		log.Error("Usage: executor <path_to_script>")
		return 1
	}
	path := args[0]

	log.Info("executing script", "path", path, "interpreter", r.Interpreter())

	result := r.Run(ctx, path)
	if !result.Success {
		log.Error("script execution failed",
			"path", path,
			"exit_code", result.ExitCode,
			"error", result.Error,
		)
		return 1
	}

	log.Info("script executed successfully", "path", path, "duration", result.Duration.String())
	fmt.Fprintln(stdout, "Script Output:")
	fmt.Fprintln(stdout, result.Output)
	return 0
}
