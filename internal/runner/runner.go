// Package runner executes Python scripts in a child interpreter process and
// captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Result is the outcome of one script execution.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"-"`
	Duration time.Duration `json:"-"`
}

// Config holds runner configuration.
type Config struct {
	// Interpreter is the program that runs scripts, e.g. "python3".
	Interpreter string
	// Args are passed to the interpreter before the script path.
	Args []string
	// Timeout kills the script after the given duration. Zero disables it.
	Timeout time.Duration
	// Env is added to the minimal environment scripts inherit.
	Env map[string]string
	// MaxOutputBytes truncates each captured stream. Zero disables truncation.
	MaxOutputBytes int
}

// DefaultConfig returns a Config that runs scripts with python3 unbuffered.
func DefaultConfig() *Config {
	return &Config{
		Interpreter: "python3",
		Args:        []string{"-u"},
	}
}

// Runner executes scripts with a configured interpreter.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Runner.
func New(cfg *Config, logger *slog.Logger) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: *cfg, logger: logger}
}

// Interpreter returns the configured interpreter program.
func (r *Runner) Interpreter() string {
	return r.cfg.Interpreter
}

// Run executes the script at scriptPath and reports its outcome.
// Script failures are reported in the Result and never as panics.
func (r *Runner) Run(ctx context.Context, scriptPath string) Result {
	start := time.Now()

	if _, err := os.Stat(scriptPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Error("script not found", "path", scriptPath)
			return Result{Success: false, Error: fmt.Sprintf("Script not found: %s", scriptPath), ExitCode: -1}
		}
		r.logger.Error("unexpected error", "error", err)
		return Result{Success: false, Error: err.Error(), ExitCode: -1}
	}

	// The interpreter runs in the script's directory, so relative paths
	// must be resolved against the caller's working directory first.
	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		r.logger.Error("unexpected error", "path", scriptPath, "error", err)
		return Result{Success: false, Error: err.Error(), ExitCode: -1}
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	r.logger.Info("executing script", "path", scriptPath)

	args := append(append([]string{}, r.cfg.Args...), absPath)
	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)

	cmd := exec.CommandContext(ctx, r.cfg.Interpreter, args...)
	cmd.Dir = filepath.Dir(absPath)
	cmd.Env = r.environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	duration := time.Since(start)

	if err == nil {
		r.logger.Info("script execution completed successfully", "path", scriptPath, "duration", duration.String())
		return Result{Success: true, Output: stdout.String(), Duration: duration}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Error("script execution timed out", "path", scriptPath, "timeout", r.cfg.Timeout.String())
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("execution timed out after %s", r.cfg.Timeout),
			ExitCode: -1,
			Duration: duration,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		r.logger.Error("script execution failed",
			"path", scriptPath,
			"return_code", exitErr.ExitCode(),
		)
		return Result{
			Success:  false,
			Error:    stderr.String(),
			ExitCode: exitErr.ExitCode(),
			Duration: duration,
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	r.logger.Error("unexpected error", "path", scriptPath, "error", err)
	return Result{Success: false, Error: err.Error(), ExitCode: -1, Duration: duration}
}

// RunSource writes src to a private temporary directory as filename, runs it
// and removes the directory. The returned error is non-nil only when the
// source could not be written; script failures are reported in the Result.
func (r *Runner) RunSource(ctx context.Context, filename string, src []byte) (Result, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return Result{}, err
	}

	dir, err := os.MkdirTemp("", "script-*")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temp dir: %v", ErrWriteScript, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.logger.Warn("failed to remove temp dir", "dir", dir, "error", rmErr)
		}
	}()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, src, 0o600); err != nil {
		r.logger.Error("error saving code to file", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrWriteScript, err)
	}

	return r.Run(ctx, path), nil
}

// SanitizeFilename reduces an uploaded name to a bare file name.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", ErrInvalidFilename
	}
	return base, nil
}

// environ builds the child environment: a minimal inherited set plus configured values.
func (r *Runner) environ() []string {
	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	for _, key := range []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "SYSTEMROOT"} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range r.cfg.Env {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// cappedBuffer keeps at most limit bytes and silently discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if remaining := b.limit - b.buf.Len(); remaining < len(p) {
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
