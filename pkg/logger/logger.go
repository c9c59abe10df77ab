// Package logger provides structured logging using slog, optionally mirrored to a log file.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Options controls where and how records are written.
type Options struct {
	Level slog.Level
	JSON  bool
	// Dir and File name an append-only log file written alongside stdout.
	// Both must be set for file output.
	Dir  string
	File string
}

// New creates a new Logger with the specified level and format, writing to stdout.
func New(level slog.Level, json bool) *Logger {
	return &Logger{Logger: slog.New(newHandler(os.Stdout, level, json))}
}

// Open creates a Logger that writes every record to stdout and to a log file.
// The caller must Close the returned logger.
func Open(opts Options) (*Logger, error) {
	if opts.Dir == "" || opts.File == "" {
		return New(opts.Level, opts.JSON), nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(opts.Dir, opts.File)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	w := io.MultiWriter(os.Stdout, f)
	return &Logger{
		Logger: slog.New(newHandler(w, opts.Level, opts.JSON)),
		file:   f,
	}, nil
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

func newHandler(w io.Writer, level slog.Level, json bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		file:   l.file,
	}
}
