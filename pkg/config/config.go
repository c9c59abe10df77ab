// Package config provides environment-based configuration for the script execution service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAllowedOrigins are the frontend origins accepted by the CORS policy.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"https://localhost:3000",
	"http://localhost:8000",
	"https://localhost:8443",
	"https://gauntlet-daily-challenge-phi.vercel.app",
}

// Config holds all configuration for the API server, worker and executor.
type Config struct {
	// Server configuration
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// CertDirs are searched in order for cert.pem and key.pem.
	CertDirs []string `yaml:"cert_dirs"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// Logging
	LogDir    string `yaml:"log_dir"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	// Database configuration. Asynchronous executions are disabled when empty.
	DatabaseDSN string `yaml:"database_url"`

	// Authentication for the /v1 API
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTExpiry    time.Duration `yaml:"jwt_expiry"`
	APIKeyHeader string        `yaml:"api_key_header"`
	APIKeys      []string      `yaml:"api_keys"`

	// OpenAIAPIKey is passed through to executed scripts.
	OpenAIAPIKey string `yaml:"-"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Execution ExecutionConfig `yaml:"execution"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ExecutionConfig holds script runner configuration.
type ExecutionConfig struct {
	PythonBin      string        `yaml:"python_bin"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// WorkerConfig holds execution worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`

	// Retention is how long finished executions are kept. Zero keeps them forever.
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Defaults returns the built-in configuration before any file or environment overrides.
func Defaults() *Config {
	return &Config{
		APIHost:         "0.0.0.0",
		APIPort:         8000,
		CertDirs:        defaultCertDirs(),
		AllowedOrigins:  append([]string(nil), DefaultAllowedOrigins...),
		LogDir:          "logs",
		LogFormat:       "json",
		LogLevel:        "info",
		JWTExpiry:       24 * time.Hour,
		APIKeyHeader:    "X-API-Key",
		ShutdownTimeout: 30 * time.Second,
		Execution: ExecutionConfig{
			PythonBin:      "python3",
			MaxUploadBytes: 10 << 20,
		},
		Worker: WorkerConfig{
			MaxConcurrency:  4,
			MaxAttempts:     3,
			PollInterval:    time.Second,
			StaleAfter:      30 * time.Minute,
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}

// Load reads configuration from an optional YAML file named by CONFIG_FILE,
// then applies environment variables on top.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFile decodes a YAML file over the current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.CertDirs = getListEnv("CERT_DIRS", c.CertDirs)
	c.AllowedOrigins = getListEnv("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("JWT_EXPIRY", c.JWTExpiry)
	c.APIKeyHeader = getEnv("API_KEY_HEADER", c.APIKeyHeader)
	c.APIKeys = getListEnv("API_KEYS", c.APIKeys)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Execution.PythonBin = getEnv("PYTHON_BIN", c.Execution.PythonBin)
	c.Execution.Timeout = getDurationEnv("EXECUTION_TIMEOUT", c.Execution.Timeout)
	c.Execution.MaxOutputBytes = getIntEnv("MAX_OUTPUT_BYTES", c.Execution.MaxOutputBytes)
	c.Execution.MaxUploadBytes = int64(getIntEnv("MAX_UPLOAD_BYTES", int(c.Execution.MaxUploadBytes)))

	c.Worker.MaxConcurrency = getIntEnv("WORKER_MAX_CONCURRENCY", c.Worker.MaxConcurrency)
	c.Worker.MaxAttempts = getIntEnv("WORKER_MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.PollInterval = getDurationEnv("WORKER_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.StaleAfter = getDurationEnv("WORKER_STALE_AFTER", c.Worker.StaleAfter)
	c.Worker.Retention = getDurationEnv("EXECUTION_RETENTION", c.Worker.Retention)
	c.Worker.CleanupInterval = getDurationEnv("CLEANUP_INTERVAL", c.Worker.CleanupInterval)
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.Execution.PythonBin == "" {
		return fmt.Errorf("PYTHON_BIN is required")
	}
	if c.Execution.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("WORKER_MAX_CONCURRENCY must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.Retention < 0 {
		return fmt.Errorf("EXECUTION_RETENTION must not be negative")
	}
	if c.Worker.Retention > 0 && c.Worker.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive when EXECUTION_RETENTION is set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return nil
}

// ValidateAPIAuth checks that the /v1 API can authenticate callers when it
// is enabled. Only the API server needs this.
func (c *Config) ValidateAPIAuth() error {
	if c.AsyncEnabled() && c.JWTSecret == "" && len(c.APIKeys) == 0 {
		return fmt.Errorf("DATABASE_URL requires JWT_SECRET or API_KEYS to protect the /v1 API")
	}
	return nil
}

// AsyncEnabled reports whether queued executions are backed by a database.
func (c *Config) AsyncEnabled() bool {
	return c.DatabaseDSN != ""
}

// Addr returns the listen address of the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// ScriptEnv returns the environment variables injected into executed scripts.
func (c *Config) ScriptEnv() map[string]string {
	env := make(map[string]string)
	if c.OpenAIAPIKey != "" {
		env["OPENAI_API_KEY"] = c.OpenAIAPIKey
	}
	return env
}

// defaultCertDirs returns the container mount path followed by a certs
// directory next to the binary's parent directory.
func defaultCertDirs() []string {
	dirs := []string{"/certs"}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(filepath.Dir(exe)), "certs"))
	}
	return dirs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv parses a comma-separated list, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
