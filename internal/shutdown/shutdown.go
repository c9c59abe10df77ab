// Package shutdown coordinates graceful shutdown of the API server, the
// execution worker and the resources they hold.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator manages graceful shutdown of registered components.
// Components are stopped one at a time in reverse registration order, so a
// server registered after its database stops before the database is closed.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// signalCh replaces OS signal delivery in tests.
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	return c
}

// Register adds a component to be shut down during graceful shutdown.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGINT or SIGTERM is received or ctx is done,
// then shuts everything down.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		c.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}

	c.Shutdown()
}

// Shutdown stops all registered components within the configured timeout.
// Calls after the first are no-ops.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)

		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := len(components) - 1; i >= 0; i-- {
				if ctx.Err() != nil {
					return
				}
				c.shutdownComponent(ctx, components[i])
			}
		}()

		select {
		case <-done:
			if ctx.Err() != nil {
				c.logger.Warn("shutdown timeout exceeded, forcing termination")
				c.exitCode = 1
				return
			}
			c.logger.Info("all components shut down")
		case <-ctx.Done():
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
		}
	})
}

func (c *Coordinator) shutdownComponent(ctx context.Context, comp Component) {
	c.logger.Info("shutting down component", "name", comp.Name())
	if err := comp.Shutdown(ctx); err != nil {
		c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
		return
	}
	c.logger.Info("component shutdown complete", "name", comp.Name())
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 after a clean shutdown and 1 after forced termination.
// It is only meaningful once Wait has returned.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
