package shutdown

import (
	"context"
	"io"
)

// Shutdowner is implemented by servers that drain in-flight requests.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerComponent wraps a server for graceful shutdown.
type ServerComponent struct {
	name   string
	server Shutdowner
}

// NewServerComponent creates a new server shutdown component.
func NewServerComponent(name string, server Shutdowner) *ServerComponent {
	return &ServerComponent{
		name:   name,
		server: server,
	}
}

// Name returns the component name.
func (c *ServerComponent) Name() string {
	return c.name
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (c *ServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// WorkerShutdowner is the interface for workers that can be stopped.
type WorkerShutdowner interface {
	Stop()
}

// WorkerComponent wraps an execution worker for graceful shutdown.
type WorkerComponent struct {
	name   string
	worker WorkerShutdowner
}

// NewWorkerComponent creates a new worker shutdown component.
func NewWorkerComponent(name string, worker WorkerShutdowner) *WorkerComponent {
	return &WorkerComponent{
		name:   name,
		worker: worker,
	}
}

// Name returns the component name.
func (c *WorkerComponent) Name() string {
	return c.name
}

// Shutdown stops the worker and waits for running executions, giving up
// when ctx expires.
func (c *WorkerComponent) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
