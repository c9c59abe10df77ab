// Package health provides health check functionality for API components.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// InterpreterPinger reports whether a script interpreter can be resolved.
func InterpreterPinger(bin string) Pinger {
	return PingFunc(func(ctx context.Context) error {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("interpreter %q not found: %w", bin, err)
		}
		return nil
	})
}

type component struct {
	name     string
	pinger   Pinger
	critical bool
}

// Checker performs health checks for registered components.
type Checker struct {
	components []component
	startTime  time.Time
	version    string
	timeout    time.Duration
	mu         sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// Register adds a component. A failing critical component makes the service
// unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, pinger Pinger, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, pinger: pinger, critical: critical})
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	components := append([]component(nil), c.components...)
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses := make(map[string]ComponentStatus, len(components))
	overall := StatusHealthy

	sort.Slice(components, func(i, j int) bool { return components[i].name < components[j].name })
	for _, comp := range components {
		st := c.checkComponent(checkCtx, comp)
		statuses[comp.name] = st

		switch {
		case st.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case st.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return &Response{
		Status:     overall,
		Components: statuses,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

func (c *Checker) checkComponent(ctx context.Context, comp component) ComponentStatus {
	failed := StatusDegraded
	if comp.critical {
		failed = StatusUnhealthy
	}

	if comp.pinger == nil {
		return ComponentStatus{Status: failed, Message: comp.name + " not configured"}
	}
	if err := comp.pinger.Ping(ctx); err != nil {
		return ComponentStatus{Status: failed, Message: err.Error()}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "ok"}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case StatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
