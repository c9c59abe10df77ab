// Package cleanup purges finished executions once their retention period ends.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/scriptexec/internal/store"
)

// Default values for cleanup settings.
const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultInterval  = time.Hour
)

// Settings holds cleanup configuration.
type Settings struct {
	// Retention is how long succeeded and failed executions are kept.
	Retention time.Duration `json:"retention"`
	// Interval is the pause between purge runs.
	Interval time.Duration `json:"interval"`
}

// Validate validates that the settings describe a usable schedule.
func (s *Settings) Validate() error {
	if s.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", s.Retention)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	return nil
}

// CleanupResult holds the result of a purge run.
type CleanupResult struct {
	ItemsRemoved int64         `json:"items_removed"`
	Cutoff       time.Time     `json:"cutoff"`
	Duration     time.Duration `json:"duration"`
}

// Service periodically removes expired execution records.
type Service struct {
	store    store.Store
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a new cleanup service.
func NewService(st store.Store, settings Settings, logger *slog.Logger) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cleanup settings: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

// PurgeExecutions removes terminal executions that finished before the
// retention cutoff. Queued and running executions are never touched.
func (s *Service) PurgeExecutions(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	cutoff := s.now().UTC().Add(-s.settings.Retention)

	removed, err := s.store.Executions().DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purging executions: %w", err)
	}

	result := &CleanupResult{
		ItemsRemoved: removed,
		Cutoff:       cutoff,
		Duration:     time.Since(start),
	}

	s.logger.Info("execution purge completed",
		"removed", removed,
		"cutoff", cutoff,
		"retention", s.settings.Retention.String(),
	)
	return result, nil
}

// Start runs PurgeExecutions immediately and then every Interval until Stop
// is called or ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.settings.Interval)
		defer ticker.Stop()

		for {
			if _, err := s.PurgeExecutions(ctx); err != nil {
				s.logger.Error("execution purge failed", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the purge loop and waits for a running purge to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
