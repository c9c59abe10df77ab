// Package api provides the HTTP API server for the script execution service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/narvanalabs/scriptexec/internal/api/errors"
	"github.com/narvanalabs/scriptexec/internal/api/handlers"
	"github.com/narvanalabs/scriptexec/internal/api/health"
	"github.com/narvanalabs/scriptexec/internal/api/middleware"
	"github.com/narvanalabs/scriptexec/internal/auth"
	"github.com/narvanalabs/scriptexec/internal/queue"
	"github.com/narvanalabs/scriptexec/internal/store"
	"github.com/narvanalabs/scriptexec/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Certificate file names looked up in each certificate directory.
const (
	CertFileName = "cert.pem"
	KeyFileName  = "key.pem"
)

// apiTimeout bounds requests that do not run scripts.
const apiTimeout = 60 * time.Second

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	runner        handlers.ScriptRunner
	store         store.Store
	queue         queue.Queue
	auth          *auth.Service
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server. The /v1 execution API is mounted only
// when both st and q are non-nil.
func NewServer(cfg *config.Config, run handlers.ScriptRunner, st store.Store, q queue.Queue, authSvc *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		runner: run,
		store:  st,
		queue:  q,
		auth:   authSvc,
		config: cfg,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.Register("interpreter", health.InterpreterPinger(cfg.Execution.PythonBin), true)
	if st != nil {
		s.healthChecker.Register("database", st, false)
	}

	s.setupRouter()
	return s
}

func (s *Server) asyncEnabled() bool {
	return s.store != nil && s.queue != nil && s.auth != nil
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.With(chimiddleware.Timeout(apiTimeout)).Get("/health", s.healthChecker.Handler())

	// Synchronous execution. Requests live as long as the script is allowed to.
	executeHandler := handlers.NewExecuteHandler(s.runner, s.config.Execution.MaxUploadBytes, s.logger)
	r.Group(func(r chi.Router) {
		if t := s.config.Execution.Timeout; t > 0 {
			r.Use(chimiddleware.Timeout(t + apiTimeout))
		}
		r.Post("/execute", executeHandler.Execute)
		r.Post("/execute-file", executeHandler.ExecuteFile)
	})

	if s.asyncEnabled() {
		r.Route("/v1", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(apiTimeout))

			authMiddleware := middleware.NewAuthMiddleware(s.auth, s.config.APIKeyHeader, s.logger)
			r.Use(authMiddleware.Authenticate)

			executionHandler := handlers.NewExecutionHandler(s.store, s.queue, s.logger)
			r.Route("/executions", func(r chi.Router) {
				r.Post("/", executionHandler.Create)
				r.Get("/", executionHandler.List)
				r.Get("/{executionID}", executionHandler.Get)
			})
		})
	} else {
		s.logger.Info("asynchronous execution API disabled", "reason", "no database configured")
		r.HandleFunc("/v1/*", func(w http.ResponseWriter, r *http.Request) {
			apierrors.WriteRequestError(w, r, apierrors.NewServiceUnavailableError("Asynchronous execution is not configured"))
		})
	}

	s.router = r
}

// FindCertificate returns the certificate and key paths of the first
// directory in dirs that contains both files.
func FindCertificate(dirs []string) (certFile, keyFile string, ok bool) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		cert := filepath.Join(dir, CertFileName)
		key := filepath.Join(dir, KeyFileName)
		if isFile(cert) && isFile(key) {
			return cert, key, true
		}
	}
	return "", "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Start starts the HTTP server on the configured address and blocks until
// ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln, using TLS when a certificate pair is found in the
// configured certificate directories.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if t := s.config.Execution.Timeout; t > 0 {
		s.httpServer.WriteTimeout = t + 2*apiTimeout
	}

	certFile, keyFile, useTLS := FindCertificate(s.config.CertDirs)
	if useTLS {
		s.logger.Info("starting API server with HTTPS", "addr", ln.Addr().String(), "cert_file", certFile)
	} else {
		s.logger.Warn("SSL certificates not found, starting API server without HTTPS",
			"addr", ln.Addr().String(),
			"cert_dirs", s.config.CertDirs,
		)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.httpServer.ServeTLS(ln, certFile, keyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
