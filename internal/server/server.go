// Package server exposes workflow runs and the artifact registry over HTTP.
//
// Routes are versioned under /api/v1. A workflow is submitted once and
// then observed by polling or by streaming its events; while a run is
// paused at the audit gate, the status response carries the pending
// confirmation and POST /workflows/:id/confirm resolves it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// WorkflowRunner executes one workflow run from prompt to terminal
// status. Implemented by pipeline.Pipeline.
type WorkflowRunner interface {
	Run(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error)
}

// ArtifactStore is the registry surface the API serves.
type ArtifactStore interface {
	Get(ctx context.Context, id string) (*registry.Record, error)
	Content(ctx context.Context, id string) ([]byte, *registry.Record, error)
	List(ctx context.Context, scope registry.Scope, filter registry.ListFilter) ([]*registry.Record, error)
	Moderate(ctx context.Context, id string, score float64, note string) (*registry.Record, error)
	Stats() map[registry.Scope]registry.ScopeStats
}

// Searcher answers similarity queries against the artifact index.
type Searcher interface {
	Retrieve(ctx context.Context, query string, mode retrieval.ScopeMode) ([]retrieval.ScoredRecord, error)
}

var (
	_ WorkflowRunner = (*pipeline.Pipeline)(nil)
	_ ArtifactStore  = (*registry.Registry)(nil)
	_ Searcher       = (*retrieval.Retriever)(nil)
)

// Deps bundles the server's collaborators. Runner and Artifacts are
// required. The rest degrade gracefully when nil: without a Searcher
// retrieval returns 503, without a Hub confirmations do, and without
// an Events connection the SSE endpoint does.
type Deps struct {
	Runner    WorkflowRunner
	Artifacts ArtifactStore
	Searcher  Searcher
	Hub       *gate.Hub
	Events    *nats.Conn
}

// Config holds HTTP server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Server provides the HTTP API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	runs    *runStore
	metrics *Metrics
	logger  *zap.Logger
	config  *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("workflow runner cannot be nil")
	}
	if deps.Artifacts == nil {
		return nil, fmt.Errorf("artifact store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Port:            9290,
			ShutdownTimeout: 10 * time.Second,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		runs:    newRunStore(),
		metrics: NewMetrics(logger),
		logger:  logger,
		config:  cfg,
	}

	e.Use(s.metrics.Middleware())

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")

	v1.POST("/workflows", s.handleSubmitWorkflow)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.POST("/workflows/:id/confirm", s.handleConfirmWorkflow)
	v1.GET("/workflows/:id/events", s.handleWorkflowEvents)

	v1.GET("/registry/stats", s.handleRegistryStats)
	v1.GET("/registry/:scope/records", s.handleListRecords)
	v1.GET("/records/:id", s.handleGetRecord)
	v1.GET("/records/:id/content", s.handleGetRecordContent)
	v1.POST("/records/:id/moderate", s.handleModerateRecord)

	v1.POST("/retrieve", s.handleRetrieve)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start runs the server until the context is cancelled, then shuts it
// down gracefully within the configured timeout.
//
// Returns http.ErrServerClosed after a clean shutdown, or any other
// error encountered during startup or shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down http server")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the router for registering additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
