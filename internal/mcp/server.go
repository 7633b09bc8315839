// Package mcp exposes the contract pipeline over the Model Context
// Protocol.
//
// The server speaks MCP over stdio so coding agents can start contract
// runs, answer gate confirmations, and query the artifact registry as
// tools. Runs started without wait execute in the background and are
// followed up with contract_status.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
)

// Runner executes one workflow run from prompt to terminal status.
type Runner interface {
	Run(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error)
}

// ArtifactStore is the registry surface the tools serve.
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
	_ Runner        = (*pipeline.Pipeline)(nil)
	_ ArtifactStore = (*registry.Registry)(nil)
	_ Searcher      = (*retrieval.Retriever)(nil)
)

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "crucible")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "crucible",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// Server exposes workflow and registry tools over MCP.
type Server struct {
	mcp      *mcp.Server
	runner   Runner
	store    ArtifactStore
	searcher Searcher
	hub      *gate.Hub
	tracker  *runTracker
	metrics  *Metrics
	logger   *zap.Logger
}

// NewServer creates a new MCP server. The searcher and hub are
// optional: without a searcher context_retrieve reports itself
// unavailable, without a hub gate confirmations do.
func NewServer(cfg *Config, runner Runner, store ArtifactStore, searcher Searcher, hub *gate.Hub) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		return nil, fmt.Errorf("workflow runner is required")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		runner:   runner,
		store:    store,
		searcher: searcher,
		hub:      hub,
		tracker:  newRunTracker(),
		metrics:  NewMetrics(logger),
		logger:   logger,
	}

	s.registerWorkflowTools()
	s.registerRegistryTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
