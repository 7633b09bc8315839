package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
)

// RegistryListInput is the input for the registry_list tool.
type RegistryListInput struct {
	Scope      string `json:"scope" jsonschema:"required,Registry scope to list: team or community"`
	Type       string `json:"type,omitempty" jsonschema:"Filter by artifact type: source, deployment, audit_report or test_report"`
	Name       string `json:"name,omitempty" jsonschema:"Filter by artifact name, shell glob patterns allowed"`
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"Filter by originating workflow"`
}

// RegistryListOutput is the output of the registry_list tool.
type RegistryListOutput struct {
	Scope   string             `json:"scope"`
	Records []*registry.Record `json:"records"`
	Count   int                `json:"count"`
}

// RegistryGetInput is the input for the registry_get tool.
type RegistryGetInput struct {
	RecordID       string `json:"record_id" jsonschema:"required,Record identifier"`
	IncludeContent bool   `json:"include_content,omitempty" jsonschema:"Also return the artifact content"`
}

// RegistryGetOutput is the output of the registry_get tool.
type RegistryGetOutput struct {
	Record  *registry.Record `json:"record"`
	Content string           `json:"content,omitempty" jsonschema:"Artifact content when include_content is set"`
}

// RegistryModerateInput is the input for the registry_moderate tool.
type RegistryModerateInput struct {
	RecordID string  `json:"record_id" jsonschema:"required,Record to score"`
	Score    float64 `json:"score" jsonschema:"required,Quality score between 0 and 1"`
	Note     string  `json:"note,omitempty" jsonschema:"Moderation note recorded on the new version"`
}

// RegistryModerateOutput is the output of the registry_moderate tool.
type RegistryModerateOutput struct {
	Record *registry.Record `json:"record"`
}

// RegistryStatsInput is the input for the registry_stats tool.
type RegistryStatsInput struct{}

// RegistryStatsOutput is the output of the registry_stats tool.
type RegistryStatsOutput struct {
	Scopes map[registry.Scope]registry.ScopeStats `json:"scopes"`
}

// ContextRetrieveInput is the input for the context_retrieve tool.
type ContextRetrieveInput struct {
	Query     string `json:"query" jsonschema:"required,Similarity query text"`
	ScopeMode string `json:"scope_mode,omitempty" jsonschema:"Retrieval scope: official-only (default) or opt-in-community"`
}

// RetrievalHit is one scored match in context_retrieve output.
type RetrievalHit struct {
	Record     *registry.Record `json:"record"`
	Content    string           `json:"content"`
	Similarity float32          `json:"similarity"`
}

// ContextRetrieveOutput is the output of the context_retrieve tool.
type ContextRetrieveOutput struct {
	Hits []RetrievalHit `json:"hits"`
}

// registerRegistryTools registers the artifact registry and retrieval
// tools.
func (s *Server) registerRegistryTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "registry_list",
		Description: "List artifact records in one registry scope, optionally filtered by type, name pattern or workflow.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RegistryListInput) (*mcp.CallToolResult, RegistryListOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "registry_list")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "registry_list")
			s.metrics.RecordInvocation(ctx, "registry_list", time.Since(start), toolErr)
		}()

		out, err := s.listRecords(ctx, args)
		if err != nil {
			toolErr = err
			return nil, RegistryListOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "registry_get",
		Description: "Fetch one artifact record by ID, optionally with its content.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RegistryGetInput) (*mcp.CallToolResult, RegistryGetOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "registry_get")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "registry_get")
			s.metrics.RecordInvocation(ctx, "registry_get", time.Since(start), toolErr)
		}()

		out, err := s.getRecord(ctx, args)
		if err != nil {
			toolErr = err
			return nil, RegistryGetOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "registry_moderate",
		Description: "Re-score a record. Writes a new version carrying the given quality score; community records move in or out of the sandbox accordingly.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RegistryModerateInput) (*mcp.CallToolResult, RegistryModerateOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "registry_moderate")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "registry_moderate")
			s.metrics.RecordInvocation(ctx, "registry_moderate", time.Since(start), toolErr)
		}()

		out, err := s.moderateRecord(ctx, args)
		if err != nil {
			toolErr = err
			return nil, RegistryModerateOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "registry_stats",
		Description: "Report record counts per registry scope, including how many community records sit in the sandbox.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RegistryStatsInput) (*mcp.CallToolResult, RegistryStatsOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "registry_stats")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "registry_stats")
			s.metrics.RecordInvocation(ctx, "registry_stats", time.Since(start), toolErr)
		}()

		out, err := s.registryStats(ctx, args)
		if err != nil {
			toolErr = err
			return nil, RegistryStatsOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "context_retrieve",
		Description: "Retrieve past artifacts similar to a query for grounding new work. Scope mode official-only restricts to curated records.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ContextRetrieveInput) (*mcp.CallToolResult, ContextRetrieveOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "context_retrieve")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "context_retrieve")
			s.metrics.RecordInvocation(ctx, "context_retrieve", time.Since(start), toolErr)
		}()

		out, err := s.retrieveContext(ctx, args)
		if err != nil {
			toolErr = err
			return nil, ContextRetrieveOutput{}, err
		}
		return nil, out, nil
	})
}

func (s *Server) listRecords(ctx context.Context, args RegistryListInput) (RegistryListOutput, error) {
	scope, err := registry.ParseScope(args.Scope)
	if err != nil {
		return RegistryListOutput{}, err
	}

	filter := registry.ListFilter{
		Type:       registry.ArtifactType(args.Type),
		NameGlob:   args.Name,
		WorkflowID: args.WorkflowID,
	}
	records, err := s.store.List(ctx, scope, filter)
	if err != nil {
		return RegistryListOutput{}, fmt.Errorf("listing records: %w", err)
	}

	return RegistryListOutput{
		Scope:   string(scope),
		Records: records,
		Count:   len(records),
	}, nil
}

func (s *Server) getRecord(ctx context.Context, args RegistryGetInput) (RegistryGetOutput, error) {
	if args.IncludeContent {
		content, rec, err := s.store.Content(ctx, args.RecordID)
		if err != nil {
			return RegistryGetOutput{}, err
		}
		return RegistryGetOutput{Record: rec, Content: string(content)}, nil
	}

	rec, err := s.store.Get(ctx, args.RecordID)
	if err != nil {
		return RegistryGetOutput{}, err
	}
	return RegistryGetOutput{Record: rec}, nil
}

func (s *Server) moderateRecord(ctx context.Context, args RegistryModerateInput) (RegistryModerateOutput, error) {
	rec, err := s.store.Moderate(ctx, args.RecordID, args.Score, args.Note)
	if err != nil {
		return RegistryModerateOutput{}, err
	}

	s.logger.Info("record moderated",
		zap.String("record_id", args.RecordID),
		zap.Float64("score", args.Score),
	)
	return RegistryModerateOutput{Record: rec}, nil
}

func (s *Server) registryStats(ctx context.Context, args RegistryStatsInput) (RegistryStatsOutput, error) {
	return RegistryStatsOutput{Scopes: s.store.Stats()}, nil
}

func (s *Server) retrieveContext(ctx context.Context, args ContextRetrieveInput) (ContextRetrieveOutput, error) {
	if s.searcher == nil {
		return ContextRetrieveOutput{}, fmt.Errorf("retrieval is not configured")
	}
	if strings.TrimSpace(args.Query) == "" {
		return ContextRetrieveOutput{}, fmt.Errorf("query is required")
	}

	mode := retrieval.ModeOfficialOnly
	if args.ScopeMode != "" {
		var err error
		mode, err = retrieval.ParseScopeMode(args.ScopeMode)
		if err != nil {
			return ContextRetrieveOutput{}, err
		}
	}

	hits, err := s.searcher.Retrieve(ctx, args.Query, mode)
	if err != nil {
		return ContextRetrieveOutput{}, fmt.Errorf("retrieval failed: %w", err)
	}

	out := ContextRetrieveOutput{Hits: make([]RetrievalHit, len(hits))}
	for i, hit := range hits {
		out.Hits[i] = RetrievalHit{
			Record:     hit.Record,
			Content:    hit.Content,
			Similarity: hit.Similarity,
		}
	}
	return out, nil
}
