package server

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ListRecordsResponse is the response body for
// GET /api/v1/registry/:scope/records.
type ListRecordsResponse struct {
	Scope   registry.Scope     `json:"scope"`
	Records []*registry.Record `json:"records"`
	Count   int                `json:"count"`
}

// handleListRecords lists records in one scope, newest first. The
// type, name and workflow_id query parameters narrow the result.
func (s *Server) handleListRecords(c echo.Context) error {
	scope, err := registry.ParseScope(c.Param("scope"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	filter := registry.ListFilter{
		Type:       registry.ArtifactType(c.QueryParam("type")),
		NameGlob:   c.QueryParam("name"),
		WorkflowID: c.QueryParam("workflow_id"),
	}

	records, err := s.deps.Artifacts.List(c.Request().Context(), scope, filter)
	if err != nil {
		s.logger.Error("failed to list records", zap.String("scope", string(scope)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}

	return c.JSON(http.StatusOK, ListRecordsResponse{
		Scope:   scope,
		Records: records,
		Count:   len(records),
	})
}

// handleGetRecord returns one record by ID.
func (s *Server) handleGetRecord(c echo.Context) error {
	record, err := s.deps.Artifacts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		}
		s.logger.Error("failed to get record", zap.String("record_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}

	return c.JSON(http.StatusOK, record)
}

// handleGetRecordContent returns a record's stored bytes.
func (s *Server) handleGetRecordContent(c echo.Context) error {
	content, record, err := s.deps.Artifacts.Content(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		}
		s.logger.Error("failed to read record content", zap.String("record_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read record content")
	}

	return c.Blob(http.StatusOK, contentType(record.Type), content)
}

// contentType maps an artifact type to the media type it is served as.
// Source is Solidity text; every other artifact is JSON.
func contentType(t registry.ArtifactType) string {
	if t == registry.ArtifactTypeSource {
		return echo.MIMETextPlainCharsetUTF8
	}
	return echo.MIMEApplicationJSON
}

// ModerateRecordRequest is the request body for
// POST /api/v1/records/:id/moderate.
type ModerateRecordRequest struct {
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

// handleModerateRecord re-scores a record, appending a new version.
func (s *Server) handleModerateRecord(c echo.Context) error {
	var req ModerateRecordRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid moderate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	record, err := s.deps.Artifacts.Moderate(c.Request().Context(), c.Param("id"), req.Score, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrRecordNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		case errors.Is(err, registry.ErrInvalidScore):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to moderate record", zap.String("record_id", c.Param("id")), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to moderate record")
		}
	}

	return c.JSON(http.StatusOK, record)
}

// RegistryStatsResponse is the response body for GET /api/v1/registry/stats.
type RegistryStatsResponse struct {
	Scopes map[registry.Scope]registry.ScopeStats `json:"scopes"`
}

// handleRegistryStats returns per-scope record counts.
func (s *Server) handleRegistryStats(c echo.Context) error {
	return c.JSON(http.StatusOK, RegistryStatsResponse{Scopes: s.deps.Artifacts.Stats()})
}

// RetrieveRequest is the request body for POST /api/v1/retrieve.
type RetrieveRequest struct {
	Query     string `json:"query"`
	ScopeMode string `json:"scope_mode,omitempty"`
}

// RetrievalHit is one scored retrieval result, content included.
type RetrievalHit struct {
	Record     *registry.Record `json:"record"`
	Content    string           `json:"content"`
	Similarity float32          `json:"similarity"`
}

// RetrieveResponse is the response body for POST /api/v1/retrieve.
type RetrieveResponse struct {
	Hits []RetrievalHit `json:"hits"`
}

// handleRetrieve answers a similarity query against the artifact
// index. The scope_mode defaults to official artifacts only.
func (s *Server) handleRetrieve(c echo.Context) error {
	if s.deps.Searcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retrieval not configured")
	}

	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid retrieve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	mode := retrieval.ModeOfficialOnly
	if req.ScopeMode != "" {
		parsed, err := retrieval.ParseScopeMode(req.ScopeMode)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		mode = parsed
	}

	hits, err := s.deps.Searcher.Retrieve(c.Request().Context(), req.Query, mode)
	if err != nil {
		s.logger.Error("retrieval failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval failed")
	}

	resp := RetrieveResponse{Hits: make([]RetrievalHit, 0, len(hits))}
	for _, hit := range hits {
		resp.Hits = append(resp.Hits, RetrievalHit{
			Record:     hit.Record,
			Content:    hit.Content,
			Similarity: hit.Similarity,
		})
	}

	return c.JSON(http.StatusOK, resp)
}
