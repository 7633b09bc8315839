// Package retrieval answers generation-context queries from the
// artifact registry through a vector index.
//
// The index holds one collection per registry scope. Records are
// embedded at put time (IndexRecord) or in bulk (Sync); at query time
// every hit is resolved back to its authoritative registry record, so
// moderation that sandboxes or rescores a record takes effect
// immediately, without waiting for a reindex.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/sanitize"
	"github.com/fyrsmithlabs/crucible/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/retrieval"

// Retriever retrieves prior contract sources relevant to a query.
type Retriever struct {
	config   Config
	index    vectorindex.Index
	registry *registry.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	queriesTotal  metric.Int64Counter
	filteredTotal metric.Int64Counter
	indexedTotal  metric.Int64Counter
}

// New creates a Retriever.
func New(config Config, index vectorindex.Index, reg *registry.Registry, logger *zap.Logger) (*Retriever, error) {
	if index == nil {
		return nil, ErrIndexRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	r := &Retriever{
		config:   config,
		index:    index,
		registry: reg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	r.initMetrics()

	return r, nil
}

func (r *Retriever) initMetrics() {
	var err error

	r.queriesTotal, err = r.meter.Int64Counter(
		"crucible.retrieval.queries_total",
		metric.WithDescription("Total retrieval queries by scope mode"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		r.logger.Warn("failed to create queries counter", zap.Error(err))
	}

	r.filteredTotal, err = r.meter.Int64Counter(
		"crucible.retrieval.filtered_total",
		metric.WithDescription("Search hits dropped by quality and sandbox filters"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		r.logger.Warn("failed to create filtered counter", zap.Error(err))
	}

	r.indexedTotal, err = r.meter.Int64Counter(
		"crucible.retrieval.indexed_total",
		metric.WithDescription("Records indexed by scope"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		r.logger.Warn("failed to create indexed counter", zap.Error(err))
	}
}

// collectionForScope maps a registry scope to its index collection.
func collectionForScope(scope registry.Scope) string {
	return sanitize.CollectionName(string(scope), "source", "")
}

// Retrieve returns up to TopK records relevant to the query.
//
// official-only draws from the team scope exclusively. opt-in-community
// adds the community scope minus sandboxed and low-quality records.
// Ordering: team records before community, then similarity, then
// quality score descending.
func (r *Retriever) Retrieve(ctx context.Context, query string, mode ScopeMode) ([]ScoredRecord, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScopeMode, mode)
	}

	span.SetAttributes(
		attribute.String("scope_mode", string(mode)),
		attribute.Int("top_k", r.config.TopK),
	)

	if r.queriesTotal != nil {
		r.queriesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope_mode", string(mode)),
		))
	}

	var hits []ScoredRecord
	seen := make(map[string]bool)

	// Team scope is searched first, so when identical content exists in
	// both scopes the team record is the one that survives dedup.
	for _, scope := range mode.scopes() {
		results, err := r.index.Search(ctx, collectionForScope(scope), query, r.config.TopK, nil)
		if err != nil {
			if errors.Is(err, vectorindex.ErrCollectionNotFound) {
				// Nothing indexed in this scope yet.
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("searching %s scope: %w", scope, err)
		}

		for _, result := range results {
			rec, err := r.registry.Get(ctx, result.ID)
			if err != nil {
				if errors.Is(err, registry.ErrRecordNotFound) {
					r.logger.Debug("index hit has no registry record, skipping",
						zap.String("id", result.ID),
					)
					continue
				}
				span.RecordError(err)
				return nil, fmt.Errorf("resolving record %s: %w", result.ID, err)
			}

			if rec.Scope != scope {
				// A record indexed into the wrong collection must not
				// leak across scope boundaries.
				r.logger.Warn("index hit resolved to a different scope, skipping",
					zap.String("id", rec.ID),
					zap.String("indexed_scope", string(scope)),
					zap.String("record_scope", string(rec.Scope)),
				)
				continue
			}

			if reason := r.excluded(rec); reason != "" {
				if r.filteredTotal != nil {
					r.filteredTotal.Add(ctx, 1, metric.WithAttributes(
						attribute.String("reason", reason),
					))
				}
				continue
			}

			if seen[rec.ContentID] {
				continue
			}
			seen[rec.ContentID] = true

			hits = append(hits, ScoredRecord{
				Record:     rec,
				Content:    result.Content,
				Similarity: result.Score,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Record.Scope != b.Record.Scope {
			return scopeRank(a.Record.Scope) < scopeRank(b.Record.Scope)
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Record.QualityScore > b.Record.QualityScore
	})

	if len(hits) > r.config.TopK {
		hits = hits[:r.config.TopK]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// excluded returns a filter reason, or "" when the record is
// retrievable. Team records are never filtered.
func (r *Retriever) excluded(rec *registry.Record) string {
	if rec.Scope != registry.ScopeCommunity {
		return ""
	}
	if rec.Flags.Sandboxed {
		return "sandboxed"
	}
	if rec.QualityScore < r.config.MinQualityScore {
		return "low_quality"
	}
	return ""
}

func scopeRank(scope registry.Scope) int {
	if scope == registry.ScopeTeam {
		return 0
	}
	return 1
}

// IndexRecord embeds one registry record into its scope collection.
// Non-source artifacts are not retrieval context and are skipped.
func (r *Retriever) IndexRecord(ctx context.Context, rec *registry.Record) error {
	ctx, span := r.tracer.Start(ctx, "retrieval.index_record")
	defer span.End()

	if rec == nil {
		return fmt.Errorf("record is required")
	}

	span.SetAttributes(
		attribute.String("record_id", rec.ID),
		attribute.String("scope", string(rec.Scope)),
	)

	if rec.Type != registry.ArtifactTypeSource {
		r.logger.Debug("skipping non-source artifact",
			zap.String("id", rec.ID),
			zap.String("artifact_type", string(rec.Type)),
		)
		return nil
	}

	content, _, err := r.registry.Content(ctx, rec.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("loading content for %s: %w", rec.ID, err)
	}

	_, err = r.index.AddDocuments(ctx, []vectorindex.Document{r.document(rec, content)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}

	if r.indexedTotal != nil {
		r.indexedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", string(rec.Scope)),
		))
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Sync reindexes every source record in every scope. Document IDs are
// record IDs and writes are upserts, so Sync is safe to re-run.
//
// Sandboxed records are indexed too: moderation can clear the flag
// later, and filtering happens against the live record at query time.
func (r *Retriever) Sync(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "retrieval.sync")
	defer span.End()

	total := 0
	for _, scope := range registry.AllScopes() {
		records, err := r.registry.List(ctx, scope, registry.ListFilter{
			Type: registry.ArtifactTypeSource,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("listing %s scope: %w", scope, err)
		}
		if len(records) == 0 {
			continue
		}

		docs := make([]vectorindex.Document, 0, len(records))
		for _, rec := range records {
			content, _, err := r.registry.Content(ctx, rec.ID)
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("loading content for %s: %w", rec.ID, err)
			}
			docs = append(docs, r.document(rec, content))
		}

		if _, err := r.index.AddDocuments(ctx, docs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing %s scope: %w", scope, err)
		}

		if r.indexedTotal != nil {
			r.indexedTotal.Add(ctx, int64(len(docs)), metric.WithAttributes(
				attribute.String("scope", string(scope)),
			))
		}
		total += len(docs)
	}

	r.logger.Info("index sync complete", zap.Int("records", total))
	span.SetAttributes(attribute.Int("records", total))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// document converts a registry record to an index document. The
// metadata mirrors the record for inspection; filtering reads the
// registry, not these copies.
func (r *Retriever) document(rec *registry.Record, content []byte) vectorindex.Document {
	return vectorindex.Document{
		ID:         rec.ID,
		Content:    string(content),
		Collection: collectionForScope(rec.Scope),
		Metadata: map[string]any{
			"scope":         string(rec.Scope),
			"content_id":    rec.ContentID,
			"artifact_type": string(rec.Type),
			"name":          rec.Name,
			"quality_score": rec.QualityScore,
			"sandboxed":     rec.Flags.Sandboxed,
		},
	}
}
