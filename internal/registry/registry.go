// Package registry implements the dual-scope artifact registry.
//
// Artifacts are content-addressed: bytes live in a blob store keyed by
// their sha256 digest, while records describing them are appended to a
// per-scope JSONL ledger. Records are never rewritten; moderation and
// re-scoring append a new version of the same record ID.
//
// The team scope holds vetted artifacts and is never auto-sandboxed.
// The community scope is open: every put is scanned for secrets and
// dangerous constructs, scored, and sandboxed when the score falls
// below the configured threshold.
package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/blob"
	"github.com/fyrsmithlabs/crucible/internal/scanner"
	"github.com/fyrsmithlabs/crucible/internal/sanitize"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/registry"

// ContentScanner scores community submissions before they are stored.
type ContentScanner interface {
	Scan(ctx context.Context, content []byte) (*scanner.Result, error)
}

// Config holds registry settings.
type Config struct {
	// Dir is the directory holding the per-scope ledger files.
	Dir string

	// SandboxThreshold is the quality score below which community
	// records are sandboxed. Defaults to 0.5.
	SandboxThreshold float64
}

// Registry is the append-only artifact registry.
type Registry struct {
	config  Config
	store   blob.Store
	scanner ContentScanner
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	putsTotal       metric.Int64Counter
	dedupHitsTotal  metric.Int64Counter
	moderationTotal metric.Int64Counter

	mu        sync.RWMutex
	closed    bool
	byID      map[string]*Record
	byContent map[Scope]map[string]*Record
	order     []string
}

// New creates a registry backed by dir and the given blob store. The
// scanner may be nil, in which case community puts are rejected.
func New(cfg Config, store blob.Store, scan ContentScanner, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("registry directory is required")
	}
	if cfg.SandboxThreshold == 0 {
		cfg.SandboxThreshold = 0.5
	}
	if cfg.SandboxThreshold < 0 || cfg.SandboxThreshold > 1 {
		return nil, fmt.Errorf("sandbox threshold must be in [0,1], got %v", cfg.SandboxThreshold)
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		config:  cfg,
		store:   store,
		scanner: scan,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	r.initMetrics()

	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initMetrics() {
	var err error

	r.putsTotal, err = r.meter.Int64Counter(
		"crucible.registry.puts_total",
		metric.WithDescription("Total artifact records written"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		r.logger.Warn("failed to create puts counter", zap.Error(err))
	}

	r.dedupHitsTotal, err = r.meter.Int64Counter(
		"crucible.registry.dedup_hits_total",
		metric.WithDescription("Puts resolved to an existing record by content ID"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		r.logger.Warn("failed to create dedup counter", zap.Error(err))
	}

	r.moderationTotal, err = r.meter.Int64Counter(
		"crucible.registry.moderations_total",
		metric.WithDescription("Moderation re-score operations"),
		metric.WithUnit("{moderation}"),
	)
	if err != nil {
		r.logger.Warn("failed to create moderation counter", zap.Error(err))
	}
}

// Put stores content under the given scope and returns its record.
//
// Put is idempotent per (scope, content): storing bytes whose content
// ID already exists in the scope returns the existing record without
// writing anything. Community content is scanned first; the scanner's
// redacted output is what gets hashed and stored, so identical raw
// submissions always converge on the same content ID.
func (r *Registry) Put(ctx context.Context, scope Scope, content []byte, opts PutOptions) (*Record, error) {
	ctx, span := r.tracer.Start(ctx, "registry.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("registry.scope", string(scope)),
		attribute.String("registry.artifact_type", string(opts.Type)),
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !scope.IsValid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidScope, scope)
	}
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}
	if opts.Type == "" {
		return nil, ErrMissingType
	}
	if opts.Name != "" {
		if err := ValidateName(opts.Name); err != nil {
			return nil, err
		}
	}

	record := &Record{
		ID:           uuid.NewString(),
		Scope:        scope,
		Type:         opts.Type,
		Name:         opts.Name,
		CreatedAt:    time.Now().UTC(),
		WorkflowID:   opts.WorkflowID,
		Metadata:     opts.Metadata,
		QualityScore: 1.0,
		Version:      1,
	}

	canonical := content
	if scope == ScopeCommunity {
		if r.scanner == nil {
			return nil, ErrScannerRequired
		}
		result, err := r.scanner.Scan(ctx, content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan community content: %w", err)
		}
		canonical = result.Content
		record.QualityScore = result.Score
		record.Flags.Sandboxed = result.Sandboxed
		if len(result.Reasons) > 0 {
			// Copy before annotating so the caller's map is not mutated.
			record.Metadata = copyMetadata(record.Metadata)
			if record.Metadata == nil {
				record.Metadata = make(map[string]string)
			}
			record.Metadata["scan_reasons"] = joinReasons(result.Reasons)
		}
	}

	record.ContentID = blob.ContentID(canonical)
	span.SetAttributes(attribute.String("registry.content_id", record.ContentID))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if existing, ok := r.byContent[scope][record.ContentID]; ok {
		if r.dedupHitsTotal != nil {
			r.dedupHitsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("scope", string(scope)),
			))
		}
		span.SetAttributes(attribute.Bool("registry.dedup", true))
		r.logger.Debug("put deduplicated to existing record",
			zap.String("scope", string(scope)),
			zap.String("content_id", record.ContentID),
			zap.String("record_id", existing.ID))
		return existing, nil
	}

	// Blob first, then ledger: a crash in between leaves an orphan
	// blob, never a record pointing at missing content.
	if _, err := r.store.Put(ctx, canonical); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to store artifact content: %w", err)
	}

	if err := r.appendLocked(record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if r.putsTotal != nil {
		r.putsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", string(scope)),
			attribute.String("artifact_type", string(opts.Type)),
			attribute.Bool("sandboxed", record.Flags.Sandboxed),
		))
	}

	r.logger.Info("artifact stored",
		zap.String("record_id", record.ID),
		zap.String("scope", string(scope)),
		zap.String("content_id", record.ContentID),
		zap.Float64("quality_score", record.QualityScore),
		zap.Bool("sandboxed", record.Flags.Sandboxed))

	span.SetAttributes(attribute.String("registry.record_id", record.ID))
	return record, nil
}

// Get returns the latest version of the record with the given ID.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	_, span := r.tracer.Start(ctx, "registry.get")
	defer span.End()
	span.SetAttributes(attribute.String("registry.record_id", id))

	if err := sanitize.ValidateRequiredID(id, "record id"); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	record, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record, nil
}

// GetByContentID resolves a content ID to its record, preferring the
// team scope when both scopes hold the same content.
func (r *Registry) GetByContentID(ctx context.Context, contentID string) (*Record, error) {
	_, span := r.tracer.Start(ctx, "registry.get_by_content")
	defer span.End()
	span.SetAttributes(attribute.String("registry.content_id", contentID))

	if err := blob.ValidateContentID(contentID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	for _, scope := range AllScopes() {
		if record, ok := r.byContent[scope][contentID]; ok {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: content %s", ErrRecordNotFound, contentID)
}

// Content returns the stored bytes and record for the given record ID.
func (r *Registry) Content(ctx context.Context, id string) ([]byte, *Record, error) {
	record, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.store.Get(ctx, record.ContentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load artifact content: %w", err)
	}
	return data, record, nil
}

// List returns the latest version of every record in the scope, in
// insertion order, narrowed by the filter.
func (r *Registry) List(ctx context.Context, scope Scope, filter ListFilter) ([]*Record, error) {
	_, span := r.tracer.Start(ctx, "registry.list")
	defer span.End()
	span.SetAttributes(attribute.String("registry.scope", string(scope)))

	if !scope.IsValid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidScope, scope)
	}
	if filter.NameGlob != "" {
		if err := sanitize.ValidateGlobPattern(filter.NameGlob); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	var out []*Record
	for _, id := range r.order {
		record := r.byID[id]
		if record.Scope != scope {
			continue
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.WorkflowID != "" && record.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.NameGlob != "" {
			match, err := filepath.Match(filter.NameGlob, record.Name)
			if err != nil || !match {
				continue
			}
		}
		out = append(out, record)
	}

	span.SetAttributes(attribute.Int("registry.result_count", len(out)))
	return out, nil
}

// Moderate appends a new version of the record with the given quality
// score. Community records are re-sandboxed against the threshold;
// team records are never sandboxed regardless of score.
func (r *Registry) Moderate(ctx context.Context, id string, score float64, note string) (*Record, error) {
	ctx, span := r.tracer.Start(ctx, "registry.moderate")
	defer span.End()
	span.SetAttributes(
		attribute.String("registry.record_id", id),
		attribute.Float64("registry.quality_score", score),
	)

	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidScore, score)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	current, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	next := *current
	next.QualityScore = score
	next.Flags.Sandboxed = current.Scope == ScopeCommunity && score < r.config.SandboxThreshold
	next.Version = current.Version + 1
	next.CreatedAt = time.Now().UTC()
	next.Metadata = copyMetadata(current.Metadata)
	if note != "" {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string)
		}
		next.Metadata["moderation_note"] = note
	}

	if err := r.appendLocked(&next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if r.moderationTotal != nil {
		r.moderationTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", string(next.Scope)),
			attribute.Bool("sandboxed", next.Flags.Sandboxed),
		))
	}

	r.logger.Info("record moderated",
		zap.String("record_id", id),
		zap.Int("version", next.Version),
		zap.Float64("quality_score", score),
		zap.Bool("sandboxed", next.Flags.Sandboxed))

	return r.byID[id], nil
}

// Reload re-reads the ledger files from disk, replacing in-memory
// state. Used when an external process appends moderation entries.
func (r *Registry) Reload(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "registry.reload")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	return r.loadLocked()
}

// ScopeStats summarizes one scope's records.
type ScopeStats struct {
	Records   int `json:"records"`
	Sandboxed int `json:"sandboxed"`
}

// Stats returns per-scope record counts.
func (r *Registry) Stats() map[Scope]ScopeStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[Scope]ScopeStats, len(AllScopes()))
	for _, id := range r.order {
		record := r.byID[id]
		s := stats[record.Scope]
		s.Records++
		if record.Flags.Sandboxed {
			s.Sandboxed++
		}
		stats[record.Scope] = s
	}
	return stats
}

// Close marks the registry closed. Appends are synced per-write, so
// there is nothing to flush.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// appendLocked writes the record as one JSONL line and updates the
// in-memory indexes. Caller must hold the write lock.
func (r *Registry) appendLocked(record *Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := r.ledgerPath(record.Scope)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	r.applyLocked(record)
	return nil
}

// applyLocked indexes a record, keeping only the highest version per
// ID. Caller must hold the write lock.
func (r *Registry) applyLocked(record *Record) {
	existing, seen := r.byID[record.ID]
	if seen && record.Version <= existing.Version {
		return
	}
	if !seen {
		r.order = append(r.order, record.ID)
	}
	r.byID[record.ID] = record
	if r.byContent[record.Scope] == nil {
		r.byContent[record.Scope] = make(map[string]*Record)
	}
	r.byContent[record.Scope][record.ContentID] = record
}

// loadLocked rebuilds in-memory state from the ledger files. A torn
// final line (crash mid-append) is skipped with a warning; corruption
// anywhere else fails the load. Caller must hold the write lock.
func (r *Registry) loadLocked() error {
	r.byID = make(map[string]*Record)
	r.byContent = make(map[Scope]map[string]*Record)
	r.order = nil
	for _, scope := range AllScopes() {
		r.byContent[scope] = make(map[string]*Record)
		if err := r.loadScope(scope); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadScope(scope Scope) error {
	path := r.ledgerPath(scope)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	for i, line := range lines {
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			if i == len(lines)-1 {
				r.logger.Warn("skipping torn ledger tail",
					zap.String("scope", string(scope)),
					zap.Int("line", i+1),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("%w: %s ledger line %d: %v", ErrLedgerCorrupted, scope, i+1, err)
		}
		if record.Scope != scope {
			return fmt.Errorf("%w: %s ledger line %d carries scope %q", ErrLedgerCorrupted, scope, i+1, record.Scope)
		}
		r.applyLocked(&record)
	}
	return nil
}

func (r *Registry) ledgerPath(scope Scope) string {
	return filepath.Join(r.config.Dir, string(scope)+".jsonl")
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func joinReasons(reasons []string) string {
	var buf bytes.Buffer
	for i, reason := range reasons {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(reason)
	}
	return buf.String()
}
