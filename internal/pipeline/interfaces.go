package pipeline

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
)

// Toolchain probes and repairs pinned build dependencies.
type Toolchain interface {
	// EnsureAll brings every dependency to its pinned version,
	// collecting an issue per failure.
	EnsureAll(ctx context.Context, deps []toolchain.Dependency) []toolchain.Issue

	// EnsureForSource ensures the dependencies a source file imports.
	EnsureForSource(ctx context.Context, m *toolchain.Manifest, source string) []toolchain.Issue
}

// ContextRetriever supplies reference artifacts that ground generation.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, mode retrieval.ScopeMode) ([]retrieval.ScoredRecord, error)
}

// Archiver persists run artifacts into the registry.
type Archiver interface {
	Put(ctx context.Context, scope registry.Scope, content []byte, opts registry.PutOptions) (*registry.Record, error)
}

// Event kinds published over the run's lifetime.
const (
	EventStarted   = "started"
	EventStage     = "stage"
	EventLog       = "log"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is one workflow lifecycle notification.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Kind       string    `json:"kind"`
	Stage      Stage     `json:"stage,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives workflow lifecycle events. Delivery is
// best-effort: a sink must not block the run or surface errors into
// it. A nil sink drops events.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// StageProgress reports a stage transition.
type StageProgress struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Message    string      `json:"message"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress StageProgress)
