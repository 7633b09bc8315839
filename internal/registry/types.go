package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Errors for registry operations.
var (
	ErrRecordNotFound    = errors.New("artifact record not found")
	ErrInvalidScope      = errors.New("invalid scope: must be team or community")
	ErrInvalidName       = errors.New("invalid name: must be alphanumeric with hyphens/underscores")
	ErrInvalidScore      = errors.New("quality score must be in [0,1]")
	ErrPathTraversal     = errors.New("path traversal detected")
	ErrLedgerCorrupted   = errors.New("registry ledger corrupted")
	ErrScannerRequired   = errors.New("content scanner required for community puts")
	ErrEmptyContent      = errors.New("artifact content cannot be empty")
	ErrMissingType       = errors.New("artifact type is required")
	ErrRegistryClosed    = errors.New("registry is closed")
	ErrVersionConflict   = errors.New("record version conflict")
)

// namePattern validates artifact names.
// Allows alphanumeric, hyphens, underscores, and dots.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Scope is the trust namespace partitioning the registry.
type Scope string

const (
	// ScopeTeam holds vetted artifacts written with elevated credentials.
	ScopeTeam Scope = "team"

	// ScopeCommunity holds open submissions, scanned and scored on ingest.
	ScopeCommunity Scope = "community"
)

// AllScopes returns scopes in retrieval priority order: team first.
func AllScopes() []Scope {
	return []Scope{ScopeTeam, ScopeCommunity}
}

// IsValid reports whether the scope is defined.
func (s Scope) IsValid() bool {
	return s == ScopeTeam || s == ScopeCommunity
}

// ParseScope normalizes a scope string.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !scope.IsValid() {
		return "", fmt.Errorf("%w: got %q", ErrInvalidScope, s)
	}
	return scope, nil
}

// ArtifactType categorizes stored artifacts.
type ArtifactType string

const (
	// ArtifactTypeSource is generated contract source.
	ArtifactTypeSource ArtifactType = "source"

	// ArtifactTypeDeployment is deployment metadata (address, tx hash, network).
	ArtifactTypeDeployment ArtifactType = "deployment"

	// ArtifactTypeAuditReport is the serialized audit findings for a run.
	ArtifactTypeAuditReport ArtifactType = "audit_report"

	// ArtifactTypeTestReport is functional test output for a deployment.
	ArtifactTypeTestReport ArtifactType = "test_report"
)

// Flags carries boolean markers on a record.
type Flags struct {
	// Sandboxed excludes the record from default retrieval. Set when a
	// community submission scores below the sandbox threshold.
	Sandboxed bool `json:"sandboxed"`
}

// Record is one artifact registry entry.
//
// Records are append-only: once written they are never mutated. A
// moderation re-score appends a new version carrying the same ID with
// Version incremented; readers always see the latest version.
type Record struct {
	ID           string            `json:"id"`
	ContentID    string            `json:"content_id"`
	Scope        Scope             `json:"scope"`
	Type         ArtifactType      `json:"artifact_type"`
	Name         string            `json:"name,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	WorkflowID   string            `json:"workflow_signature,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	QualityScore float64           `json:"quality_score"`
	Flags        Flags             `json:"flags"`
	Version      int               `json:"version"`
}

// PutOptions describes the artifact being stored.
type PutOptions struct {
	// Type categorizes the artifact. Required.
	Type ArtifactType

	// Name is an optional human-readable artifact name.
	Name string

	// WorkflowID links the record back to the producing workflow run.
	WorkflowID string

	// Metadata holds free-form key/value annotations.
	Metadata map[string]string
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	// Type restricts to one artifact type.
	Type ArtifactType

	// NameGlob restricts by shell glob on the record name.
	NameGlob string

	// WorkflowID restricts to records from one workflow run.
	WorkflowID string
}

// ValidateName checks if an artifact name is safe for indexing and paths.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: name too long (max 255)", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}

	// Explicit path traversal checks
	if name == "." || name == ".." {
		return ErrPathTraversal
	}

	for _, c := range name {
		if c == '/' || c == '\\' || c == '\x00' {
			return ErrPathTraversal
		}
	}

	// Verify Clean doesn't modify the name (catches edge cases)
	if filepath.Clean(name) != name {
		return ErrPathTraversal
	}

	return nil
}
