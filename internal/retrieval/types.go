package retrieval

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/crucible/internal/registry"
)

var (
	// ErrEmptyQuery indicates an empty retrieval query.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrInvalidScopeMode indicates an unknown scope mode.
	ErrInvalidScopeMode = errors.New("invalid scope mode")

	// ErrIndexRequired indicates the retriever was built without an index.
	ErrIndexRequired = errors.New("vector index is required")

	// ErrRegistryRequired indicates the retriever was built without a registry.
	ErrRegistryRequired = errors.New("registry is required")
)

// ScopeMode selects which registry scopes retrieval draws from.
type ScopeMode string

const (
	// ModeOfficialOnly retrieves from the team scope exclusively.
	ModeOfficialOnly ScopeMode = "official-only"

	// ModeOptInCommunity retrieves from team and community scopes.
	// Sandboxed and low-quality community records are still excluded.
	ModeOptInCommunity ScopeMode = "opt-in-community"
)

// IsValid reports whether the mode is a known scope mode.
func (m ScopeMode) IsValid() bool {
	return m == ModeOfficialOnly || m == ModeOptInCommunity
}

// scopes returns the registry scopes the mode covers, team first.
func (m ScopeMode) scopes() []registry.Scope {
	switch m {
	case ModeOptInCommunity:
		return []registry.Scope{registry.ScopeTeam, registry.ScopeCommunity}
	default:
		return []registry.Scope{registry.ScopeTeam}
	}
}

// ParseScopeMode parses a scope mode string.
func ParseScopeMode(s string) (ScopeMode, error) {
	mode := ScopeMode(s)
	if !mode.IsValid() {
		return "", fmt.Errorf("%w: %q (valid: %s, %s)", ErrInvalidScopeMode, s, ModeOfficialOnly, ModeOptInCommunity)
	}
	return mode, nil
}

// ScoredRecord is a retrieval hit: the authoritative registry record
// resolved at query time, the indexed content, and the similarity the
// index reported.
type ScoredRecord struct {
	Record     *registry.Record
	Content    string
	Similarity float32
}

// Config holds retriever configuration.
type Config struct {
	// TopK is the maximum number of records Retrieve returns.
	// Default: 5
	TopK int

	// MinQualityScore excludes community records scoring below it.
	// Mirrors the registry sandbox threshold. Default: 0.5
	MinQualityScore float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MinQualityScore == 0 {
		c.MinQualityScore = 0.5
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top k must be positive, got %d", c.TopK)
	}
	if c.MinQualityScore < 0 || c.MinQualityScore > 1 {
		return fmt.Errorf("min quality score must be in [0,1], got %v", c.MinQualityScore)
	}
	return nil
}
