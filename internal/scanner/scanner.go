// Package scanner assigns quality scores to community-scope artifact
// content before it enters the registry. Scoring is deterministic: the
// same bytes always produce the same score, so concurrent ingests of
// identical content converge.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Scoring penalties. Scores start at 1.0 and deductions are applied per
// signal, clamped to [0,1].
const (
	penaltyPerSecret    = 0.30
	penaltySecretCap    = 0.60
	penaltySelfdestruct = 0.25
	penaltyDelegatecall = 0.15
	penaltyTxOrigin     = 0.15
	penaltyAssembly     = 0.10
	penaltyShort        = 0.20
	penaltyBinary       = 0.40
)

// Dangerous construct patterns checked against community submissions.
var (
	selfdestructPattern = regexp.MustCompile(`\bselfdestruct\s*\(`)
	delegatecallPattern = regexp.MustCompile(`\.delegatecall\s*\(`)
	txOriginPattern     = regexp.MustCompile(`\btx\.origin\b`)
	assemblyPattern     = regexp.MustCompile(`\bassembly\s*\{`)
)

// SecretFinding is a detected secret with location information.
type SecretFinding struct {
	RuleID      string // detector rule ID (e.g., "generic-api-key")
	Description string // human-readable description
	Line        int    // line number where the secret was found
	StartCol    int    // start column (0-indexed)
	EndCol      int    // end column (0-indexed)
	Match       string // the actual secret value
}

// SecretDetector finds secrets in content.
type SecretDetector interface {
	Detect(content string) ([]SecretFinding, error)
}

// Config controls scan behavior.
type Config struct {
	// SandboxThreshold is the score below which content is sandboxed.
	SandboxThreshold float64

	// MinContentBytes is the size below which content is penalized as
	// too small to be a useful artifact.
	MinContentBytes int
}

// DefaultConfig returns scanner defaults.
func DefaultConfig() Config {
	return Config{
		SandboxThreshold: 0.5,
		MinContentBytes:  48,
	}
}

// Result is the outcome of scanning one content unit.
type Result struct {
	// Score is the computed quality score in [0,1].
	Score float64

	// Sandboxed is true when Score fell below the sandbox threshold.
	Sandboxed bool

	// SecretCount is how many secrets were detected (and redacted).
	SecretCount int

	// Content is the (possibly redacted) content safe to persist.
	Content []byte

	// Reasons lists each deduction applied, for diagnostics.
	Reasons []string
}

// Scanner scores and redacts community content.
type Scanner struct {
	config   Config
	detector SecretDetector
	logger   *zap.Logger
}

// New creates a scanner. The detector is required; community content is
// never persisted without a secret pass.
func New(cfg Config, detector SecretDetector, logger *zap.Logger) (*Scanner, error) {
	if detector == nil {
		return nil, errors.New("secret detector is required")
	}
	if cfg.SandboxThreshold < 0 || cfg.SandboxThreshold > 1 {
		return nil, fmt.Errorf("sandbox threshold must be in [0,1], got %f", cfg.SandboxThreshold)
	}
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = DefaultConfig().MinContentBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		config:   cfg,
		detector: detector,
		logger:   logger,
	}, nil
}

// Scan scores content and redacts any detected secrets. The returned
// Result.Content is what should be persisted for community scope.
func (s *Scanner) Scan(ctx context.Context, content []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Score:   1.0,
		Content: content,
	}

	deduct := func(amount float64, reason string) {
		result.Score -= amount
		result.Reasons = append(result.Reasons, reason)
	}

	// Binary or non-UTF8 content cannot be audited as source.
	if !utf8.Valid(content) || bytes.ContainsRune(content, 0) {
		deduct(penaltyBinary, "content is not valid UTF-8 text")
	}

	if len(content) < s.config.MinContentBytes {
		deduct(penaltyShort, fmt.Sprintf("content below %d bytes", s.config.MinContentBytes))
	}

	text := string(content)

	findings, err := s.detector.Detect(text)
	if err != nil {
		return nil, fmt.Errorf("secret detection: %w", err)
	}
	if len(findings) > 0 {
		penalty := penaltyPerSecret * float64(len(findings))
		if penalty > penaltySecretCap {
			penalty = penaltySecretCap
		}
		deduct(penalty, fmt.Sprintf("%d secret(s) detected", len(findings)))

		result.SecretCount = len(findings)
		result.Content = []byte(redactFindings(text, findings))
	}

	if selfdestructPattern.MatchString(text) {
		deduct(penaltySelfdestruct, "uses selfdestruct")
	}
	if delegatecallPattern.MatchString(text) {
		deduct(penaltyDelegatecall, "uses delegatecall")
	}
	if txOriginPattern.MatchString(text) {
		deduct(penaltyTxOrigin, "uses tx.origin for authorization")
	}
	if assemblyPattern.MatchString(text) {
		deduct(penaltyAssembly, "contains inline assembly")
	}

	if result.Score < 0 {
		result.Score = 0
	}
	result.Sandboxed = result.Score < s.config.SandboxThreshold

	if result.Sandboxed {
		s.logger.Warn("content sandboxed",
			zap.Float64("score", result.Score),
			zap.Float64("threshold", s.config.SandboxThreshold),
			zap.Strings("reasons", result.Reasons))
	} else {
		s.logger.Debug("content scanned",
			zap.Float64("score", result.Score),
			zap.Int("secrets", result.SecretCount))
	}

	return result, nil
}
