// Package audit defines the security finding model shared by the auditor
// provider, the severity gate, and the pipeline.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies how serious a finding is.
type Severity string

const (
	// SeverityNone means no findings were produced.
	SeverityNone Severity = "none"

	// SeverityLow findings are informational or stylistic.
	SeverityLow Severity = "low"

	// SeverityMedium findings indicate weaknesses worth reviewing.
	SeverityMedium Severity = "medium"

	// SeverityHigh findings indicate likely exploitable issues.
	SeverityHigh Severity = "high"
)

// severityRank orders severities for max comparisons.
var severityRank = map[Severity]int{
	SeverityNone:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns the numeric ordering of the severity. Unknown severities
// rank below none.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// IsValid reports whether the severity is one of the defined levels.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity normalizes a tool-reported severity string.
//
// Accepts the canonical levels plus common analyzer spellings
// ("informational", "info", "optimization" map to low; "critical" maps
// to high). Returns an error for anything unrecognized so that parser
// drift surfaces instead of being silently misclassified.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SeverityNone, nil
	case "low", "informational", "info", "note", "optimization":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high", "critical":
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Finding is a single issue reported by the audit tool.
// Findings are immutable once produced.
type Finding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
}

// Report is the auditor output for one source unit.
type Report struct {
	// Tool identifies the analyzer that produced the findings.
	Tool string `json:"tool"`

	// Findings holds every issue the tool reported, unfiltered.
	Findings []Finding `json:"findings"`

	// RanAt records when the audit started.
	RanAt time.Time `json:"ran_at"`

	// Duration is how long the tool ran.
	Duration time.Duration `json:"duration"`
}

// MaxSeverity returns the highest severity across the report's findings,
// or SeverityNone for an empty report.
func (r *Report) MaxSeverity() Severity {
	return MaxSeverity(r.Findings)
}

// MaxSeverity returns the highest severity in the finding set, or
// SeverityNone when the set is empty.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityNone
	for _, f := range findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// CountBySeverity tallies findings per severity level.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

// Summary renders a one-line digest like "2 high, 1 medium, 3 low".
// Returns "no findings" for an empty set.
func Summary(findings []Finding) string {
	if len(findings) == 0 {
		return "no findings"
	}

	counts := CountBySeverity(findings)
	var parts []string
	for _, sev := range []Severity{SeverityHigh, SeverityMedium, SeverityLow} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	return strings.Join(parts, ", ")
}
