package scanner

import (
	"fmt"
	"sort"
	"strings"
)

// redactFindings replaces detected secrets with [REDACTED:rule-id:preview]
// markers. Markers keep enough context for embeddings while hiding the
// actual value. Findings are applied in reverse position order so earlier
// replacements don't shift later column indices.
func redactFindings(content string, findings []SecretFinding) string {
	sorted := make([]SecretFinding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")

	for _, finding := range sorted {
		if finding.Line < 1 || finding.Line > len(lines) {
			continue // Skip invalid line numbers
		}

		line := lines[finding.Line-1]

		preview := secretPreview(finding.Match, 4)
		marker := fmt.Sprintf("[REDACTED:%s:%s]", finding.RuleID, preview)

		if finding.StartCol >= 0 && finding.EndCol <= len(line) && finding.StartCol <= finding.EndCol {
			before := line[:finding.StartCol]
			after := line[finding.EndCol:]
			lines[finding.Line-1] = before + marker + after
		}
	}

	return strings.Join(lines, "\n")
}

// secretPreview returns the first N characters of a secret as a hint.
func secretPreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
