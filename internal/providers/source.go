package providers

import (
	"fmt"
	"regexp"
	"strings"
)

var contractNamePattern = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?contract\s+([A-Za-z_]\w*)`)

// ContractName extracts the first contract declared in source, or ""
// when none is declared.
func ContractName(source string) string {
	match := contractNamePattern.FindStringSubmatch(source)
	if match == nil {
		return ""
	}
	return match[1]
}

// ExtractSource strips the markdown code fences models wrap source in
// despite instructions not to.
func ExtractSource(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ValidateSource checks that output looks like compilable contract
// source. The pipeline retries generation when this fails.
func ValidateSource(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("%w: empty output", ErrMalformedSource)
	}
	if ContractName(source) == "" {
		return fmt.Errorf("%w: no contract declaration", ErrMalformedSource)
	}
	return nil
}

// firstLine returns the first non-empty line, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
