package sanitize

import (
	"strings"
	"testing"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple lowercase",
			input:    "mytoken",
			expected: "mytoken",
		},
		{
			name:     "uppercase conversion",
			input:    "MyToken",
			expected: "mytoken",
		},
		{
			name:     "dots to underscores",
			input:    "vault.sol",
			expected: "vault_sol",
		},
		{
			name:     "hyphenated contract name",
			input:    "erc-20-vault",
			expected: "erc_20_vault",
		},
		{
			name:     "special characters",
			input:    "my-token!@#$%",
			expected: "my_token",
		},
		{
			name:     "multiple underscores collapsed",
			input:    "foo___bar",
			expected: "foo_bar",
		},
		{
			name:     "leading/trailing underscores trimmed",
			input:    "_foo_bar_",
			expected: "foo_bar",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "default",
		},
		{
			name:     "only invalid chars",
			input:    "!!!",
			expected: "default",
		},
		{
			name:     "numbers preserved",
			input:    "token123",
			expected: "token123",
		},
		{
			name:     "spaces to underscores",
			input:    "my token",
			expected: "my_token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Identifier(tt.input)
			if result != tt.expected {
				t.Errorf("Identifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIdentifier_LengthLimit(t *testing.T) {
	longInput := strings.Repeat("a", 100)
	result := Identifier(longInput)

	if len(result) > MaxIdentifierLength {
		t.Errorf("Identifier should be <= %d chars, got %d", MaxIdentifierLength, len(result))
	}

	// Should end with hash suffix pattern _XXXXXXXX
	parts := strings.Split(result, "_")
	suffix := parts[len(parts)-1]
	if len(suffix) != 8 {
		t.Errorf("expected 8-char hash suffix, got %q", suffix)
	}
}

func TestIdentifier_TruncationIsDeterministic(t *testing.T) {
	longInput := strings.Repeat("xyz_", 50)

	first := Identifier(longInput)
	second := Identifier(longInput)

	if first != second {
		t.Errorf("truncation not deterministic: %q != %q", first, second)
	}
}

func TestIdentifier_DifferentLongInputsStayDistinct(t *testing.T) {
	a := strings.Repeat("a", 80) + "one"
	b := strings.Repeat("a", 80) + "two"

	if Identifier(a) == Identifier(b) {
		t.Error("distinct long inputs collapsed to the same identifier")
	}
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		name     string
		scope    string
		kind     string
		suffix   string
		expected string
	}{
		{
			name:     "team artifacts",
			scope:    "team",
			kind:     "artifacts",
			suffix:   "",
			expected: "team_artifacts",
		},
		{
			name:     "community artifacts with suffix",
			scope:    "community",
			kind:     "artifacts",
			suffix:   "v1",
			expected: "community_artifacts_v1",
		},
		{
			name:     "messy inputs sanitized",
			scope:    "Team!",
			kind:     "My Artifacts",
			suffix:   "",
			expected: "team_my_artifacts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CollectionName(tt.scope, tt.kind, tt.suffix)
			if result != tt.expected {
				t.Errorf("CollectionName(%q, %q, %q) = %q, want %q",
					tt.scope, tt.kind, tt.suffix, result, tt.expected)
			}
		})
	}
}

func TestCollectionName_CombinedLengthLimit(t *testing.T) {
	scope := strings.Repeat("s", 40)
	kind := strings.Repeat("k", 40)

	result := CollectionName(scope, kind, "artifacts")
	if len(result) > MaxIdentifierLength {
		t.Errorf("combined name should be <= %d chars, got %d", MaxIdentifierLength, len(result))
	}
}
