package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactFindings_SingleSecret(t *testing.T) {
	content := "rpc_url = https://mainnet.example\napi_key = sk_live_abc123\n"

	findings := []SecretFinding{
		{RuleID: "generic-api-key", Line: 2, StartCol: 10, EndCol: 24, Match: "sk_live_abc123"},
	}

	redacted := redactFindings(content, findings)

	assert.NotContains(t, redacted, "sk_live_abc123")
	assert.Contains(t, redacted, "api_key = [REDACTED:generic-api-key:sk_l]")
	// Unrelated lines are untouched.
	assert.Contains(t, redacted, "rpc_url = https://mainnet.example")
}

func TestRedactFindings_MultipleOnSameLine(t *testing.T) {
	content := "keys: aaaa bbbb"

	findings := []SecretFinding{
		{RuleID: "r1", Line: 1, StartCol: 6, EndCol: 10, Match: "aaaa"},
		{RuleID: "r2", Line: 1, StartCol: 11, EndCol: 15, Match: "bbbb"},
	}

	redacted := redactFindings(content, findings)

	// Reverse-order application keeps both column ranges valid.
	assert.Equal(t, "keys: [REDACTED:r1:aaaa] [REDACTED:r2:bbbb]", redacted)
}

func TestRedactFindings_InvalidLineSkipped(t *testing.T) {
	content := "only one line"

	findings := []SecretFinding{
		{RuleID: "r", Line: 99, StartCol: 0, EndCol: 4, Match: "only"},
		{RuleID: "r", Line: 0, StartCol: 0, EndCol: 4, Match: "only"},
	}

	assert.Equal(t, content, redactFindings(content, findings))
}

func TestRedactFindings_OutOfRangeColumnsSkipped(t *testing.T) {
	content := "short"

	findings := []SecretFinding{
		{RuleID: "r", Line: 1, StartCol: 2, EndCol: 400, Match: "ort"},
	}

	assert.Equal(t, content, redactFindings(content, findings))
}

func TestSecretPreview(t *testing.T) {
	assert.Equal(t, "abcd", secretPreview("abcdefgh", 4))
	assert.Equal(t, "ab", secretPreview("ab", 4))
	assert.Equal(t, "", secretPreview("", 4))
}
