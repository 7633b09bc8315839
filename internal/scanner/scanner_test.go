package scanner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanContract = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import {ERC20} from "@openzeppelin/contracts/token/ERC20/ERC20.sol";

contract SimpleToken is ERC20 {
    constructor() ERC20("Simple", "SMP") {
        _mint(msg.sender, 1000000 ether);
    }
}
`

// fakeDetector returns canned findings.
type fakeDetector struct {
	findings []SecretFinding
	err      error
}

func (d *fakeDetector) Detect(content string) ([]SecretFinding, error) {
	return d.findings, d.err
}

func newTestScanner(t *testing.T, detector SecretDetector) *Scanner {
	t.Helper()
	if detector == nil {
		detector = &fakeDetector{}
	}
	s, err := New(DefaultConfig(), detector, nil)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresDetector(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector is required")
}

func TestNew_ValidatesThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SandboxThreshold = 1.5

	_, err := New(cfg, &fakeDetector{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold must be in [0,1]")
}

func TestScan_CleanContract(t *testing.T) {
	s := newTestScanner(t, nil)

	result, err := s.Scan(context.Background(), []byte(cleanContract))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.False(t, result.Sandboxed)
	assert.Zero(t, result.SecretCount)
	assert.Equal(t, []byte(cleanContract), result.Content)
	assert.Empty(t, result.Reasons)
}

func TestScan_SecretsPenalizedAndRedacted(t *testing.T) {
	content := "// deployment helper, do not commit\n" +
		"pragma solidity ^0.8.20;\n" +
		"key = sk_live_abc123\n" +
		"contract Helper { function noop() external {} }\n"

	detector := &fakeDetector{
		findings: []SecretFinding{
			{
				RuleID:   "test-rule",
				Line:     3,
				StartCol: 6,
				EndCol:   20,
				Match:    "sk_live_abc123",
			},
		},
	}
	s := newTestScanner(t, detector)

	result, err := s.Scan(context.Background(), []byte(content))
	require.NoError(t, err)

	assert.InDelta(t, 0.7, result.Score, 1e-9)
	assert.False(t, result.Sandboxed)
	assert.Equal(t, 1, result.SecretCount)
	assert.NotContains(t, string(result.Content), "sk_live_abc123")
	assert.Contains(t, string(result.Content), "[REDACTED:test-rule:sk_l]")
}

func TestScan_SecretPenaltyCapped(t *testing.T) {
	content := strings.Repeat("filler line with enough bytes to pass the size check\n", 5)

	findings := make([]SecretFinding, 5)
	for i := range findings {
		findings[i] = SecretFinding{RuleID: "r", Line: i + 1, StartCol: 0, EndCol: 6, Match: "filler"}
	}
	s := newTestScanner(t, &fakeDetector{findings: findings})

	result, err := s.Scan(context.Background(), []byte(content))
	require.NoError(t, err)

	// Five secrets would be 1.5 raw; the cap holds the deduction at 0.6.
	assert.InDelta(t, 0.4, result.Score, 1e-9)
	assert.True(t, result.Sandboxed)
}

func TestScan_DangerousConstructs(t *testing.T) {
	content := `pragma solidity ^0.8.20;
contract Risky {
    function kill() external {
        require(tx.origin == owner);
        selfdestruct(payable(msg.sender));
    }
}
`
	s := newTestScanner(t, nil)

	result, err := s.Scan(context.Background(), []byte(content))
	require.NoError(t, err)

	// selfdestruct (0.25) + tx.origin (0.15)
	assert.InDelta(t, 0.6, result.Score, 1e-9)
	assert.False(t, result.Sandboxed)
	assert.Len(t, result.Reasons, 2)
}

func TestScan_StackedConstructsSandbox(t *testing.T) {
	content := `pragma solidity ^0.8.20;
contract VeryRisky {
    function run(address target, bytes calldata data) external {
        require(tx.origin == owner);
        (bool ok,) = target.delegatecall(data);
        require(ok);
        assembly { let x := 0 }
        selfdestruct(payable(msg.sender));
    }
}
`
	s := newTestScanner(t, nil)

	result, err := s.Scan(context.Background(), []byte(content))
	require.NoError(t, err)

	// 0.25 + 0.15 + 0.15 + 0.10 = 0.65 deducted
	assert.InDelta(t, 0.35, result.Score, 1e-9)
	assert.True(t, result.Sandboxed)
}

func TestScan_ShortContent(t *testing.T) {
	s := newTestScanner(t, nil)

	result, err := s.Scan(context.Background(), []byte("tiny"))
	require.NoError(t, err)

	assert.InDelta(t, 0.8, result.Score, 1e-9)
	assert.Contains(t, result.Reasons[0], "below")
}

func TestScan_BinaryContent(t *testing.T) {
	s := newTestScanner(t, nil)

	content := append([]byte("some header"), 0x00, 0xff, 0xfe)
	content = append(content, []byte(strings.Repeat("x", 64))...)

	result, err := s.Scan(context.Background(), content)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, result.Score, 1e-9)
	assert.Contains(t, result.Reasons[0], "UTF-8")
}

func TestScan_ScoreNeverNegative(t *testing.T) {
	findings := make([]SecretFinding, 3)
	for i := range findings {
		findings[i] = SecretFinding{RuleID: "r", Line: 1, StartCol: 0, EndCol: 1, Match: "x"}
	}
	s := newTestScanner(t, &fakeDetector{findings: findings})

	// Binary + short + secrets + constructs all at once.
	content := []byte("\x00selfdestruct( .delegatecall( tx.origin assembly {")

	result, err := s.Scan(context.Background(), content)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Score, 0.0)
	assert.True(t, result.Sandboxed)
}

func TestScan_Deterministic(t *testing.T) {
	s := newTestScanner(t, nil)
	content := []byte(cleanContract)

	first, err := s.Scan(context.Background(), content)
	require.NoError(t, err)
	second, err := s.Scan(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Sandboxed, second.Sandboxed)
}

func TestScan_CancelledContext(t *testing.T) {
	s := newTestScanner(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Scan(ctx, []byte(cleanContract))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_DetectorError(t *testing.T) {
	s := newTestScanner(t, &fakeDetector{err: assert.AnError})

	_, err := s.Scan(context.Background(), []byte(cleanContract))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret detection")
}
