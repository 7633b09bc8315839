package gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func highFinding() audit.Finding {
	return audit.Finding{
		Severity:    audit.SeverityHigh,
		Category:    "reentrancy",
		Description: "state written after external call",
		Location:    "Vault.sol:87",
	}
}

func mediumFinding() audit.Finding {
	return audit.Finding{
		Severity:    audit.SeverityMedium,
		Category:    "unchecked-return",
		Description: "return value of transfer ignored",
	}
}

// scriptedConfirmer resolves with a fixed answer, or errors without
// resolving.
type scriptedConfirmer struct {
	answer bool
	err    error
	calls  int
}

func (c *scriptedConfirmer) Confirm(_ context.Context, pending *PendingConfirmation) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	pending.Resolve(c.answer)
	return nil
}

// channelConfirmer hands the pending confirmation to the test without
// resolving it.
type channelConfirmer struct {
	pendings chan *PendingConfirmation
}

func (c *channelConfirmer) Confirm(_ context.Context, pending *PendingConfirmation) error {
	c.pendings <- pending
	return nil
}

// silentConfirmer accepts the confirmation and never resolves it.
type silentConfirmer struct{}

func (silentConfirmer) Confirm(context.Context, *PendingConfirmation) error { return nil }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		findings      []audit.Finding
		allowInsecure bool
		want          Decision
		wantOverride  bool
		wantSeverity  audit.Severity
	}{
		{
			name:         "no findings",
			want:         DecisionAutoProceed,
			wantSeverity: audit.SeverityNone,
		},
		{
			name:         "low findings",
			findings:     []audit.Finding{{Severity: audit.SeverityLow, Category: "naming"}},
			want:         DecisionAutoProceed,
			wantSeverity: audit.SeverityLow,
		},
		{
			name:         "medium findings",
			findings:     []audit.Finding{mediumFinding()},
			want:         DecisionAutoProceed,
			wantSeverity: audit.SeverityMedium,
		},
		{
			name:          "medium with allow-insecure is not an override",
			findings:      []audit.Finding{mediumFinding()},
			allowInsecure: true,
			want:          DecisionAutoProceed,
			wantSeverity:  audit.SeverityMedium,
		},
		{
			name:         "high requires confirmation",
			findings:     []audit.Finding{mediumFinding(), highFinding()},
			want:         DecisionRequireConfirmation,
			wantSeverity: audit.SeverityHigh,
		},
		{
			name:          "high with allow-insecure overrides",
			findings:      []audit.Finding{highFinding()},
			allowInsecure: true,
			want:          DecisionAutoProceed,
			wantOverride:  true,
			wantSeverity:  audit.SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.findings, tt.allowInsecure)
			assert.Equal(t, tt.want, res.Decision)
			assert.Equal(t, tt.wantOverride, res.InsecureOverride)
			assert.Equal(t, tt.wantSeverity, res.MaxSeverity)
		})
	}
}

func TestParseAnswer(t *testing.T) {
	approve := []string{"", "y", "yes", "Y", "YES", " y \n", "\n"}
	for _, in := range approve {
		assert.True(t, ParseAnswer(in), "input %q should approve", in)
	}

	decline := []string{"n", "no", "N", "NO", "maybe", "q", "deploy"}
	for _, in := range decline {
		assert.False(t, ParseAnswer(in), "input %q should decline", in)
	}
}

func TestGate_Decide_BelowHighSkipsConfirmer(t *testing.T) {
	confirmer := &scriptedConfirmer{answer: false}
	g := New(confirmer, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{mediumFinding()},
	}, false)

	assert.Equal(t, DecisionAutoProceed, res.Decision)
	assert.False(t, res.Confirmed)
	assert.Zero(t, confirmer.calls, "confirmer must not run below high severity")
}

func TestGate_Decide_InsecureOverride(t *testing.T) {
	confirmer := &scriptedConfirmer{answer: false}
	g := New(confirmer, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, true)

	assert.Equal(t, DecisionAutoProceed, res.Decision)
	assert.True(t, res.InsecureOverride)
	assert.Zero(t, confirmer.calls)
}

func TestGate_Decide_OperatorApproves(t *testing.T) {
	g := New(&scriptedConfirmer{answer: true}, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, false)

	assert.Equal(t, DecisionAutoProceed, res.Decision)
	assert.True(t, res.Confirmed)
	assert.False(t, res.InsecureOverride)
}

func TestGate_Decide_OperatorDeclines(t *testing.T) {
	g := New(&scriptedConfirmer{answer: false}, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, false)

	assert.Equal(t, DecisionAutoFail, res.Decision)
	assert.False(t, res.Confirmed)
}

func TestGate_Decide_ConfirmerErrorDeclines(t *testing.T) {
	g := New(&scriptedConfirmer{err: errors.New("terminal gone")}, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, false)

	assert.Equal(t, DecisionAutoFail, res.Decision)
}

func TestGate_Decide_NilConfirmerDeclines(t *testing.T) {
	g := New(nil, zap.NewNop())

	res := g.Decide(context.Background(), ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, false)

	assert.Equal(t, DecisionAutoFail, res.Decision)
	assert.Contains(t, res.Reason, "no confirmer")
}

func TestGate_Decide_ContextEndsBeforeAnswer(t *testing.T) {
	g := New(silentConfirmer{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := g.Decide(ctx, ConfirmationRequest{
		WorkflowID: "wf-1",
		Findings:   []audit.Finding{highFinding()},
	}, false)

	assert.Equal(t, DecisionAutoFail, res.Decision)
}

func TestGate_Decide_AsyncResolution(t *testing.T) {
	confirmer := &channelConfirmer{pendings: make(chan *PendingConfirmation, 1)}
	g := New(confirmer, zap.NewNop())

	results := make(chan Result, 1)
	go func() {
		results <- g.Decide(context.Background(), ConfirmationRequest{
			WorkflowID: "wf-1",
			Findings:   []audit.Finding{highFinding()},
		}, false)
	}()

	pending := <-confirmer.pendings
	assert.Equal(t, "wf-1", pending.Request().WorkflowID)
	assert.Equal(t, audit.SeverityHigh, pending.Request().MaxSeverity)
	pending.Resolve(true)

	res := <-results
	assert.Equal(t, DecisionAutoProceed, res.Decision)
	assert.True(t, res.Confirmed)
}

func TestPendingConfirmation_FirstResolveWins(t *testing.T) {
	pending := NewPendingConfirmation(ConfirmationRequest{WorkflowID: "wf-1"})

	assert.True(t, pending.Resolve(true))
	assert.False(t, pending.Resolve(false), "second resolution is ignored")
	assert.True(t, pending.Wait(context.Background()))
}

func TestReaderConfirmer(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"affirmative", "y\n", true},
		{"spelled out", "yes\n", true},
		{"bare enter approves", "\n", true},
		{"negative", "n\n", false},
		{"spelled out negative", "no\n", false},
		{"eof before any answer", "", false},
		{"answer without trailing newline", "y", true},
		{"unrecognized input declines", "maybe\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			confirmer := &ReaderConfirmer{R: strings.NewReader(tt.input), W: &out}
			pending := NewPendingConfirmation(ConfirmationRequest{
				WorkflowID: "wf-1",
				Findings:   []audit.Finding{highFinding()},
			})

			require.NoError(t, confirmer.Confirm(context.Background(), pending))
			assert.Equal(t, tt.want, pending.Wait(context.Background()))

			assert.Contains(t, out.String(), "Deploy anyway?")
			assert.Contains(t, out.String(), "state written after external call")
			assert.Contains(t, out.String(), "Vault.sol:87")
		})
	}
}
