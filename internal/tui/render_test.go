package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
)

func doneResult() *pipeline.Result {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &pipeline.Result{
		ID:           "run-7",
		Status:       pipeline.StatusDone,
		ContractName: "Token",
		Options:      pipeline.Options{Network: "sepolia"},
		Stages: []pipeline.StageResult{
			{
				Stage:       pipeline.StagePreflight,
				Status:      pipeline.StageStatusSuccess,
				StartedAt:   started,
				CompletedAt: started.Add(120 * time.Millisecond),
				Attempts:    1,
				Output:      "2 pinned dependencies satisfied",
			},
			{
				Stage:       pipeline.StageDeploy,
				Status:      pipeline.StageStatusSuccess,
				StartedAt:   started.Add(time.Second),
				CompletedAt: started.Add(3 * time.Second),
				Attempts:    2,
				Output:      "deployed 0xabc123 to sepolia",
			},
		},
		Deployment: &providers.Deployment{
			Address:  "0xabc123",
			TxHash:   "0xfeed",
			Network:  "sepolia",
			Contract: "Token",
		},
		TestReport: &providers.TestReport{Passed: 3},
		Records: []*registry.Record{
			{ID: "rec-1", Scope: registry.ScopeTeam, Name: "Token.sol"},
		},
		Warnings: []string{"context retrieval failed: index offline"},
	}
}

func TestRenderResult_Done(t *testing.T) {
	out := RenderResult(doneResult())

	assert.Contains(t, out, "Contract Lifecycle")
	assert.Contains(t, out, "✓ DONE")
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "Token")
	assert.Contains(t, out, "PREFLIGHT")
	assert.Contains(t, out, "2 pinned dependencies satisfied")
	assert.Contains(t, out, "(2 attempts)")
	assert.Contains(t, out, "0xabc123")
	assert.Contains(t, out, "0xfeed")
	assert.Contains(t, out, "3 passed")
	assert.Contains(t, out, "Token.sol")
	assert.Contains(t, out, "rec-1")
	assert.Contains(t, out, "context retrieval failed: index offline")
}

func TestRenderResult_SimulatedDeployment(t *testing.T) {
	res := doneResult()
	res.Deployment.Simulated = true

	out := RenderResult(res)

	assert.Contains(t, out, "(simulated)")
}

func TestRenderResult_Failed(t *testing.T) {
	res := &pipeline.Result{
		ID:     "run-8",
		Status: pipeline.StatusFailed,
		Stages: []pipeline.StageResult{
			{
				Stage:    pipeline.StageGenerate,
				Status:   pipeline.StageStatusFailed,
				Attempts: 3,
				Error:    "generation failed after 3 attempts: llm unavailable",
			},
		},
		Error: "generation failed after 3 attempts: llm unavailable",
	}

	out := RenderResult(res)

	assert.Contains(t, out, "✗ FAILED")
	assert.Contains(t, out, "GENERATE")
	assert.Contains(t, out, "llm unavailable")
}

func TestRenderResult_Cancelled(t *testing.T) {
	res := &pipeline.Result{
		ID:     "run-9",
		Status: pipeline.StatusCancelled,
		Stages: []pipeline.StageResult{
			{
				Stage:  pipeline.StageGate,
				Status: pipeline.StageStatusCancelled,
				Error:  "operator declined",
			},
			{
				Stage:   pipeline.StageDeploy,
				Status:  pipeline.StageStatusSkipped,
				Warning: "workflow cancelled at gate",
			},
		},
		Error: "workflow cancelled: operator declined",
	}

	out := RenderResult(res)

	assert.Contains(t, out, "⚠ CANCELLED")
	assert.Contains(t, out, "operator declined")
	assert.Contains(t, out, "workflow cancelled at gate")
}

func TestRenderResult_FailedTestCounts(t *testing.T) {
	res := doneResult()
	res.TestReport = &providers.TestReport{Passed: 2, Failed: 1}

	out := RenderResult(res)

	assert.Contains(t, out, "2 passed")
	assert.Contains(t, out, "1 failed")
}
