// Package providers holds the external collaborators a contract
// workflow drives: source generation, static analysis, deployment,
// verification, and testing. The interfaces live here next to their
// production implementations; the pipeline consumes them and tests
// substitute scripted versions.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
)

var (
	// ErrAuditorUnavailable means the analysis tool is not installed or
	// could not run. The audit stage degrades to skipped.
	ErrAuditorUnavailable = errors.New("auditor unavailable")

	// ErrUnavailable means an advisory collaborator cannot run.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrMalformedSource means output is not usable contract source.
	ErrMalformedSource = errors.New("malformed contract source")
)

// Generator produces contract source from a prompt plus retrieved
// reference documents.
type Generator interface {
	Generate(ctx context.Context, prompt string, contextDocs []string) (string, error)
}

// Auditor statically analyzes contract source.
type Auditor interface {
	Audit(ctx context.Context, source string) ([]audit.Finding, error)
}

// Deployment describes a deployed contract.
type Deployment struct {
	Address    string    `json:"address"`
	TxHash     string    `json:"tx_hash"`
	Network    string    `json:"network"`
	Contract   string    `json:"contract"`
	Simulated  bool      `json:"simulated,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Deployer compiles and deploys contract source to a network.
type Deployer interface {
	Deploy(ctx context.Context, source, network string, args []string) (*Deployment, error)
}

// Verifier submits deployed source for public verification.
type Verifier interface {
	Verify(ctx context.Context, dep *Deployment, source string) error
}

// TestReport summarizes a test run.
type TestReport struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Output string `json:"output,omitempty"`
}

// Tester runs the project test suite against the generated source.
type Tester interface {
	Test(ctx context.Context, source string) (*TestReport, error)
}

// CompileError reports a failed compilation. Output carries the raw
// tool output the recovery engine classifies.
type CompileError struct {
	Output string
}

func (e *CompileError) Error() string {
	return "compilation failed: " + firstLine(e.Output)
}

// DeployError reports a failed deployment transaction.
type DeployError struct {
	Network string
	Reason  string
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploying to %s: %s", e.Network, e.Reason)
}
