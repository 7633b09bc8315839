package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
)

// ErrCancelled marks a run ended by an operator decision: a declined
// confirmation or an interrupt. It is distinct from failure and maps
// to its own exit code.
var ErrCancelled = errors.New("workflow cancelled")

// ConfigurationError is a fatal pre-run problem: the run never starts
// its first stage.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// DependencyError reports toolchain requirements preflight could not
// satisfy.
type DependencyError struct {
	Issues []toolchain.Issue
}

func (e *DependencyError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Error()
	}
	return fmt.Sprintf("%d unresolved dependencies: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// GenerationError reports generator retry exhaustion.
type GenerationError struct {
	Attempts int
	Last     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *GenerationError) Unwrap() error {
	return e.Last
}

// Stage names one step of the lifecycle.
type Stage string

const (
	StagePreflight Stage = "PREFLIGHT"
	StageGenerate  Stage = "GENERATE"
	StageAudit     Stage = "AUDIT"
	StageGate      Stage = "GATE"
	StageDeploy    Stage = "DEPLOY"
	StageVerify    Stage = "VERIFY"
	StageTest      Stage = "TEST"
)

// Stages returns the lifecycle stages in execution order.
func Stages() []Stage {
	return []Stage{StagePreflight, StageGenerate, StageAudit, StageGate, StageDeploy, StageVerify, StageTest}
}

// Status is a run's overall state. Done, Failed and Cancelled are
// terminal.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// StageStatus is the outcome of a single stage. Running appears only
// in progress reports, never on a finished StageResult.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSuccess   StageStatus = "SUCCESS"
	StageStatusFailed    StageStatus = "FAILED"
	StageStatusSkipped   StageStatus = "SKIPPED"
	StageStatusCancelled StageStatus = "CANCELLED"
)

// Diagnostic records one observed failure inside a stage and the
// remedy attempted in response, or why none was available. Applied
// fixes carry their class and first changed line.
type Diagnostic struct {
	Observed string    `json:"observed"`
	Class    string    `json:"class,omitempty"`
	Remedy   string    `json:"remedy,omitempty"`
	Before   string    `json:"before,omitempty"`
	After    string    `json:"after,omitempty"`
	At       time.Time `json:"at"`
}

// StageResult is the record of one stage execution. It is written once
// when the stage finishes and never mutated.
type StageResult struct {
	Stage       Stage        `json:"stage"`
	Status      StageStatus  `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Attempts    int          `json:"attempts,omitempty"`
	Output      string       `json:"output,omitempty"`
	Warning     string       `json:"warning,omitempty"`
	Error       string       `json:"error,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Options steer one run. Zero values inherit the pipeline
// configuration defaults.
type Options struct {
	// ID overrides the generated workflow ID. Callers that must know
	// the ID before Run returns, or that replay deterministically, set
	// it; empty means generate.
	ID string `json:"id,omitempty"`

	// Network is the deployment target.
	Network string `json:"network,omitempty"`

	// AllowInsecure waves high severity findings through the gate. The
	// override is annotated on the deployment record.
	AllowInsecure bool `json:"allow_insecure,omitempty"`

	// RAGScope selects which registry scopes ground generation.
	RAGScope retrieval.ScopeMode `json:"rag_scope,omitempty"`

	// UploadScope is the registry scope finished artifacts land in.
	UploadScope registry.Scope `json:"upload_scope,omitempty"`

	// TestOnly runs the lifecycle through functional tests without
	// deploying.
	TestOnly bool `json:"test_only,omitempty"`

	// ConstructorArgs are passed to the contract constructor on deploy.
	ConstructorArgs []string `json:"constructor_args,omitempty"`
}

// Result is the full record of one run.
type Result struct {
	ID      string  `json:"id"`
	Prompt  string  `json:"prompt"`
	Options Options `json:"options"`
	Status  Status  `json:"status"`

	Stages []StageResult `json:"stages"`

	ContractName string                `json:"contract_name,omitempty"`
	Source       string                `json:"source,omitempty"`
	Findings     []audit.Finding       `json:"findings,omitempty"`
	Gate         *gate.Result          `json:"gate,omitempty"`
	Deployment   *providers.Deployment `json:"deployment,omitempty"`
	TestReport   *providers.TestReport `json:"test_report,omitempty"`
	Records      []*registry.Record    `json:"records,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
	Error        string                `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ExitCode maps the terminal status to the process exit code: 0 done,
// 2 cancelled, 1 anything else.
func (r *Result) ExitCode() int {
	switch r.Status {
	case StatusDone:
		return 0
	case StatusCancelled:
		return 2
	default:
		return 1
	}
}

// StageResult returns the record for the named stage, nil when the
// run never reached it.
func (r *Result) StageResult(stage Stage) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == stage {
			return &r.Stages[i]
		}
	}
	return nil
}
