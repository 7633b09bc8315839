package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
)

// runTracker remembers runs started over MCP so contract_status can
// answer after contract_run returns. Finished runs linger for an hour
// and are then evicted.
type runTracker struct {
	runs sync.Map // map[string]*trackedRun
}

func newRunTracker() *runTracker {
	return &runTracker{}
}

// trackedRun is the lifecycle state of one tracked run.
type trackedRun struct {
	id        string
	prompt    string
	createdAt time.Time

	mu     sync.Mutex
	status pipeline.Status
	result *pipeline.Result
}

func (t *runTracker) track(id, prompt string) *trackedRun {
	run := &trackedRun{
		id:        id,
		prompt:    prompt,
		createdAt: time.Now(),
		status:    pipeline.StatusRunning,
	}
	t.runs.Store(id, run)
	return run
}

func (t *runTracker) get(id string) (*trackedRun, error) {
	v, ok := t.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	return v.(*trackedRun), nil
}

// finish records the terminal outcome and schedules eviction. A nil
// result is synthesized from the error so status polls never see a
// run that vanished without a verdict.
func (t *runTracker) finish(run *trackedRun, res *pipeline.Result, err error) {
	run.mu.Lock()
	if res == nil {
		res = &pipeline.Result{
			ID:     run.id,
			Prompt: run.prompt,
			Status: pipeline.StatusFailed,
		}
		if err != nil {
			res.Error = err.Error()
		}
	}
	run.result = res
	run.status = res.Status
	run.mu.Unlock()

	t.scheduleCleanup(run.id, 1*time.Hour)
}

func (r *trackedRun) snapshot() (pipeline.Status, *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.result
}

// scheduleCleanup removes a run after a delay.
func (t *runTracker) scheduleCleanup(id string, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		t.runs.Delete(id)
	}()
}

// StageSummary compresses one stage record for tool output. The full
// stage output and diagnostics stay behind the registry artifacts.
type StageSummary struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FindingSummary is one audit finding in tool output.
type FindingSummary struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

// ConfirmationSummary describes an audit gate waiting on an operator.
type ConfirmationSummary struct {
	ContractName string           `json:"contract_name"`
	MaxSeverity  string           `json:"max_severity"`
	Findings     []FindingSummary `json:"findings"`
	RequestedAt  time.Time        `json:"requested_at"`
}

// ContractRunInput is the input for the contract_run tool.
type ContractRunInput struct {
	Prompt          string   `json:"prompt" jsonschema:"required,Natural language description of the contract to build"`
	Network         string   `json:"network,omitempty" jsonschema:"Deployment target network (defaults to the configured network)"`
	AllowInsecure   bool     `json:"allow_insecure,omitempty" jsonschema:"Let high severity audit findings pass the gate without confirmation"`
	RAGScope        string   `json:"rag_scope,omitempty" jsonschema:"Retrieval scope: official-only or opt-in-community"`
	UploadScope     string   `json:"upload_scope,omitempty" jsonschema:"Registry scope finished artifacts land in: team or community"`
	TestOnly        bool     `json:"test_only,omitempty" jsonschema:"Run through functional tests without deploying"`
	ConstructorArgs []string `json:"constructor_args,omitempty" jsonschema:"Arguments passed to the contract constructor on deploy"`
	Wait            bool     `json:"wait,omitempty" jsonschema:"Block until the run reaches a terminal status"`
}

// ContractRunOutput is the output of the contract_run tool.
type ContractRunOutput struct {
	WorkflowID   string         `json:"workflow_id" jsonschema:"Identifier for contract_status and contract_confirm"`
	Status       string         `json:"status" jsonschema:"RUNNING for background runs, otherwise the terminal status"`
	ContractName string         `json:"contract_name,omitempty"`
	Address      string         `json:"address,omitempty" jsonschema:"Deployed contract address"`
	Network      string         `json:"network,omitempty"`
	Stages       []StageSummary `json:"stages,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// ContractStatusInput is the input for the contract_status tool.
type ContractStatusInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"required,Workflow identifier returned by contract_run"`
}

// ContractStatusOutput is the output of the contract_status tool.
type ContractStatusOutput struct {
	WorkflowID           string               `json:"workflow_id"`
	Status               string               `json:"status"`
	Prompt               string               `json:"prompt,omitempty"`
	ContractName         string               `json:"contract_name,omitempty"`
	Address              string               `json:"address,omitempty"`
	Network              string               `json:"network,omitempty"`
	Stages               []StageSummary       `json:"stages,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
	Error                string               `json:"error,omitempty"`
	AwaitingConfirmation *ConfirmationSummary `json:"awaiting_confirmation,omitempty" jsonschema:"Present when the audit gate is waiting on contract_confirm"`
}

// ContractConfirmInput is the input for the contract_confirm tool.
type ContractConfirmInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"required,Workflow whose audit gate is awaiting an answer"`
	Answer     string `json:"answer,omitempty" jsonschema:"Operator answer: empty and y and yes proceed, anything else declines"`
}

// ContractConfirmOutput is the output of the contract_confirm tool.
type ContractConfirmOutput struct {
	WorkflowID string `json:"workflow_id"`
	Proceed    bool   `json:"proceed" jsonschema:"Whether the run continues past the gate"`
}

// registerWorkflowTools registers the run lifecycle tools.
func (s *Server) registerWorkflowTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "contract_run",
		Description: "Generate, audit and deploy a smart contract from a natural language prompt. Returns the full result when wait is set, otherwise a workflow ID to poll with contract_status.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ContractRunInput) (*mcp.CallToolResult, ContractRunOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "contract_run")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "contract_run")
			s.metrics.RecordInvocation(ctx, "contract_run", time.Since(start), toolErr)
		}()

		out, err := s.runContract(ctx, args)
		if err != nil {
			toolErr = err
			return nil, ContractRunOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "contract_status",
		Description: "Report the current state of a workflow started by contract_run, including any audit gate waiting on contract_confirm.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ContractStatusInput) (*mcp.CallToolResult, ContractStatusOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "contract_status")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "contract_status")
			s.metrics.RecordInvocation(ctx, "contract_status", time.Since(start), toolErr)
		}()

		out, err := s.contractStatus(ctx, args)
		if err != nil {
			toolErr = err
			return nil, ContractStatusOutput{}, err
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "contract_confirm",
		Description: "Answer a workflow's pending audit gate confirmation. Empty, y and yes proceed; anything else cancels the run.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ContractConfirmInput) (*mcp.CallToolResult, ContractConfirmOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "contract_confirm")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "contract_confirm")
			s.metrics.RecordInvocation(ctx, "contract_confirm", time.Since(start), toolErr)
		}()

		out, err := s.confirmContract(ctx, args)
		if err != nil {
			toolErr = err
			return nil, ContractConfirmOutput{}, err
		}
		return nil, out, nil
	})
}

func (s *Server) runContract(ctx context.Context, args ContractRunInput) (ContractRunOutput, error) {
	if strings.TrimSpace(args.Prompt) == "" {
		return ContractRunOutput{}, fmt.Errorf("prompt is required")
	}

	opts := pipeline.Options{
		ID:              uuid.NewString(),
		Network:         args.Network,
		AllowInsecure:   args.AllowInsecure,
		RAGScope:        retrieval.ScopeMode(args.RAGScope),
		UploadScope:     registry.Scope(args.UploadScope),
		TestOnly:        args.TestOnly,
		ConstructorArgs: args.ConstructorArgs,
	}
	run := s.tracker.track(opts.ID, args.Prompt)

	if !args.Wait {
		go func() {
			// The run outlives the tool call that started it, so it
			// gets its own context.
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			res, err := s.runner.Run(runCtx, args.Prompt, opts)
			s.tracker.finish(run, res, err)
			if err != nil {
				s.logger.Warn("background workflow failed",
					zap.String("workflow_id", opts.ID),
					zap.Error(err),
				)
				return
			}
			s.logger.Info("background workflow finished",
				zap.String("workflow_id", opts.ID),
				zap.String("status", string(res.Status)),
			)
		}()

		s.logger.Info("workflow started",
			zap.String("workflow_id", opts.ID),
		)
		return ContractRunOutput{
			WorkflowID: opts.ID,
			Status:     string(pipeline.StatusRunning),
		}, nil
	}

	res, err := s.runner.Run(ctx, args.Prompt, opts)
	s.tracker.finish(run, res, err)
	if res == nil {
		return ContractRunOutput{}, fmt.Errorf("workflow %s: %w", opts.ID, err)
	}

	// A failed run is still a structured outcome: the caller reads the
	// status and error from the output rather than a tool error.
	return runOutput(res), nil
}

func (s *Server) contractStatus(ctx context.Context, args ContractStatusInput) (ContractStatusOutput, error) {
	run, err := s.tracker.get(args.WorkflowID)
	if err != nil {
		return ContractStatusOutput{}, err
	}

	status, res := run.snapshot()
	out := ContractStatusOutput{
		WorkflowID: run.id,
		Status:     string(status),
		Prompt:     run.prompt,
	}

	if res != nil {
		out.ContractName = res.ContractName
		out.Stages = stageSummaries(res.Stages)
		out.Warnings = res.Warnings
		out.Error = res.Error
		if res.Deployment != nil {
			out.Address = res.Deployment.Address
			out.Network = res.Deployment.Network
		}
		return out, nil
	}

	if s.hub != nil {
		if pending, ok := s.hub.Pending(run.id); ok {
			out.AwaitingConfirmation = confirmationSummary(pending.Request())
		}
	}
	return out, nil
}

func (s *Server) confirmContract(ctx context.Context, args ContractConfirmInput) (ContractConfirmOutput, error) {
	if s.hub == nil {
		return ContractConfirmOutput{}, fmt.Errorf("confirmations are not configured")
	}

	proceed := gate.ParseAnswer(args.Answer)
	if !s.hub.Resolve(args.WorkflowID, proceed) {
		return ContractConfirmOutput{}, fmt.Errorf("no confirmation pending for workflow %s", args.WorkflowID)
	}

	s.logger.Info("confirmation resolved",
		zap.String("workflow_id", args.WorkflowID),
		zap.Bool("proceed", proceed),
	)
	return ContractConfirmOutput{
		WorkflowID: args.WorkflowID,
		Proceed:    proceed,
	}, nil
}

func runOutput(res *pipeline.Result) ContractRunOutput {
	out := ContractRunOutput{
		WorkflowID:   res.ID,
		Status:       string(res.Status),
		ContractName: res.ContractName,
		Stages:       stageSummaries(res.Stages),
		Warnings:     res.Warnings,
		Error:        res.Error,
	}
	if res.Deployment != nil {
		out.Address = res.Deployment.Address
		out.Network = res.Deployment.Network
	}
	return out
}

func stageSummaries(stages []pipeline.StageResult) []StageSummary {
	if len(stages) == 0 {
		return nil
	}
	out := make([]StageSummary, len(stages))
	for i, sr := range stages {
		out[i] = StageSummary{
			Stage:    string(sr.Stage),
			Status:   string(sr.Status),
			Attempts: sr.Attempts,
			Warning:  sr.Warning,
			Error:    sr.Error,
		}
	}
	return out
}

func confirmationSummary(req gate.ConfirmationRequest) *ConfirmationSummary {
	sum := &ConfirmationSummary{
		ContractName: req.ContractName,
		MaxSeverity:  string(req.MaxSeverity),
		RequestedAt:  req.RequestedAt,
		Findings:     make([]FindingSummary, len(req.Findings)),
	}
	for i, f := range req.Findings {
		sum.Findings[i] = FindingSummary{
			Severity:    string(f.Severity),
			Category:    f.Category,
			Description: f.Description,
			Location:    f.Location,
		}
	}
	return sum
}
