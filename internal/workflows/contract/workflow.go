// Package contract runs the contract lifecycle as a durable Temporal
// workflow. It covers what the in-process pipeline cannot: runs that
// survive worker restarts, batches of many contracts, and gate
// confirmations answered hours after the audit finished.
//
// Stage work happens in activities over the same collaborators the
// pipeline drives. The workflow owns ordering, the generate and fix
// budgets, and the confirmation wait, which is resolved by a signal
// instead of a blocking prompt.
package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the queue lifecycle workers poll and starters enqueue
// on.
const TaskQueue = "contract-lifecycle-queue"

const (
	// SignalConfirmation delivers the operator's answer to a gate
	// confirmation. The payload is a ConfirmationSignal.
	SignalConfirmation = "confirmation-answer"

	// QueryPendingConfirmation returns the confirmation the workflow is
	// waiting on, or nil when it is not suspended at the gate.
	QueryPendingConfirmation = "pending-confirmation"
)

// ConfirmationSignal carries an operator's reply to a pending gate
// confirmation. The answer is interpreted by gate.ParseAnswer, so an
// empty string approves.
type ConfirmationSignal struct {
	Answer string
}

// RunConfig bounds one lifecycle run. Zero fields take the same
// defaults the in-process pipeline applies.
type RunConfig struct {
	// MaxGenerateAttempts caps generation retries on malformed or
	// failed output. Defaults to 3.
	MaxGenerateAttempts int

	// MaxFixCycles caps compile-repair cycles during deployment.
	// Defaults to 5.
	MaxFixCycles int

	// StageTimeout bounds a single activity call for the cheap stages.
	// Defaults to 2 minutes.
	StageTimeout time.Duration

	// GenerateTimeout bounds one generation attempt. Defaults to 5
	// minutes.
	GenerateTimeout time.Duration

	// DeployTimeout bounds one compile-and-deploy attempt. Defaults to
	// 5 minutes.
	DeployTimeout time.Duration

	// ConfirmationTimeout bounds the wait for an operator's answer at
	// the gate. An unanswered confirmation declines. Defaults to 15
	// minutes.
	ConfirmationTimeout time.Duration
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxGenerateAttempts < 1 {
		c.MaxGenerateAttempts = 3
	}
	if c.MaxFixCycles < 1 {
		c.MaxFixCycles = 5
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 5 * time.Minute
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = 5 * time.Minute
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 15 * time.Minute
	}
	return c
}

// Input starts one lifecycle run.
type Input struct {
	Prompt  string
	Options pipeline.Options
	Config  RunConfig
}

// LifecycleWorkflow drives one prompt through the full contract
// lifecycle: preflight, generate, audit, gate, deploy, verify, test,
// and artifact archival.
//
// The returned result is terminal even when the run did not reach
// DONE: cancellation and failure are encoded in its status, and the
// workflow itself completes cleanly so starters always get the stage
// record back. High severity findings without an insecure override
// suspend the run until SignalConfirmation arrives or the
// confirmation timeout declines it.
func LifecycleWorkflow(ctx workflow.Context, input Input) (*pipeline.Result, error) {
	logger := workflow.GetLogger(ctx)
	cfg := input.Config.withDefaults()

	opts, optErr := resolveOptions(input.Options, workflow.GetInfo(ctx).WorkflowExecution.ID)
	res := &pipeline.Result{
		ID:        opts.ID,
		Prompt:    strings.TrimSpace(input.Prompt),
		Options:   opts,
		Status:    pipeline.StatusRunning,
		StartedAt: workflow.Now(ctx).UTC(),
	}

	if res.Prompt == "" {
		return finishRun(ctx, res, &pipeline.ConfigurationError{Reason: "prompt cannot be empty"})
	}
	if optErr != nil {
		return finishRun(ctx, res, optErr)
	}

	pending := &pendingConfirmation{}
	if err := workflow.SetQueryHandler(ctx, QueryPendingConfirmation, pending.snapshot); err != nil {
		return nil, fmt.Errorf("registering confirmation query: %w", err)
	}

	logger.Info("workflow started",
		"workflow_id", res.ID,
		"network", opts.Network,
		"rag_scope", string(opts.RAGScope),
		"upload_scope", string(opts.UploadScope),
		"test_only", opts.TestOnly,
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.StageTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})
	// Advisory and non-idempotent calls run once; their failure
	// handling is the workflow's, not the retrier's.
	once := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.StageTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var a *Activities

	if err := runPreflight(ctx, res, a); err != nil {
		return finishRun(ctx, res, err)
	}
	if err := runGenerate(ctx, once, res, a, cfg); err != nil {
		return finishRun(ctx, res, err)
	}
	runAudit(once, res, a)
	if err := runGate(ctx, res, cfg, pending); err != nil {
		return finishRun(ctx, res, err)
	}
	if err := runDeploy(ctx, res, a, cfg); err != nil {
		return finishRun(ctx, res, err)
	}
	runVerify(once, res, a)
	runTest(once, res, a)
	runArchive(once, res, a)

	return finishRun(ctx, res, nil)
}

// resolveOptions mirrors the pipeline's option defaulting with the
// pieces a workflow can decide deterministically. The run ID falls
// back to the workflow execution ID; the network stays as given and
// is judged by the deployer.
func resolveOptions(opts pipeline.Options, workflowID string) (pipeline.Options, error) {
	if opts.ID == "" {
		opts.ID = workflowID
	}
	if opts.RAGScope == "" {
		opts.RAGScope = retrieval.ModeOfficialOnly
	}
	if !opts.RAGScope.IsValid() {
		return opts, &pipeline.ConfigurationError{Reason: fmt.Sprintf("invalid rag scope %q", opts.RAGScope)}
	}
	if opts.UploadScope == "" {
		opts.UploadScope = registry.ScopeTeam
	}
	if !opts.UploadScope.IsValid() {
		return opts, &pipeline.ConfigurationError{Reason: fmt.Sprintf("invalid upload scope %q", opts.UploadScope)}
	}
	return opts, nil
}

func runPreflight(ctx workflow.Context, res *pipeline.Result, a *Activities) error {
	sr := startStage(ctx, res, pipeline.StagePreflight)

	var out PreflightOutput
	if err := workflow.ExecuteActivity(ctx, a.Preflight, PreflightInput{}).Get(ctx, &out); err != nil {
		return failStage(ctx, res, sr, err)
	}

	if len(out.Issues) > 0 {
		now := workflow.Now(ctx).UTC()
		for _, issue := range out.Issues {
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{Observed: issue, At: now})
		}
		err := fmt.Errorf("%d unresolved dependencies: %s", len(out.Issues), strings.Join(out.Issues, "; "))
		return failStage(ctx, res, sr, err)
	}

	sr.Status = pipeline.StageStatusSuccess
	sr.Output = out.Summary
	endStage(ctx, res, sr)
	return nil
}

func runGenerate(ctx, once workflow.Context, res *pipeline.Result, a *Activities, cfg RunConfig) error {
	logger := workflow.GetLogger(ctx)
	sr := startStage(ctx, res, pipeline.StageGenerate)

	var docs []string
	var rc RetrieveContextOutput
	rerr := workflow.ExecuteActivity(once, a.RetrieveContext, RetrieveContextInput{
		Query: res.Prompt,
		Mode:  res.Options.RAGScope,
	}).Get(ctx, &rc)
	if rerr != nil {
		// Grounding context is an aid, not a requirement.
		warnRun(ctx, res, &sr, fmt.Sprintf("context retrieval failed: %v", rerr))
	} else {
		docs = rc.Docs
	}

	genCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.GenerateTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var lastErr string
	for attempt := 1; attempt <= cfg.MaxGenerateAttempts; attempt++ {
		sr.Attempts = attempt

		var out GenerateOutput
		err := workflow.ExecuteActivity(genCtx, a.Generate, GenerateInput{
			Prompt:      res.Prompt,
			ContextDocs: docs,
		}).Get(ctx, &out)

		switch {
		case err != nil:
			lastErr = err.Error()
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: lastErr,
				At:       workflow.Now(ctx).UTC(),
			})
			logger.Warn("generation attempt failed",
				"workflow_id", res.ID,
				"attempt", attempt,
				"error", err,
			)
		case out.Rejected != "":
			lastErr = out.Rejected
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: out.Rejected,
				Remedy:   "regenerate",
				At:       workflow.Now(ctx).UTC(),
			})
			logger.Warn("generated source rejected",
				"workflow_id", res.ID,
				"attempt", attempt,
				"reason", out.Rejected,
			)
		default:
			res.Source = out.Source
			res.ContractName = out.ContractName
			sr.Status = pipeline.StageStatusSuccess
			sr.Output = fmt.Sprintf("generated %s (%d bytes)", out.ContractName, len(out.Source))
			endStage(ctx, res, sr)
			return nil
		}
	}

	return failStage(ctx, res, sr, &pipeline.GenerationError{
		Attempts: cfg.MaxGenerateAttempts,
		Last:     errors.New(lastErr),
	})
}

func runAudit(ctx workflow.Context, res *pipeline.Result, a *Activities) {
	sr := startStage(ctx, res, pipeline.StageAudit)

	var out AuditOutput
	if err := workflow.ExecuteActivity(ctx, a.Audit, AuditInput{Source: res.Source}).Get(ctx, &out); err != nil {
		skipStage(ctx, res, &sr, fmt.Sprintf("audit skipped: %v", err))
		return
	}
	if out.Skipped != "" {
		skipStage(ctx, res, &sr, out.Skipped)
		return
	}

	res.Findings = out.Findings
	sr.Status = pipeline.StageStatusSuccess
	sr.Output = audit.Summary(out.Findings)
	endStage(ctx, res, sr)
}

// runGate evaluates the severity table and, when confirmation is
// required, suspends on the confirmation signal. A declined, timed
// out, or unanswered confirmation cancels the run.
func runGate(ctx workflow.Context, res *pipeline.Result, cfg RunConfig, pending *pendingConfirmation) error {
	logger := workflow.GetLogger(ctx)
	sr := startStage(ctx, res, pipeline.StageGate)

	gres := gate.Evaluate(res.Findings, res.Options.AllowInsecure)

	if gres.Decision == gate.DecisionRequireConfirmation {
		req := &gate.ConfirmationRequest{
			WorkflowID:   res.ID,
			ContractName: res.ContractName,
			Findings:     res.Findings,
			MaxSeverity:  gres.MaxSeverity,
			RequestedAt:  workflow.Now(ctx).UTC(),
		}
		pending.set(req)
		logger.Info("awaiting confirmation signal",
			"workflow_id", res.ID,
			"max_severity", string(gres.MaxSeverity),
			"timeout", cfg.ConfirmationTimeout.String(),
		)

		var sig ConfirmationSignal
		ok, _ := workflow.GetSignalChannel(ctx, SignalConfirmation).
			ReceiveWithTimeout(ctx, cfg.ConfirmationTimeout, &sig)
		pending.clear()

		switch {
		case !ok:
			gres.Decision = gate.DecisionAutoFail
			gres.Reason = fmt.Sprintf("confirmation timed out after %s", cfg.ConfirmationTimeout)
		case gate.ParseAnswer(sig.Answer):
			gres.Decision = gate.DecisionAutoProceed
			gres.Confirmed = true
			gres.Reason = "operator approved"
		default:
			gres.Decision = gate.DecisionAutoFail
			gres.Reason = "operator declined"
		}
	}
	res.Gate = &gres

	if gres.InsecureOverride {
		sr.Warning = gres.Reason
		res.Warnings = append(res.Warnings, gres.Reason)
	}

	logger.Info("gate decision",
		"workflow_id", res.ID,
		"decision", string(gres.Decision),
		"max_severity", string(gres.MaxSeverity),
		"reason", gres.Reason,
	)

	if gres.Decision == gate.DecisionAutoFail {
		sr.Status = pipeline.StageStatusCancelled
		sr.Error = gres.Reason
		endStage(ctx, res, sr)

		skipped := pipeline.StageResult{
			Stage:     pipeline.StageDeploy,
			Status:    pipeline.StageStatusSkipped,
			StartedAt: workflow.Now(ctx).UTC(),
			Warning:   "workflow cancelled at gate",
		}
		endStage(ctx, res, skipped)
		return fmt.Errorf("%w: %s", pipeline.ErrCancelled, gres.Reason)
	}

	sr.Status = pipeline.StageStatusSuccess
	sr.Output = gres.Reason
	endStage(ctx, res, sr)
	return nil
}

// runDeploy compiles and deploys, looping compile failures through the
// fix activity. Tried fix classes thread through workflow state so the
// one-class-per-cycle rule holds across activity calls.
func runDeploy(ctx workflow.Context, res *pipeline.Result, a *Activities, cfg RunConfig) error {
	logger := workflow.GetLogger(ctx)

	if res.Options.TestOnly {
		sr := pipeline.StageResult{
			Stage:     pipeline.StageDeploy,
			Status:    pipeline.StageStatusSkipped,
			StartedAt: workflow.Now(ctx).UTC(),
			Output:    "test-only run",
		}
		endStage(ctx, res, sr)
		return nil
	}

	sr := startStage(ctx, res, pipeline.StageDeploy)

	// Deploys are not idempotent, so the retrier stays out of this
	// stage entirely.
	deployCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.DeployTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	source := res.Source
	var tried []string

	for cycle := 0; ; cycle++ {
		sr.Attempts = cycle + 1

		var out DeployOutput
		if err := workflow.ExecuteActivity(deployCtx, a.Deploy, DeployInput{
			Source:          source,
			Network:         res.Options.Network,
			ConstructorArgs: res.Options.ConstructorArgs,
		}).Get(ctx, &out); err != nil {
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: truncateDiagnostic(err.Error()),
				At:       workflow.Now(ctx).UTC(),
			})
			return failStage(ctx, res, sr, err)
		}

		if out.Deployment != nil {
			res.Source = source
			res.Deployment = out.Deployment
			sr.Status = pipeline.StageStatusSuccess
			sr.Output = fmt.Sprintf("deployed %s to %s", out.Deployment.Address, res.Options.Network)
			endStage(ctx, res, sr)
			return nil
		}

		compileErr := &providers.CompileError{Output: out.CompilerOutput}

		if cycle >= cfg.MaxFixCycles {
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: truncateDiagnostic(out.CompilerOutput),
				At:       workflow.Now(ctx).UTC(),
			})
			err := fmt.Errorf("fix budget exhausted after %d cycles: %w", cfg.MaxFixCycles, compileErr)
			return failStage(ctx, res, sr, err)
		}

		var fix AttemptFixOutput
		if err := workflow.ExecuteActivity(ctx, a.AttemptFix, AttemptFixInput{
			CompilerOutput: out.CompilerOutput,
			Source:         source,
			Tried:          tried,
		}).Get(ctx, &fix); err != nil {
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: truncateDiagnostic(out.CompilerOutput),
				At:       workflow.Now(ctx).UTC(),
			})
			return failStage(ctx, res, sr, err)
		}
		if fix.Unrecoverable != "" {
			sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
				Observed: truncateDiagnostic(out.CompilerOutput),
				Remedy:   fix.Unrecoverable,
				At:       workflow.Now(ctx).UTC(),
			})
			err := fmt.Errorf("unrecoverable compile error: %w", compileErr)
			return failStage(ctx, res, sr, err)
		}

		tried = append(tried, fix.Class)
		sr.Diagnostics = append(sr.Diagnostics, pipeline.Diagnostic{
			Observed: truncateDiagnostic(out.CompilerOutput),
			Class:    fix.Class,
			Remedy:   fix.Description,
			Before:   fix.Before,
			After:    fix.After,
			At:       workflow.Now(ctx).UTC(),
		})
		logger.Info("retrying deployment after fix",
			"workflow_id", res.ID,
			"cycle", cycle+1,
			"class", fix.Class,
		)

		if fix.Delegated {
			var ri ResolveImportsOutput
			if err := workflow.ExecuteActivity(ctx, a.ResolveImports, ResolveImportsInput{Source: source}).Get(ctx, &ri); err != nil {
				logger.Warn("dependency resolution failed", "workflow_id", res.ID, "error", err)
			}
			for _, issue := range ri.Issues {
				logger.Warn("dependency resolution issue", "workflow_id", res.ID, "issue", issue)
			}
			// Compilation retries with unchanged source.
			continue
		}
		source = fix.Source
	}
}

func runVerify(ctx workflow.Context, res *pipeline.Result, a *Activities) {
	sr := startStage(ctx, res, pipeline.StageVerify)

	if res.Deployment == nil {
		sr.Status = pipeline.StageStatusSkipped
		sr.Output = "no deployment to verify"
		endStage(ctx, res, sr)
		return
	}

	var out VerifyOutput
	if err := workflow.ExecuteActivity(ctx, a.Verify, VerifyInput{
		Deployment: res.Deployment,
		Source:     res.Source,
	}).Get(ctx, &out); err != nil {
		skipStage(ctx, res, &sr, fmt.Sprintf("verification skipped: %v", err))
		return
	}
	if out.Skipped != "" {
		skipStage(ctx, res, &sr, out.Skipped)
		return
	}

	sr.Status = pipeline.StageStatusSuccess
	sr.Output = "contract verified"
	endStage(ctx, res, sr)
}

func runTest(ctx workflow.Context, res *pipeline.Result, a *Activities) {
	sr := startStage(ctx, res, pipeline.StageTest)

	var out TestOutput
	if err := workflow.ExecuteActivity(ctx, a.Test, TestInput{Source: res.Source}).Get(ctx, &out); err != nil {
		skipStage(ctx, res, &sr, fmt.Sprintf("functional tests skipped: %v", err))
		return
	}
	if out.Skipped != "" {
		skipStage(ctx, res, &sr, out.Skipped)
		return
	}

	res.TestReport = out.Report
	if out.Report != nil && out.Report.Failed > 0 {
		skipStage(ctx, res, &sr, fmt.Sprintf("%d functional tests failed", out.Report.Failed))
		return
	}

	sr.Status = pipeline.StageStatusSuccess
	if out.Report != nil {
		sr.Output = fmt.Sprintf("%d tests passed", out.Report.Passed)
	}
	endStage(ctx, res, sr)
}

// runArchive stores the run's artifacts. The deployment already
// happened, so archival failures warn rather than fail the run.
func runArchive(ctx workflow.Context, res *pipeline.Result, a *Activities) {
	if res.Source == "" {
		return
	}

	in := ArchiveInput{
		WorkflowID:   res.ID,
		Source:       res.Source,
		ContractName: res.ContractName,
		Network:      res.Options.Network,
		UploadScope:  res.Options.UploadScope,
		Deployment:   res.Deployment,
	}
	if res.Gate != nil {
		in.InsecureOverride = res.Gate.InsecureOverride
	}

	var out ArchiveOutput
	if err := workflow.ExecuteActivity(ctx, a.Archive, in).Get(ctx, &out); err != nil {
		warnRun(ctx, res, nil, fmt.Sprintf("archiving artifacts failed: %v", err))
		return
	}
	res.Records = append(res.Records, out.Records...)
	res.Warnings = append(res.Warnings, out.Warnings...)
}

// pendingConfirmation exposes the gate's suspension point to queries.
type pendingConfirmation struct {
	req *gate.ConfirmationRequest
}

func (p *pendingConfirmation) set(req *gate.ConfirmationRequest) { p.req = req }
func (p *pendingConfirmation) clear()                            { p.req = nil }

func (p *pendingConfirmation) snapshot() (*gate.ConfirmationRequest, error) {
	return p.req, nil
}

// finishRun seals the result. Domain outcomes, cancellation included,
// complete the workflow cleanly so starters always receive the stage
// record; a workflow error would drop it.
func finishRun(ctx workflow.Context, res *pipeline.Result, err error) (*pipeline.Result, error) {
	if err == nil {
		res.Status = pipeline.StatusDone
	} else {
		res.Status = statusForRunErr(err)
		res.Error = err.Error()
	}
	res.CompletedAt = workflow.Now(ctx).UTC()

	workflow.GetLogger(ctx).Info("workflow finished",
		"workflow_id", res.ID,
		"status", string(res.Status),
	)
	return res, nil
}

func statusForRunErr(err error) pipeline.Status {
	if errors.Is(err, pipeline.ErrCancelled) || temporal.IsCanceledError(err) {
		return pipeline.StatusCancelled
	}
	return pipeline.StatusFailed
}

func startStage(ctx workflow.Context, res *pipeline.Result, stage pipeline.Stage) pipeline.StageResult {
	workflow.GetLogger(ctx).Debug("stage started",
		"workflow_id", res.ID,
		"stage", string(stage),
	)
	return pipeline.StageResult{Stage: stage, StartedAt: workflow.Now(ctx).UTC()}
}

func endStage(ctx workflow.Context, res *pipeline.Result, sr pipeline.StageResult) {
	sr.CompletedAt = workflow.Now(ctx).UTC()
	res.Stages = append(res.Stages, sr)
}

func failStage(ctx workflow.Context, res *pipeline.Result, sr pipeline.StageResult, err error) error {
	sr.Status = stageStatusForRunErr(err)
	sr.Error = err.Error()
	endStage(ctx, res, sr)
	return err
}

func stageStatusForRunErr(err error) pipeline.StageStatus {
	if errors.Is(err, pipeline.ErrCancelled) || temporal.IsCanceledError(err) {
		return pipeline.StageStatusCancelled
	}
	return pipeline.StageStatusFailed
}

func skipStage(ctx workflow.Context, res *pipeline.Result, sr *pipeline.StageResult, reason string) {
	sr.Status = pipeline.StageStatusSkipped
	sr.Warning = reason
	res.Warnings = append(res.Warnings, reason)
	workflow.GetLogger(ctx).Warn("stage skipped",
		"workflow_id", res.ID,
		"stage", string(sr.Stage),
		"reason", reason,
	)
	endStage(ctx, res, *sr)
}

func warnRun(ctx workflow.Context, res *pipeline.Result, sr *pipeline.StageResult, msg string) {
	if sr != nil && sr.Warning == "" {
		sr.Warning = msg
	}
	res.Warnings = append(res.Warnings, msg)
	workflow.GetLogger(ctx).Warn(msg, "workflow_id", res.ID)
}

const maxDiagnosticBytes = 4096

func truncateDiagnostic(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return s[:maxDiagnosticBytes] + "\n[truncated]"
}
