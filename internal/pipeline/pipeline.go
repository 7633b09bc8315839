// Package pipeline drives a contract through its lifecycle: probe the
// toolchain, generate source, audit it, gate on the findings, deploy
// with bounded error recovery, then verify and functionally test as
// advisory follow-ups.
//
// Stages run strictly in order and each failure is recorded on the
// stage that observed it. VERIFY and TEST never fail a run. The gate
// is the run's only suspension point. A finished run archives its
// source and deployment record into the artifact registry.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/recovery"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/pipeline"

// maxDiagnosticBytes bounds compiler output captured into a diagnostic.
const maxDiagnosticBytes = 4096

// Compile-time checks that the concrete collaborators satisfy the
// consumer interfaces.
var (
	_ Toolchain        = (*toolchain.Resolver)(nil)
	_ ContextRetriever = (*retrieval.Retriever)(nil)
	_ Archiver         = (*registry.Registry)(nil)
)

// Deps collects the collaborators a pipeline drives. Generator and
// Deployer are required; everything else degrades gracefully when
// absent.
type Deps struct {
	Generator providers.Generator
	Auditor   providers.Auditor
	Deployer  providers.Deployer
	Verifier  providers.Verifier
	Tester    providers.Tester

	// Toolchain and Manifest drive preflight and missing-import
	// recovery. A nil manifest means the project pins nothing.
	Toolchain Toolchain
	Manifest  *toolchain.Manifest

	Retriever ContextRetriever
	Gate      *gate.Gate
	Archiver  Archiver
	Events    EventSink
}

// Pipeline executes workflow runs stage by stage. One pipeline serves
// many runs; per-run state lives on the Result.
type Pipeline struct {
	config config.PipelineConfig
	deps   Deps
	logger *zap.Logger

	progress ProgressCallback

	tracer trace.Tracer
	meter  metric.Meter

	runsTotal   metric.Int64Counter
	stagesTotal metric.Int64Counter
}

// New builds a pipeline over the given collaborators.
func New(cfg config.PipelineConfig, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Generator == nil {
		return nil, &ConfigurationError{Reason: "generator is required"}
	}
	if deps.Deployer == nil {
		return nil, &ConfigurationError{Reason: "deployer is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gate == nil {
		deps.Gate = gate.New(nil, logger)
	}
	if cfg.MaxGenerateAttempts < 1 {
		cfg.MaxGenerateAttempts = 3
	}
	if cfg.MaxFixCycles < 1 {
		cfg.MaxFixCycles = 5
	}
	if cfg.StageTimeout.Duration() <= 0 {
		cfg.StageTimeout = config.Duration(2 * time.Minute)
	}

	p := &Pipeline{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	var err error

	p.runsTotal, err = p.meter.Int64Counter(
		"crucible.pipeline.runs_total",
		metric.WithDescription("Workflow runs by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		p.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	p.stagesTotal, err = p.meter.Int64Counter(
		"crucible.pipeline.stages_total",
		metric.WithDescription("Stage executions by stage and outcome"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		p.logger.Warn("failed to create stages counter", zap.Error(err))
	}
}

// OnProgress sets the callback receiving stage transitions. Set it
// before calling Run; it is not synchronized.
func (p *Pipeline) OnProgress(cb ProgressCallback) {
	p.progress = cb
}

// Run executes the full lifecycle for one prompt. The returned Result
// is always non-nil; the error is the terminal failure, nil for a run
// that reached DONE, and wraps ErrCancelled for operator-ended runs.
func (p *Pipeline) Run(ctx context.Context, prompt string, opts Options) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	res := &Result{
		ID:        id,
		Prompt:    strings.TrimSpace(prompt),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("workflow.id", res.ID))

	if res.Prompt == "" {
		return p.finish(ctx, res, &ConfigurationError{Reason: "prompt cannot be empty"})
	}
	opts, err := p.resolveOptions(opts)
	if err != nil {
		return p.finish(ctx, res, err)
	}
	res.Options = opts

	p.publish(ctx, Event{WorkflowID: res.ID, Kind: EventStarted, Message: res.Prompt})
	p.logger.Info("workflow started",
		zap.String("workflow_id", res.ID),
		zap.String("network", opts.Network),
		zap.String("rag_scope", string(opts.RAGScope)),
		zap.String("upload_scope", string(opts.UploadScope)),
		zap.Bool("test_only", opts.TestOnly),
	)

	if err := p.preflight(ctx, res); err != nil {
		return p.finish(ctx, res, err)
	}
	if err := p.generate(ctx, res); err != nil {
		return p.finish(ctx, res, err)
	}
	p.audit(ctx, res)
	if err := p.decide(ctx, res); err != nil {
		return p.finish(ctx, res, err)
	}
	if err := p.deploy(ctx, res); err != nil {
		return p.finish(ctx, res, err)
	}
	p.verify(ctx, res)
	p.test(ctx, res)
	p.archive(ctx, res)

	return p.finish(ctx, res, nil)
}

// resolveOptions fills unset options from the pipeline configuration
// and validates the scopes.
func (p *Pipeline) resolveOptions(opts Options) (Options, error) {
	if opts.Network == "" {
		opts.Network = p.config.Network
	}
	if opts.RAGScope == "" {
		opts.RAGScope = retrieval.ScopeMode(p.config.RAGScope)
	}
	if opts.RAGScope == "" {
		opts.RAGScope = retrieval.ModeOfficialOnly
	}
	if !opts.RAGScope.IsValid() {
		return opts, &ConfigurationError{Reason: fmt.Sprintf("invalid rag scope %q", opts.RAGScope)}
	}
	if opts.UploadScope == "" {
		opts.UploadScope = registry.Scope(p.config.UploadScope)
	}
	if opts.UploadScope == "" {
		opts.UploadScope = registry.ScopeTeam
	}
	if !opts.UploadScope.IsValid() {
		return opts, &ConfigurationError{Reason: fmt.Sprintf("invalid upload scope %q", opts.UploadScope)}
	}
	return opts, nil
}

func (p *Pipeline) finish(ctx context.Context, res *Result, err error) (*Result, error) {
	if err == nil {
		res.Status = StatusDone
	} else {
		res.Status = statusForErr(err)
		res.Error = err.Error()
	}
	res.CompletedAt = time.Now().UTC()

	if p.runsTotal != nil {
		p.runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Status)),
		))
	}

	kind := EventCompleted
	if res.Status != StatusDone {
		kind = EventFailed
	}
	p.publish(ctx, Event{WorkflowID: res.ID, Kind: kind, Status: string(res.Status), Message: res.Error})

	if err != nil {
		p.logger.Warn("workflow finished",
			zap.String("workflow_id", res.ID),
			zap.String("status", string(res.Status)),
			zap.Error(err),
		)
	} else {
		p.logger.Info("workflow finished",
			zap.String("workflow_id", res.ID),
			zap.String("status", string(res.Status)),
		)
	}
	return res, err
}

// preflight brings every pinned dependency to its required version.
// Any unresolved requirement fails the run before generation spends a
// token.
func (p *Pipeline) preflight(ctx context.Context, res *Result) error {
	if err := p.guard(ctx, res, StagePreflight); err != nil {
		return err
	}
	sr := p.startStage(ctx, res, StagePreflight)

	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.Start(sctx, "pipeline.preflight")
	defer span.End()

	var issues []toolchain.Issue
	if p.deps.Toolchain != nil && p.deps.Manifest != nil {
		issues = p.deps.Toolchain.EnsureAll(sctx, p.deps.Manifest.Dependencies)
	}
	if len(issues) > 0 {
		for _, issue := range issues {
			sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
				Observed: issue.Error(),
				At:       time.Now().UTC(),
			})
		}
		err := &DependencyError{Issues: issues}
		sr.Status = StageStatusFailed
		sr.Error = err.Error()
		p.endStage(ctx, res, sr)
		return err
	}

	sr.Status = StageStatusSuccess
	if p.deps.Manifest != nil {
		sr.Output = fmt.Sprintf("%d pinned dependencies satisfied", len(p.deps.Manifest.Dependencies))
	} else {
		sr.Output = "no dependency manifest configured"
	}
	p.endStage(ctx, res, sr)
	return nil
}

// generate produces contract source, retrying on empty or malformed
// output up to the configured attempt cap.
func (p *Pipeline) generate(ctx context.Context, res *Result) error {
	if err := p.guard(ctx, res, StageGenerate); err != nil {
		return err
	}
	sr := p.startStage(ctx, res, StageGenerate)

	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.Start(sctx, "pipeline.generate")
	defer span.End()

	var docs []string
	if p.deps.Retriever != nil {
		hits, err := p.deps.Retriever.Retrieve(sctx, res.Prompt, res.Options.RAGScope)
		if err != nil {
			// Grounding context is an aid, not a requirement.
			p.warnRun(ctx, res, &sr, fmt.Sprintf("context retrieval failed: %v", err))
		}
		for _, hit := range hits {
			docs = append(docs, hit.Content)
		}
		span.SetAttributes(attribute.Int("pipeline.context_docs", len(docs)))
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxGenerateAttempts; attempt++ {
		sr.Attempts = attempt

		out, err := p.deps.Generator.Generate(sctx, res.Prompt, docs)
		if err == nil {
			source := providers.ExtractSource(out)
			if verr := providers.ValidateSource(source); verr != nil {
				lastErr = verr
				sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
					Observed: verr.Error(),
					Remedy:   "regenerate",
					At:       time.Now().UTC(),
				})
				p.logger.Warn("generated source rejected",
					zap.String("workflow_id", res.ID),
					zap.Int("attempt", attempt),
					zap.Error(verr),
				)
				continue
			}

			res.Source = source
			res.ContractName = providers.ContractName(source)
			sr.Status = StageStatusSuccess
			sr.Output = fmt.Sprintf("generated %s (%d bytes)", res.ContractName, len(source))
			p.endStage(ctx, res, sr)
			return nil
		}

		lastErr = err
		sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
			Observed: err.Error(),
			At:       time.Now().UTC(),
		})
		p.logger.Warn("generation attempt failed",
			zap.String("workflow_id", res.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if sctx.Err() != nil {
			break
		}
	}

	var err error
	if errors.Is(lastErr, context.Canceled) {
		err = fmt.Errorf("generation aborted: %w", lastErr)
	} else {
		err = &GenerationError{Attempts: sr.Attempts, Last: lastErr}
	}
	sr.Status = stageStatusForErr(err)
	sr.Error = err.Error()
	p.endStage(ctx, res, sr)
	return err
}

// audit runs static analysis over the generated source. The stage is
// advisory only in its tooling: a missing or broken auditor skips with
// a warning, findings themselves flow to the gate.
func (p *Pipeline) audit(ctx context.Context, res *Result) {
	sr := p.startStage(ctx, res, StageAudit)

	if p.deps.Auditor == nil {
		p.skipStage(ctx, res, &sr, "no auditor configured")
		return
	}

	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.Start(sctx, "pipeline.audit")
	defer span.End()

	findings, err := p.deps.Auditor.Audit(sctx, res.Source)
	if err != nil {
		p.skipStage(ctx, res, &sr, fmt.Sprintf("audit skipped: %v", err))
		return
	}

	res.Findings = findings
	span.SetAttributes(attribute.Int("pipeline.findings", len(findings)))
	sr.Status = StageStatusSuccess
	sr.Output = audit.Summary(findings)
	p.endStage(ctx, res, sr)
}

// decide runs the audit gate. A declined confirmation cancels the run;
// deployment is recorded as skipped, never attempted.
func (p *Pipeline) decide(ctx context.Context, res *Result) error {
	if err := p.guard(ctx, res, StageGate); err != nil {
		return err
	}
	sr := p.startStage(ctx, res, StageGate)

	// No stage timeout here: the operator's answer takes as long as it
	// takes, bounded only by the run context.
	gctx, span := p.tracer.Start(ctx, "pipeline.gate")
	defer span.End()

	gres := p.deps.Gate.Decide(gctx, gate.ConfirmationRequest{
		WorkflowID:   res.ID,
		ContractName: res.ContractName,
		Findings:     res.Findings,
	}, res.Options.AllowInsecure)
	res.Gate = &gres

	if gres.InsecureOverride {
		sr.Warning = gres.Reason
		res.Warnings = append(res.Warnings, gres.Reason)
	}

	if gres.Decision == gate.DecisionAutoFail {
		sr.Status = StageStatusCancelled
		sr.Error = gres.Reason
		p.endStage(ctx, res, sr)

		skipped := StageResult{
			Stage:     StageDeploy,
			Status:    StageStatusSkipped,
			StartedAt: time.Now().UTC(),
			Warning:   "workflow cancelled at gate",
		}
		p.endStage(ctx, res, skipped)
		return fmt.Errorf("%w: %s", ErrCancelled, gres.Reason)
	}

	sr.Status = StageStatusSuccess
	sr.Output = gres.Reason
	p.endStage(ctx, res, sr)
	return nil
}

// deploy compiles and deploys the source, looping classified compile
// errors through the recovery engine. The fix budget caps the cycles;
// every observed failure and applied fix lands in the stage
// diagnostics.
func (p *Pipeline) deploy(ctx context.Context, res *Result) error {
	if res.Options.TestOnly {
		sr := StageResult{
			Stage:     StageDeploy,
			Status:    StageStatusSkipped,
			StartedAt: time.Now().UTC(),
			Output:    "test-only run",
		}
		p.endStage(ctx, res, sr)
		return nil
	}
	if err := p.guard(ctx, res, StageDeploy); err != nil {
		return err
	}
	sr := p.startStage(ctx, res, StageDeploy)

	ctx, span := p.tracer.Start(ctx, "pipeline.deploy")
	defer span.End()

	engine := recovery.NewEngine(recovery.Config{}, p.logger.Named("recovery"))
	source := res.Source

	for cycle := 0; ; cycle++ {
		sr.Attempts = cycle + 1

		dctx, cancel := p.stageContext(ctx)
		dep, err := p.deps.Deployer.Deploy(dctx, source, res.Options.Network, res.Options.ConstructorArgs)
		cancel()

		if err == nil {
			res.Source = source
			res.Deployment = dep
			span.SetAttributes(
				attribute.String("pipeline.address", dep.Address),
				attribute.Int("pipeline.fix_cycles", cycle),
			)
			sr.Status = StageStatusSuccess
			sr.Output = fmt.Sprintf("deployed %s to %s", dep.Address, res.Options.Network)
			p.endStage(ctx, res, sr)
			return nil
		}

		var compileErr *providers.CompileError
		if !errors.As(err, &compileErr) {
			// Deployment errors are stage-fatal: nothing in the source
			// to repair.
			sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
				Observed: truncateOutput(err.Error()),
				At:       time.Now().UTC(),
			})
			sr.Status = stageStatusForErr(err)
			sr.Error = err.Error()
			p.endStage(ctx, res, sr)
			return err
		}

		if cycle >= p.config.MaxFixCycles {
			sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
				Observed: truncateOutput(compileErr.Output),
				At:       time.Now().UTC(),
			})
			err = fmt.Errorf("fix budget exhausted after %d cycles: %w", p.config.MaxFixCycles, err)
			sr.Status = StageStatusFailed
			sr.Error = err.Error()
			p.endStage(ctx, res, sr)
			return err
		}

		fix, fixErr := engine.Attempt(ctx, compileErr.Output, source)
		if fixErr != nil {
			sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
				Observed: truncateOutput(compileErr.Output),
				Remedy:   fixErr.Error(),
				At:       time.Now().UTC(),
			})
			err = fmt.Errorf("unrecoverable compile error: %w", err)
			sr.Status = StageStatusFailed
			sr.Error = err.Error()
			p.endStage(ctx, res, sr)
			return err
		}

		sr.Diagnostics = append(sr.Diagnostics, Diagnostic{
			Observed: truncateOutput(compileErr.Output),
			Class:    string(fix.Class),
			Remedy:   fix.Description,
			Before:   fix.Before,
			After:    fix.After,
			At:       time.Now().UTC(),
		})
		p.publish(ctx, Event{
			WorkflowID: res.ID,
			Kind:       EventLog,
			Stage:      StageDeploy,
			Message:    fmt.Sprintf("fix cycle %d: %s", cycle+1, fix.Description),
		})
		p.logger.Info("retrying deployment after fix",
			zap.String("workflow_id", res.ID),
			zap.Int("cycle", cycle+1),
			zap.String("class", string(fix.Class)),
		)

		if fix.Delegated {
			if p.deps.Toolchain != nil {
				ectx, ecancel := p.stageContext(ctx)
				issues := p.deps.Toolchain.EnsureForSource(ectx, p.deps.Manifest, source)
				ecancel()
				for _, issue := range issues {
					p.logger.Warn("dependency resolution issue",
						zap.String("workflow_id", res.ID),
						zap.String("issue", issue.Error()),
					)
				}
			}
			// Compilation retries with unchanged source.
			continue
		}
		source = fix.Source
	}
}

// verify submits the deployment for explorer verification. Advisory:
// any failure downgrades to a skip.
func (p *Pipeline) verify(ctx context.Context, res *Result) {
	sr := p.startStage(ctx, res, StageVerify)

	if res.Deployment == nil {
		sr.Status = StageStatusSkipped
		sr.Output = "no deployment to verify"
		p.endStage(ctx, res, sr)
		return
	}
	if p.deps.Verifier == nil {
		p.skipStage(ctx, res, &sr, "no verifier configured")
		return
	}

	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.Start(sctx, "pipeline.verify")
	defer span.End()

	if err := p.deps.Verifier.Verify(sctx, res.Deployment, res.Source); err != nil {
		p.skipStage(ctx, res, &sr, fmt.Sprintf("verification skipped: %v", err))
		return
	}

	sr.Status = StageStatusSuccess
	sr.Output = "contract verified"
	p.endStage(ctx, res, sr)
}

// test runs the project's functional tests against the source.
// Advisory: failures and unavailability downgrade to a skip.
func (p *Pipeline) test(ctx context.Context, res *Result) {
	sr := p.startStage(ctx, res, StageTest)

	if p.deps.Tester == nil {
		p.skipStage(ctx, res, &sr, "no tester configured")
		return
	}

	sctx, cancel := p.stageContext(ctx)
	defer cancel()
	sctx, span := p.tracer.Start(sctx, "pipeline.test")
	defer span.End()

	report, err := p.deps.Tester.Test(sctx, res.Source)
	if err != nil {
		p.skipStage(ctx, res, &sr, fmt.Sprintf("functional tests skipped: %v", err))
		return
	}

	res.TestReport = report
	if report.Failed > 0 {
		p.skipStage(ctx, res, &sr, fmt.Sprintf("%d functional tests failed", report.Failed))
		return
	}

	sr.Status = StageStatusSuccess
	sr.Output = fmt.Sprintf("%d tests passed", report.Passed)
	p.endStage(ctx, res, sr)
}

// archive writes the run's source and deployment record into the
// registry under the upload scope. The deployment already happened, so
// archive failures warn rather than fail the run.
func (p *Pipeline) archive(ctx context.Context, res *Result) {
	if p.deps.Archiver == nil || res.Source == "" {
		return
	}

	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	meta := map[string]string{"network": res.Options.Network}
	if res.ContractName != "" {
		meta["contract"] = res.ContractName
	}

	srcOpts := registry.PutOptions{
		Type:       registry.ArtifactTypeSource,
		WorkflowID: res.ID,
		Metadata:   meta,
	}
	if res.ContractName != "" {
		srcOpts.Name = res.ContractName + ".sol"
	}
	rec, err := p.deps.Archiver.Put(sctx, res.Options.UploadScope, []byte(res.Source), srcOpts)
	if err != nil {
		p.warnRun(ctx, res, nil, fmt.Sprintf("archiving source failed: %v", err))
	} else {
		res.Records = append(res.Records, rec)
	}

	if res.Deployment == nil {
		return
	}
	payload, err := json.MarshalIndent(res.Deployment, "", "  ")
	if err != nil {
		p.warnRun(ctx, res, nil, fmt.Sprintf("encoding deployment record failed: %v", err))
		return
	}

	depMeta := map[string]string{
		"network": res.Options.Network,
		"address": res.Deployment.Address,
	}
	if res.ContractName != "" {
		depMeta["contract"] = res.ContractName
	}
	if res.Deployment.Simulated {
		depMeta["simulated"] = "true"
	}
	if res.Gate != nil && res.Gate.InsecureOverride {
		depMeta["insecure_override"] = "true"
	}

	depOpts := registry.PutOptions{
		Type:       registry.ArtifactTypeDeployment,
		WorkflowID: res.ID,
		Metadata:   depMeta,
	}
	if res.ContractName != "" {
		depOpts.Name = res.ContractName + ".deployment.json"
	}
	rec, err = p.deps.Archiver.Put(sctx, res.Options.UploadScope, payload, depOpts)
	if err != nil {
		p.warnRun(ctx, res, nil, fmt.Sprintf("archiving deployment record failed: %v", err))
		return
	}
	res.Records = append(res.Records, rec)

	p.logger.Info("artifacts archived",
		zap.String("workflow_id", res.ID),
		zap.String("scope", string(res.Options.UploadScope)),
		zap.Int("records", len(res.Records)),
	)
}

// guard turns a dead run context into a terminal stage record.
func (p *Pipeline) guard(ctx context.Context, res *Result, stage Stage) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	sr := StageResult{
		Stage:     stage,
		Status:    stageStatusForErr(err),
		StartedAt: time.Now().UTC(),
		Error:     err.Error(),
	}
	p.endStage(ctx, res, sr)
	return err
}

func (p *Pipeline) startStage(ctx context.Context, res *Result, stage Stage) StageResult {
	p.reportProgress(stage, StageStatusRunning, "")
	p.publish(ctx, Event{
		WorkflowID: res.ID,
		Kind:       EventStage,
		Stage:      stage,
		Status:     string(StageStatusRunning),
	})
	p.logger.Debug("stage started",
		zap.String("workflow_id", res.ID),
		zap.String("stage", string(stage)),
	)
	return StageResult{Stage: stage, StartedAt: time.Now().UTC()}
}

func (p *Pipeline) endStage(ctx context.Context, res *Result, sr StageResult) {
	sr.CompletedAt = time.Now().UTC()
	res.Stages = append(res.Stages, sr)

	if p.stagesTotal != nil {
		p.stagesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(sr.Stage)),
			attribute.String("status", string(sr.Status)),
		))
	}

	msg := sr.Output
	if sr.Error != "" {
		msg = sr.Error
	} else if sr.Warning != "" {
		msg = sr.Warning
	}
	p.publish(ctx, Event{
		WorkflowID: res.ID,
		Kind:       EventStage,
		Stage:      sr.Stage,
		Status:     string(sr.Status),
		Message:    msg,
	})
	p.reportProgress(sr.Stage, sr.Status, msg)
}

// skipStage finishes a stage as skipped and records the reason as a
// run warning.
func (p *Pipeline) skipStage(ctx context.Context, res *Result, sr *StageResult, reason string) {
	sr.Status = StageStatusSkipped
	sr.Warning = reason
	res.Warnings = append(res.Warnings, reason)
	p.logger.Warn("stage skipped",
		zap.String("workflow_id", res.ID),
		zap.String("stage", string(sr.Stage)),
		zap.String("reason", reason),
	)
	p.endStage(ctx, res, *sr)
}

// warnRun records a non-fatal problem on the run. When sr is non-nil
// the warning also lands on that stage.
func (p *Pipeline) warnRun(ctx context.Context, res *Result, sr *StageResult, msg string) {
	if sr != nil && sr.Warning == "" {
		sr.Warning = msg
	}
	res.Warnings = append(res.Warnings, msg)
	p.logger.Warn(msg, zap.String("workflow_id", res.ID))
	p.publish(ctx, Event{WorkflowID: res.ID, Kind: EventLog, Message: msg})
}

func (p *Pipeline) reportProgress(stage Stage, status StageStatus, message string) {
	if p.progress == nil {
		return
	}
	all := Stages()
	idx := 0
	for i, s := range all {
		if s == stage {
			idx = i
			break
		}
	}
	done := idx
	if status != StageStatusRunning {
		done = idx + 1
	}
	p.progress(StageProgress{
		Stage:      stage,
		Status:     status,
		Message:    message,
		Percentage: done * 100 / len(all),
	})
}

func (p *Pipeline) publish(ctx context.Context, ev Event) {
	if p.deps.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	p.deps.Events.Publish(ctx, ev)
}

// stageContext bounds one collaborator call with the configured stage
// timeout.
func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := p.config.StageTimeout.Duration(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// statusForErr maps a terminal error to the run status: operator
// cancellation is distinct from failure.
func statusForErr(err error) Status {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	return StatusFailed
}

func stageStatusForErr(err error) StageStatus {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return StageStatusCancelled
	}
	return StageStatusFailed
}

func truncateOutput(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return s[:maxDiagnosticBytes] + "\n[truncated]"
}
