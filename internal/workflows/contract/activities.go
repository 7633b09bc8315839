package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/recovery"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Activities executes the lifecycle's stage work over the pipeline's
// collaborators. One value serves every run a worker picks up; per-run
// state travels in the activity inputs.
//
// Domain outcomes the workflow must branch on, a compile failure or a
// rejected generation, come back as values. Activity errors are
// reserved for calls the workflow treats as stage failures or
// warnings.
type Activities struct {
	deps   pipeline.Deps
	logger *zap.Logger
}

// NewActivities builds the activity set. Generator and Deployer are
// required, matching the in-process pipeline; everything else degrades
// the way its stage does.
func NewActivities(deps pipeline.Deps, logger *zap.Logger) (*Activities, error) {
	if deps.Generator == nil {
		return nil, &pipeline.ConfigurationError{Reason: "generator is required"}
	}
	if deps.Deployer == nil {
		return nil, &pipeline.ConfigurationError{Reason: "deployer is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{deps: deps, logger: logger}, nil
}

// Register wires the lifecycle workflows and activities onto a worker.
func Register(r worker.Registry, a *Activities) {
	r.RegisterWorkflow(LifecycleWorkflow)
	r.RegisterWorkflow(BatchWorkflow)
	r.RegisterActivity(a)
}

// Preflight brings every pinned dependency to its required version and
// reports the ones it could not.
func (a *Activities) Preflight(ctx context.Context, in PreflightInput) (*PreflightOutput, error) {
	out := &PreflightOutput{}
	if a.deps.Toolchain != nil && a.deps.Manifest != nil {
		for _, issue := range a.deps.Toolchain.EnsureAll(ctx, a.deps.Manifest.Dependencies) {
			out.Issues = append(out.Issues, issue.Error())
		}
	}
	if a.deps.Manifest != nil {
		out.Summary = fmt.Sprintf("%d pinned dependencies satisfied", len(a.deps.Manifest.Dependencies))
	} else {
		out.Summary = "no dependency manifest configured"
	}
	return out, nil
}

// RetrieveContext fetches reference artifacts grounding generation. A
// missing retriever yields an empty document set.
func (a *Activities) RetrieveContext(ctx context.Context, in RetrieveContextInput) (*RetrieveContextOutput, error) {
	out := &RetrieveContextOutput{}
	if a.deps.Retriever == nil {
		return out, nil
	}
	hits, err := a.deps.Retriever.Retrieve(ctx, in.Query, in.Mode)
	if err != nil {
		return nil, err
	}
	for _, hit := range hits {
		out.Docs = append(out.Docs, hit.Content)
	}
	return out, nil
}

// Generate runs one generation attempt and validates its output.
func (a *Activities) Generate(ctx context.Context, in GenerateInput) (*GenerateOutput, error) {
	raw, err := a.deps.Generator.Generate(ctx, in.Prompt, in.ContextDocs)
	if err != nil {
		return nil, err
	}

	source := providers.ExtractSource(raw)
	if verr := providers.ValidateSource(source); verr != nil {
		// Malformed output counts against the workflow's generation
		// budget, so it is an outcome, not an activity failure.
		return &GenerateOutput{Rejected: verr.Error()}, nil
	}

	return &GenerateOutput{
		ContractName: providers.ContractName(source),
		Source:       source,
	}, nil
}

// Audit statically analyzes the source.
func (a *Activities) Audit(ctx context.Context, in AuditInput) (*AuditOutput, error) {
	if a.deps.Auditor == nil {
		return &AuditOutput{Skipped: "no auditor configured"}, nil
	}
	findings, err := a.deps.Auditor.Audit(ctx, in.Source)
	if err != nil {
		return nil, err
	}
	return &AuditOutput{Findings: findings}, nil
}

// Deploy compiles and deploys the source. Compile failures come back
// as values carrying the raw compiler output for the repair loop;
// every other failure is an activity error.
func (a *Activities) Deploy(ctx context.Context, in DeployInput) (*DeployOutput, error) {
	dep, err := a.deps.Deployer.Deploy(ctx, in.Source, in.Network, in.ConstructorArgs)
	if err != nil {
		var compileErr *providers.CompileError
		if errors.As(err, &compileErr) {
			return &DeployOutput{CompilerOutput: compileErr.Output}, nil
		}
		return nil, err
	}
	return &DeployOutput{Deployment: dep}, nil
}

// AttemptFix classifies the compiler output and applies the one fix
// matched to its class. The engine is seeded with the classes already
// spent this run, so the one-fix-per-class rule holds even though
// every call builds a fresh engine.
func (a *Activities) AttemptFix(ctx context.Context, in AttemptFixInput) (*AttemptFixOutput, error) {
	engine := recovery.NewEngine(recovery.Config{}, a.logger.Named("recovery"))

	tried := make([]recovery.ErrorClass, 0, len(in.Tried))
	for _, c := range in.Tried {
		tried = append(tried, recovery.ErrorClass(c))
	}
	engine.MarkTried(tried...)

	fix, err := engine.Attempt(ctx, in.CompilerOutput, in.Source)
	if err != nil {
		return &AttemptFixOutput{Unrecoverable: err.Error()}, nil
	}
	return &AttemptFixOutput{
		Class:       string(fix.Class),
		Description: fix.Description,
		Before:      fix.Before,
		After:       fix.After,
		Source:      fix.Source,
		Delegated:   fix.Delegated,
	}, nil
}

// ResolveImports ensures the dependencies the source imports, for
// delegated missing-import fixes.
func (a *Activities) ResolveImports(ctx context.Context, in ResolveImportsInput) (*ResolveImportsOutput, error) {
	out := &ResolveImportsOutput{}
	if a.deps.Toolchain == nil {
		return out, nil
	}
	for _, issue := range a.deps.Toolchain.EnsureForSource(ctx, a.deps.Manifest, in.Source) {
		out.Issues = append(out.Issues, issue.Error())
	}
	return out, nil
}

// Verify submits the deployment for explorer verification.
func (a *Activities) Verify(ctx context.Context, in VerifyInput) (*VerifyOutput, error) {
	if a.deps.Verifier == nil {
		return &VerifyOutput{Skipped: "no verifier configured"}, nil
	}
	if err := a.deps.Verifier.Verify(ctx, in.Deployment, in.Source); err != nil {
		return nil, err
	}
	return &VerifyOutput{}, nil
}

// Test runs the project's functional tests against the source.
func (a *Activities) Test(ctx context.Context, in TestInput) (*TestOutput, error) {
	if a.deps.Tester == nil {
		return &TestOutput{Skipped: "no tester configured"}, nil
	}
	report, err := a.deps.Tester.Test(ctx, in.Source)
	if err != nil {
		return nil, err
	}
	return &TestOutput{Report: report}, nil
}

// Archive writes the run's source and deployment record into the
// registry. Failures land in the output's warnings; the deployment
// already happened, so nothing here may fail the run.
func (a *Activities) Archive(ctx context.Context, in ArchiveInput) (*ArchiveOutput, error) {
	out := &ArchiveOutput{}
	if a.deps.Archiver == nil || in.Source == "" {
		return out, nil
	}

	meta := map[string]string{"network": in.Network}
	if in.ContractName != "" {
		meta["contract"] = in.ContractName
	}
	srcOpts := registry.PutOptions{
		Type:       registry.ArtifactTypeSource,
		WorkflowID: in.WorkflowID,
		Metadata:   meta,
	}
	if in.ContractName != "" {
		srcOpts.Name = in.ContractName + ".sol"
	}
	rec, err := a.deps.Archiver.Put(ctx, in.UploadScope, []byte(in.Source), srcOpts)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("archiving source failed: %v", err))
	} else {
		out.Records = append(out.Records, rec)
	}

	if in.Deployment == nil {
		return out, nil
	}
	payload, err := json.MarshalIndent(in.Deployment, "", "  ")
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("encoding deployment record failed: %v", err))
		return out, nil
	}

	depMeta := map[string]string{
		"network": in.Network,
		"address": in.Deployment.Address,
	}
	if in.ContractName != "" {
		depMeta["contract"] = in.ContractName
	}
	if in.Deployment.Simulated {
		depMeta["simulated"] = "true"
	}
	if in.InsecureOverride {
		depMeta["insecure_override"] = "true"
	}
	depOpts := registry.PutOptions{
		Type:       registry.ArtifactTypeDeployment,
		WorkflowID: in.WorkflowID,
		Metadata:   depMeta,
	}
	if in.ContractName != "" {
		depOpts.Name = in.ContractName + ".deployment.json"
	}
	rec, err = a.deps.Archiver.Put(ctx, in.UploadScope, payload, depOpts)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("archiving deployment record failed: %v", err))
		return out, nil
	}
	out.Records = append(out.Records, rec)

	a.logger.Info("artifacts archived",
		zap.String("workflow_id", in.WorkflowID),
		zap.String("scope", string(in.UploadScope)),
		zap.Int("records", len(out.Records)),
	)
	return out, nil
}

// Activity input/output types.

type PreflightInput struct{}

// PreflightOutput reports unresolved dependencies, one rendered
// message per issue.
type PreflightOutput struct {
	Issues  []string
	Summary string
}

type RetrieveContextInput struct {
	Query string
	Mode  retrieval.ScopeMode
}

type RetrieveContextOutput struct {
	Docs []string
}

type GenerateInput struct {
	Prompt      string
	ContextDocs []string
}

// GenerateOutput carries usable source, or in Rejected the reason the
// attempt's output was discarded.
type GenerateOutput struct {
	ContractName string
	Source       string
	Rejected     string
}

type AuditInput struct {
	Source string
}

type AuditOutput struct {
	Findings []audit.Finding
	Skipped  string
}

type DeployInput struct {
	Source          string
	Network         string
	ConstructorArgs []string
}

// DeployOutput carries the deployment on success; on a compile
// failure, the raw compiler output instead.
type DeployOutput struct {
	Deployment     *providers.Deployment
	CompilerOutput string
}

type AttemptFixInput struct {
	CompilerOutput string
	Source         string

	// Tried lists the fix classes already spent this run.
	Tried []string
}

// AttemptFixOutput describes the applied fix, or in Unrecoverable why
// none applies.
type AttemptFixOutput struct {
	Class       string
	Description string
	Before      string
	After       string
	Source      string
	Delegated   bool

	Unrecoverable string
}

type ResolveImportsInput struct {
	Source string
}

type ResolveImportsOutput struct {
	Issues []string
}

type VerifyInput struct {
	Deployment *providers.Deployment
	Source     string
}

type VerifyOutput struct {
	Skipped string
}

type TestInput struct {
	Source string
}

type TestOutput struct {
	Report  *providers.TestReport
	Skipped string
}

type ArchiveInput struct {
	WorkflowID       string
	Source           string
	ContractName     string
	Network          string
	UploadScope      registry.Scope
	Deployment       *providers.Deployment
	InsecureOverride bool
}

type ArchiveOutput struct {
	Records  []*registry.Record
	Warnings []string
}
