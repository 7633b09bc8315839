package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
)

const tokenSource = `pragma solidity ^0.8.20;

contract Token {
    uint256 public totalSupply;

    function mint(uint256 amount) public {
        totalSupply += amount;
    }
}
`

const missingOverrideOutput = `Error: Missing "override" specifier.
  --> src/Token.sol:6:5:
   |
 6 |     function mint(uint256 amount) public {
   |     ^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^`

const badPragmaOutput = `Error: Source file requires different compiler version (current compiler is 0.8.24)
  --> src/Token.sol:1:1:`

const missingImportOutput = `Error: Source "@openzeppelin/contracts/token/ERC20/ERC20.sol" not found: File not found.
  --> src/Token.sol:3:1:`

type genResult struct {
	out string
	err error
}

// scriptedGenerator returns queued results in call order, repeating
// the last one, and records the context documents it was handed.
type scriptedGenerator struct {
	results []genResult
	calls   int
	gotDocs [][]string
}

func (g *scriptedGenerator) Generate(_ context.Context, _ string, docs []string) (string, error) {
	g.gotDocs = append(g.gotDocs, docs)
	i := g.calls
	if i >= len(g.results) {
		i = len(g.results) - 1
	}
	g.calls++
	r := g.results[i]
	return r.out, r.err
}

type scriptedAuditor struct {
	findings []audit.Finding
	err      error
	calls    int
}

func (a *scriptedAuditor) Audit(_ context.Context, _ string) ([]audit.Finding, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.findings, nil
}

// scriptedDeployer consumes one queued error per call, succeeding once
// the queue is empty. Every handed source and network is recorded.
type scriptedDeployer struct {
	errs     []error
	sources  []string
	networks []string
}

func (d *scriptedDeployer) Deploy(_ context.Context, source, network string, _ []string) (*providers.Deployment, error) {
	d.sources = append(d.sources, source)
	d.networks = append(d.networks, network)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	return &providers.Deployment{
		Address:    "0x00000000000000000000000000000000deadbeef",
		TxHash:     "0xfeed",
		Network:    network,
		Contract:   providers.ContractName(source),
		DeployedAt: time.Now().UTC(),
	}, nil
}

type scriptedVerifier struct {
	err   error
	calls int
}

func (v *scriptedVerifier) Verify(_ context.Context, _ *providers.Deployment, _ string) error {
	v.calls++
	return v.err
}

type scriptedTester struct {
	report *providers.TestReport
	err    error
	calls  int
}

func (s *scriptedTester) Test(_ context.Context, _ string) (*providers.TestReport, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.report, nil
}

type scriptedToolchain struct {
	ensureAllIssues []toolchain.Issue
	ensureAllCalls  int
	forSourceIssues []toolchain.Issue
	forSourceCalls  int
}

func (s *scriptedToolchain) EnsureAll(_ context.Context, _ []toolchain.Dependency) []toolchain.Issue {
	s.ensureAllCalls++
	return s.ensureAllIssues
}

func (s *scriptedToolchain) EnsureForSource(_ context.Context, _ *toolchain.Manifest, _ string) []toolchain.Issue {
	s.forSourceCalls++
	return s.forSourceIssues
}

type scriptedRetriever struct {
	hits    []retrieval.ScoredRecord
	err     error
	queries []string
	modes   []retrieval.ScopeMode
}

func (r *scriptedRetriever) Retrieve(_ context.Context, query string, mode retrieval.ScopeMode) ([]retrieval.ScoredRecord, error) {
	r.queries = append(r.queries, query)
	r.modes = append(r.modes, mode)
	if r.err != nil {
		return nil, r.err
	}
	return r.hits, nil
}

type archivedPut struct {
	scope   registry.Scope
	content []byte
	opts    registry.PutOptions
}

type recordingArchiver struct {
	puts []archivedPut
	err  error
}

func (a *recordingArchiver) Put(_ context.Context, scope registry.Scope, content []byte, opts registry.PutOptions) (*registry.Record, error) {
	a.puts = append(a.puts, archivedPut{scope: scope, content: content, opts: opts})
	if a.err != nil {
		return nil, a.err
	}
	return &registry.Record{
		ID:         fmt.Sprintf("rec-%d", len(a.puts)),
		Scope:      scope,
		Type:       opts.Type,
		Name:       opts.Name,
		WorkflowID: opts.WorkflowID,
		Metadata:   opts.Metadata,
	}, nil
}

type collectingSink struct {
	events []Event
}

func (c *collectingSink) Publish(_ context.Context, ev Event) {
	c.events = append(c.events, ev)
}

type scriptedConfirmer struct {
	answer bool
	calls  int
}

func (c *scriptedConfirmer) Confirm(_ context.Context, pending *gate.PendingConfirmation) error {
	c.calls++
	pending.Resolve(c.answer)
	return nil
}

// fixture wires a full set of happy-path collaborators.
type fixture struct {
	gen  *scriptedGenerator
	aud  *scriptedAuditor
	dep  *scriptedDeployer
	ver  *scriptedVerifier
	tst  *scriptedTester
	tc   *scriptedToolchain
	ret  *scriptedRetriever
	arch *recordingArchiver
	sink *collectingSink
	conf *scriptedConfirmer
}

func newFixture() *fixture {
	return &fixture{
		gen: &scriptedGenerator{results: []genResult{{out: tokenSource}}},
		aud: &scriptedAuditor{findings: []audit.Finding{
			{Severity: audit.SeverityLow, Category: "solc-version", Description: "floating pragma"},
		}},
		dep:  &scriptedDeployer{},
		ver:  &scriptedVerifier{},
		tst:  &scriptedTester{report: &providers.TestReport{Passed: 4}},
		tc:   &scriptedToolchain{},
		ret:  &scriptedRetriever{},
		arch: &recordingArchiver{},
		sink: &collectingSink{},
		conf: &scriptedConfirmer{answer: true},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Generator: f.gen,
		Auditor:   f.aud,
		Deployer:  f.dep,
		Verifier:  f.ver,
		Tester:    f.tst,
		Toolchain: f.tc,
		Manifest:  testManifest(),
		Retriever: f.ret,
		Gate:      gate.New(f.conf, zap.NewNop()),
		Archiver:  f.arch,
		Events:    f.sink,
	}
}

func testManifest() *toolchain.Manifest {
	return &toolchain.Manifest{
		Dependencies: []toolchain.Dependency{
			{Name: "@openzeppelin/contracts", Repo: "OpenZeppelin/openzeppelin-contracts", Version: "5.0.2"},
		},
	}
}

func newTestPipeline(t *testing.T, cfg config.PipelineConfig, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return p
}

func highFindings() []audit.Finding {
	return []audit.Finding{
		{Severity: audit.SeverityHigh, Category: "reentrancy-eth", Description: "reentrancy in withdraw"},
	}
}

func stageSequence(res *Result) []Stage {
	stages := make([]Stage, len(res.Stages))
	for i, sr := range res.Stages {
		stages[i] = sr.Stage
	}
	return stages
}

func TestNew_RequiresGenerator(t *testing.T) {
	f := newFixture()
	deps := f.deps()
	deps.Generator = nil

	_, err := New(config.PipelineConfig{}, deps, zap.NewNop())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "generator")
}

func TestNew_RequiresDeployer(t *testing.T) {
	f := newFixture()
	deps := f.deps()
	deps.Deployer = nil

	_, err := New(config.PipelineConfig{}, deps, zap.NewNop())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "deployer")
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token with minting", Options{Network: "sepolia"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "Token", res.ContractName)
	assert.Equal(t, strings.TrimSpace(tokenSource), res.Source)
	require.NotNil(t, res.Deployment)
	assert.Empty(t, res.Warnings)

	assert.Equal(t, Stages(), stageSequence(res))
	for _, sr := range res.Stages {
		assert.Equal(t, StageStatusSuccess, sr.Status, "stage %s", sr.Stage)
		assert.False(t, sr.CompletedAt.IsZero(), "stage %s missing completion time", sr.Stage)
	}

	// Low severity findings pass the gate without asking anyone.
	assert.Equal(t, 0, f.conf.calls)
	require.NotNil(t, res.Gate)
	assert.Equal(t, gate.DecisionAutoProceed, res.Gate.Decision)

	// Exactly one source and one deployment record.
	require.Len(t, f.arch.puts, 2)
	require.Len(t, res.Records, 2)

	src := f.arch.puts[0]
	assert.Equal(t, registry.ScopeTeam, src.scope)
	assert.Equal(t, registry.ArtifactTypeSource, src.opts.Type)
	assert.Equal(t, "Token.sol", src.opts.Name)
	assert.Equal(t, res.ID, src.opts.WorkflowID)
	assert.Equal(t, []byte(res.Source), src.content)

	dep := f.arch.puts[1]
	assert.Equal(t, registry.ArtifactTypeDeployment, dep.opts.Type)
	assert.Equal(t, "Token.deployment.json", dep.opts.Name)
	assert.Equal(t, res.Deployment.Address, dep.opts.Metadata["address"])

	var stored providers.Deployment
	require.NoError(t, json.Unmarshal(dep.content, &stored))
	assert.Equal(t, res.Deployment.Address, stored.Address)
	assert.Equal(t, "sepolia", stored.Network)
}

func TestRun_CallerAssignedID(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{ID: "wf-fixed"})
	require.NoError(t, err)

	assert.Equal(t, "wf-fixed", res.ID)
	require.Len(t, f.arch.puts, 2)
	assert.Equal(t, "wf-fixed", f.arch.puts[0].opts.WorkflowID)
	assert.Equal(t, "wf-fixed", f.sink.events[0].WorkflowID)
}

func TestRun_EventSequence(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, f.sink.events)
	assert.Equal(t, EventStarted, f.sink.events[0].Kind)
	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, EventCompleted, last.Kind)
	assert.Equal(t, string(StatusDone), last.Status)

	var deployStatuses []string
	for _, ev := range f.sink.events {
		assert.Equal(t, res.ID, ev.WorkflowID)
		if ev.Kind == EventStage && ev.Stage == StageDeploy {
			deployStatuses = append(deployStatuses, ev.Status)
		}
	}
	assert.Equal(t, []string{string(StageStatusRunning), string(StageStatusSuccess)}, deployStatuses)
}

func TestRun_ProgressCallback(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	var updates []StageProgress
	p.OnProgress(func(progress StageProgress) {
		updates = append(updates, progress)
	})

	_, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	require.NotEmpty(t, updates)
	first := updates[0]
	assert.Equal(t, StagePreflight, first.Stage)
	assert.Equal(t, StageStatusRunning, first.Status)
	assert.Equal(t, 0, first.Percentage)

	final := updates[len(updates)-1]
	assert.Equal(t, StageTest, final.Stage)
	assert.Equal(t, StageStatusSuccess, final.Status)
	assert.Equal(t, 100, final.Percentage)
}

func TestRun_EmptyPromptFails(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "   ", Options{})

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	assert.Empty(t, res.Stages)
	assert.Equal(t, 0, f.gen.calls)
}

func TestRun_InvalidUploadScope(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{UploadScope: "global"})

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "upload scope")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRun_PreflightIssuesFail(t *testing.T) {
	f := newFixture()
	f.tc.ensureAllIssues = []toolchain.Issue{
		{Dependency: "@openzeppelin/contracts", Err: errors.New("fetch failed")},
	}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	require.Len(t, depErr.Issues, 1)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []Stage{StagePreflight}, stageSequence(res))

	sr := res.StageResult(StagePreflight)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusFailed, sr.Status)
	require.Len(t, sr.Diagnostics, 1)
	assert.Contains(t, sr.Diagnostics[0].Observed, "@openzeppelin/contracts")

	// Generation never starts on a broken toolchain.
	assert.Equal(t, 0, f.gen.calls)
}

func TestRun_GenerateRetriesExhausted(t *testing.T) {
	f := newFixture()
	f.gen.results = []genResult{{out: ""}, {out: "not solidity"}, {out: ""}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 3, genErr.Attempts)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []Stage{StagePreflight, StageGenerate}, stageSequence(res))

	sr := res.StageResult(StageGenerate)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusFailed, sr.Status)
	assert.Equal(t, 3, sr.Attempts)
	assert.Len(t, sr.Diagnostics, 3)
	assert.Empty(t, f.dep.sources)
}

func TestRun_GenerateRecoversOnRetry(t *testing.T) {
	f := newFixture()
	fenced := "```solidity\n" + tokenSource + "```"
	f.gen.results = []genResult{{out: "// nothing here"}, {out: fenced}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, strings.TrimSpace(tokenSource), res.Source)

	sr := res.StageResult(StageGenerate)
	require.NotNil(t, sr)
	assert.Equal(t, 2, sr.Attempts)
	assert.Len(t, sr.Diagnostics, 1)
	assert.Equal(t, "regenerate", sr.Diagnostics[0].Remedy)
}

func TestRun_GeneratorErrorRetried(t *testing.T) {
	f := newFixture()
	f.gen.results = []genResult{{err: errors.New("rate limited")}, {out: tokenSource}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	sr := res.StageResult(StageGenerate)
	require.NotNil(t, sr)
	assert.Equal(t, 2, sr.Attempts)
}

func TestRun_AuditUnavailableSkips(t *testing.T) {
	f := newFixture()
	f.aud.err = fmt.Errorf("%w: slither not on PATH", providers.ErrAuditorUnavailable)
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	sr := res.StageResult(StageAudit)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusSkipped, sr.Status)
	assert.Contains(t, sr.Warning, "audit skipped")
	require.Len(t, res.Warnings, 1)

	// Nothing to confirm without findings; the run deploys.
	assert.Equal(t, 0, f.conf.calls)
	require.NotNil(t, res.Deployment)
}

func TestRun_GateConfirmationApproved(t *testing.T) {
	f := newFixture()
	f.aud.findings = highFindings()
	f.conf.answer = true
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "vault with withdraw", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 1, f.conf.calls)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.Confirmed)
	require.NotNil(t, res.Deployment)
}

func TestRun_GateDeclinedCancels(t *testing.T) {
	f := newFixture()
	f.aud.findings = highFindings()
	f.conf.answer = false
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "vault with withdraw", Options{})

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 2, res.ExitCode())
	assert.Equal(t, []Stage{StagePreflight, StageGenerate, StageAudit, StageGate, StageDeploy}, stageSequence(res))

	gateStage := res.StageResult(StageGate)
	require.NotNil(t, gateStage)
	assert.Equal(t, StageStatusCancelled, gateStage.Status)

	deployStage := res.StageResult(StageDeploy)
	require.NotNil(t, deployStage)
	assert.Equal(t, StageStatusSkipped, deployStage.Status)

	// Deployment never attempted, nothing archived.
	assert.Empty(t, f.dep.sources)
	assert.Empty(t, f.arch.puts)
	assert.Equal(t, 0, f.tst.calls)

	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, string(StatusCancelled), last.Status)
}

func TestRun_GateInsecureOverride(t *testing.T) {
	f := newFixture()
	f.aud.findings = highFindings()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "vault with withdraw", Options{AllowInsecure: true})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 0, f.conf.calls)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.InsecureOverride)
	assert.NotEmpty(t, res.Warnings)

	// The override is annotated on the deployment record.
	require.Len(t, f.arch.puts, 2)
	assert.Equal(t, "true", f.arch.puts[1].opts.Metadata["insecure_override"])
}

func TestRun_DeployFixCycleRecovers(t *testing.T) {
	f := newFixture()
	f.dep.errs = []error{&providers.CompileError{Output: missingOverrideOutput}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)

	sr := res.StageResult(StageDeploy)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusSuccess, sr.Status)
	assert.Equal(t, 2, sr.Attempts)

	// Exactly one auto-fix diagnostic.
	require.Len(t, sr.Diagnostics, 1)
	diag := sr.Diagnostics[0]
	assert.Equal(t, "missing-override", diag.Class)
	assert.Equal(t, "inserted override specifier", diag.Remedy)
	assert.NotEmpty(t, diag.Before)
	assert.NotEmpty(t, diag.After)

	// The second attempt deployed the repaired source, and that is
	// what got archived.
	require.Len(t, f.dep.sources, 2)
	assert.NotContains(t, f.dep.sources[0], "override")
	assert.Contains(t, f.dep.sources[1], "public override {")
	assert.Equal(t, f.dep.sources[1], res.Source)
	assert.Contains(t, string(f.arch.puts[0].content), "override")

	var fixLogs int
	for _, ev := range f.sink.events {
		if ev.Kind == EventLog && strings.Contains(ev.Message, "fix cycle 1") {
			fixLogs++
		}
	}
	assert.Equal(t, 1, fixLogs)
}

func TestRun_DeployFixBudgetExhausted(t *testing.T) {
	f := newFixture()
	badPragma := strings.Replace(tokenSource, "pragma solidity ^0.8.20;", "pragma solidity 0.8.19;", 1)
	f.gen.results = []genResult{{out: badPragma}}
	f.dep.errs = []error{
		&providers.CompileError{Output: badPragmaOutput},
		&providers.CompileError{Output: missingOverrideOutput},
	}
	cfg := config.PipelineConfig{MaxFixCycles: 1}
	p := newTestPipeline(t, cfg, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fix budget exhausted")
	var compileErr *providers.CompileError
	assert.ErrorAs(t, err, &compileErr)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())

	sr := res.StageResult(StageDeploy)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusFailed, sr.Status)
	assert.Equal(t, 2, sr.Attempts)

	// One entry per observed failure: the original plus the one after
	// the spent fix cycle.
	require.Len(t, sr.Diagnostics, 2)
	assert.Equal(t, "pragma-mismatch", sr.Diagnostics[0].Class)
	assert.NotEmpty(t, sr.Diagnostics[0].Remedy)
	assert.Empty(t, sr.Diagnostics[1].Remedy)

	// Advisory stages never run after a deploy failure.
	assert.Nil(t, res.StageResult(StageVerify))
	assert.Nil(t, res.StageResult(StageTest))
	assert.Empty(t, f.arch.puts)
}

func TestRun_DeployUnknownCompileErrorFails(t *testing.T) {
	f := newFixture()
	f.dep.errs = []error{&providers.CompileError{Output: "Error: something exotic went wrong"}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecoverable compile error")
	assert.Equal(t, StatusFailed, res.Status)

	sr := res.StageResult(StageDeploy)
	require.NotNil(t, sr)
	require.Len(t, sr.Diagnostics, 1)
	assert.Contains(t, sr.Diagnostics[0].Remedy, "no known fix class")
	assert.Len(t, f.dep.sources, 1)
}

func TestRun_DeployErrorIsStageFatal(t *testing.T) {
	f := newFixture()
	f.dep.errs = []error{&providers.DeployError{Network: "sepolia", Reason: "rpc unreachable"}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{Network: "sepolia"})

	var deployErr *providers.DeployError
	require.ErrorAs(t, err, &deployErr)
	assert.Equal(t, StatusFailed, res.Status)

	sr := res.StageResult(StageDeploy)
	require.NotNil(t, sr)
	assert.Equal(t, StageStatusFailed, sr.Status)
	require.Len(t, sr.Diagnostics, 1)
	assert.Empty(t, sr.Diagnostics[0].Class)

	// No recovery for deployment errors: a single attempt.
	assert.Len(t, f.dep.sources, 1)
}

func TestRun_MissingImportDelegatesToToolchain(t *testing.T) {
	f := newFixture()
	importSource := `pragma solidity ^0.8.20;

import "@openzeppelin/contracts/token/ERC20/ERC20.sol";

contract Token is ERC20 {
    constructor() ERC20("Token", "TKN") {}
}
`
	f.gen.results = []genResult{{out: importSource}}
	f.dep.errs = []error{&providers.CompileError{Output: missingImportOutput}}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 1, f.tc.forSourceCalls)

	// Dependency fixes retry with unchanged source.
	require.Len(t, f.dep.sources, 2)
	assert.Equal(t, f.dep.sources[0], f.dep.sources[1])

	sr := res.StageResult(StageDeploy)
	require.NotNil(t, sr)
	require.Len(t, sr.Diagnostics, 1)
	assert.Equal(t, "missing-import", sr.Diagnostics[0].Class)
}

func TestRun_VerifyAndTestAreAdvisory(t *testing.T) {
	f := newFixture()
	f.ver.err = fmt.Errorf("%w: forge not on PATH", providers.ErrUnavailable)
	f.tst.report = &providers.TestReport{Passed: 3, Failed: 2}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 0, res.ExitCode())

	verifyStage := res.StageResult(StageVerify)
	require.NotNil(t, verifyStage)
	assert.Equal(t, StageStatusSkipped, verifyStage.Status)
	assert.Contains(t, verifyStage.Warning, "verification skipped")

	testStage := res.StageResult(StageTest)
	require.NotNil(t, testStage)
	assert.Equal(t, StageStatusSkipped, testStage.Status)
	assert.Contains(t, testStage.Warning, "2 functional tests failed")

	assert.Len(t, res.Warnings, 2)
	require.NotNil(t, res.TestReport)

	// A skipped follow-up never blocks archival.
	assert.Len(t, f.arch.puts, 2)
}

func TestRun_TestOnlySkipsDeployment(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{TestOnly: true})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Nil(t, res.Deployment)
	assert.Empty(t, f.dep.sources)
	assert.Equal(t, 0, f.ver.calls)
	assert.Equal(t, 1, f.tst.calls)

	deployStage := res.StageResult(StageDeploy)
	require.NotNil(t, deployStage)
	assert.Equal(t, StageStatusSkipped, deployStage.Status)
	assert.Equal(t, "test-only run", deployStage.Output)

	verifyStage := res.StageResult(StageVerify)
	require.NotNil(t, verifyStage)
	assert.Equal(t, StageStatusSkipped, verifyStage.Status)

	// Source only: there is no deployment to record.
	require.Len(t, f.arch.puts, 1)
	assert.Equal(t, registry.ArtifactTypeSource, f.arch.puts[0].opts.Type)
	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Warnings)
}

func TestRun_RetrievalGroundsGeneration(t *testing.T) {
	f := newFixture()
	f.ret.hits = []retrieval.ScoredRecord{
		{Content: "contract Reference1 {}", Similarity: 0.9},
		{Content: "contract Reference2 {}", Similarity: 0.8},
	}
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	_, err := p.Run(context.Background(), "ERC20 token", Options{RAGScope: retrieval.ModeOptInCommunity})
	require.NoError(t, err)

	require.Len(t, f.ret.queries, 1)
	assert.Equal(t, "ERC20 token", f.ret.queries[0])
	assert.Equal(t, retrieval.ModeOptInCommunity, f.ret.modes[0])

	require.Len(t, f.gen.gotDocs, 1)
	assert.Equal(t, []string{"contract Reference1 {}", "contract Reference2 {}"}, f.gen.gotDocs[0])
}

func TestRun_RetrievalFailureWarns(t *testing.T) {
	f := newFixture()
	f.ret.err = errors.New("index offline")
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "context retrieval failed")
	assert.Empty(t, f.gen.gotDocs[0])
}

func TestRun_ArchiveFailureWarnsButFinishes(t *testing.T) {
	f := newFixture()
	f.arch.err = errors.New("disk full")
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.Empty(t, res.Records)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "archiving source failed")
	assert.Contains(t, res.Warnings[1], "archiving deployment record failed")
}

func TestRun_UploadScopeOption(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	_, err := p.Run(context.Background(), "ERC20 token", Options{UploadScope: registry.ScopeCommunity})
	require.NoError(t, err)

	require.Len(t, f.arch.puts, 2)
	assert.Equal(t, registry.ScopeCommunity, f.arch.puts[0].scope)
	assert.Equal(t, registry.ScopeCommunity, f.arch.puts[1].scope)
}

func TestRun_NetworkDefaultFromConfig(t *testing.T) {
	f := newFixture()
	cfg := config.PipelineConfig{Network: "base-sepolia"}
	p := newTestPipeline(t, cfg, f.deps())

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, "base-sepolia", res.Options.Network)
	require.Len(t, f.dep.networks, 1)
	assert.Equal(t, "base-sepolia", f.dep.networks[0])
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture()
	p := newTestPipeline(t, config.PipelineConfig{}, f.deps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Run(ctx, "ERC20 token", Options{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 2, res.ExitCode())
	require.Equal(t, []Stage{StagePreflight}, stageSequence(res))
	assert.Equal(t, StageStatusCancelled, res.Stages[0].Status)
}

func TestRun_MinimalCollaborators(t *testing.T) {
	f := newFixture()
	deps := Deps{Generator: f.gen, Deployer: f.dep}
	p := newTestPipeline(t, config.PipelineConfig{}, deps)

	res, err := p.Run(context.Background(), "ERC20 token", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, Stages(), stageSequence(res))

	assert.Equal(t, "no dependency manifest configured", res.StageResult(StagePreflight).Output)
	assert.Equal(t, StageStatusSkipped, res.StageResult(StageAudit).Status)
	assert.Equal(t, StageStatusSkipped, res.StageResult(StageVerify).Status)
	assert.Equal(t, StageStatusSkipped, res.StageResult(StageTest).Status)
	assert.Len(t, res.Warnings, 3)
	assert.Empty(t, res.Records)
}

func TestResult_ExitCode(t *testing.T) {
	tests := []struct {
		status Status
		code   int
	}{
		{StatusDone, 0},
		{StatusCancelled, 2},
		{StatusFailed, 1},
		{StatusRunning, 1},
	}
	for _, tt := range tests {
		res := &Result{Status: tt.status}
		assert.Equal(t, tt.code, res.ExitCode(), "status %s", tt.status)
	}
}

func TestResult_StageResultLookup(t *testing.T) {
	res := &Result{Stages: []StageResult{
		{Stage: StagePreflight, Status: StageStatusSuccess},
		{Stage: StageGenerate, Status: StageStatusFailed},
	}}

	require.NotNil(t, res.StageResult(StageGenerate))
	assert.Equal(t, StageStatusFailed, res.StageResult(StageGenerate).Status)
	assert.Nil(t, res.StageResult(StageDeploy))
}

func TestStagesOrder(t *testing.T) {
	want := []Stage{StagePreflight, StageGenerate, StageAudit, StageGate, StageDeploy, StageVerify, StageTest}
	assert.Equal(t, want, Stages())
}
