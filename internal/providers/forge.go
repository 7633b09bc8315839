package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/config"
)

// ForgeConfig configures the foundry-backed collaborators.
type ForgeConfig struct {
	// Binary is the forge executable. Defaults to "forge".
	Binary string
	// WorkDir is the project root holding foundry.toml.
	WorkDir string
	// SrcDir is the contract source directory under WorkDir. Defaults
	// to "src".
	SrcDir string
	// RPCURLs maps network names to JSON-RPC endpoints.
	RPCURLs map[string]string
	// PrivateKey signs deployment transactions.
	PrivateKey config.Secret
}

func (c *ForgeConfig) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "forge"
	}
	if c.SrcDir == "" {
		c.SrcDir = "src"
	}
}

// ForgeDeployer compiles and deploys through the foundry toolchain.
// Compile failures surface as *CompileError with the raw build output;
// failures past compilation surface as *DeployError.
type ForgeDeployer struct {
	config ForgeConfig
	logger *zap.Logger
}

// NewForgeDeployer creates a deployer running forge in cfg.WorkDir.
func NewForgeDeployer(cfg ForgeConfig, logger *zap.Logger) *ForgeDeployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &ForgeDeployer{config: cfg, logger: logger}
}

func (d *ForgeDeployer) Deploy(ctx context.Context, source, network string, args []string) (*Deployment, error) {
	name := ContractName(source)
	if name == "" {
		return nil, &CompileError{Output: "no contract declaration found"}
	}

	rpc, ok := d.config.RPCURLs[network]
	if !ok {
		return nil, &DeployError{Network: network, Reason: "no rpc endpoint configured"}
	}

	path, err := d.writeSource(name, source)
	if err != nil {
		return nil, err
	}

	build := exec.CommandContext(ctx, d.config.Binary, "build", "--force")
	build.Dir = d.config.WorkDir
	if out, err := build.CombinedOutput(); err != nil {
		return nil, &CompileError{Output: string(out)}
	}

	createArgs := buildCreateArgs(path, name, rpc, d.config.PrivateKey.Value(), args)
	create := exec.CommandContext(ctx, d.config.Binary, createArgs...)
	create.Dir = d.config.WorkDir
	out, err := create.CombinedOutput()
	if err != nil {
		return nil, &DeployError{Network: network, Reason: strings.TrimSpace(string(out))}
	}

	dep, err := parseForgeCreate(out, network, name)
	if err != nil {
		return nil, &DeployError{Network: network, Reason: err.Error()}
	}

	d.logger.Info("contract deployed",
		zap.String("contract", name),
		zap.String("network", network),
		zap.String("address", dep.Address))
	return dep, nil
}

func (d *ForgeDeployer) writeSource(name, source string) (string, error) {
	srcDir := filepath.Join(d.config.WorkDir, d.config.SrcDir)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", fmt.Errorf("creating source dir: %w", err)
	}
	path := filepath.Join(srcDir, name+".sol")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	// forge addresses contracts relative to the project root.
	return filepath.Join(d.config.SrcDir, name+".sol"), nil
}

func buildCreateArgs(path, contract, rpc, key string, ctorArgs []string) []string {
	args := []string{"create", path + ":" + contract, "--rpc-url", rpc, "--json"}
	if key != "" {
		args = append(args, "--private-key", key)
	}
	if len(ctorArgs) > 0 {
		args = append(args, "--constructor-args")
		args = append(args, ctorArgs...)
	}
	return args
}

type forgeCreateOutput struct {
	DeployedTo      string `json:"deployedTo"`
	TransactionHash string `json:"transactionHash"`
}

// parseForgeCreate finds the deployment JSON object in forge's output,
// which may be surrounded by compiler chatter.
func parseForgeCreate(out []byte, network, contract string) (*Deployment, error) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var parsed forgeCreateOutput
		if err := json.Unmarshal([]byte(line), &parsed); err == nil && parsed.DeployedTo != "" {
			return &Deployment{
				Address:    parsed.DeployedTo,
				TxHash:     parsed.TransactionHash,
				Network:    network,
				Contract:   contract,
				DeployedAt: time.Now().UTC(),
			}, nil
		}
	}
	return nil, fmt.Errorf("no deployment in forge output")
}

// ForgeVerifier submits deployed source for explorer verification via
// forge verify-contract. Best effort.
type ForgeVerifier struct {
	config ForgeConfig
	logger *zap.Logger
}

// NewForgeVerifier creates a verifier running forge in cfg.WorkDir.
func NewForgeVerifier(cfg ForgeConfig, logger *zap.Logger) *ForgeVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &ForgeVerifier{config: cfg, logger: logger}
}

func (v *ForgeVerifier) Verify(ctx context.Context, dep *Deployment, source string) error {
	if dep.Simulated {
		return fmt.Errorf("%w: simulated deployments cannot be verified", ErrUnavailable)
	}
	if _, err := exec.LookPath(v.config.Binary); err != nil {
		return fmt.Errorf("%w: %s not on PATH", ErrUnavailable, v.config.Binary)
	}

	path := filepath.Join(v.config.SrcDir, dep.Contract+".sol")
	cmd := exec.CommandContext(ctx, v.config.Binary,
		"verify-contract", dep.Address, path+":"+dep.Contract,
		"--chain", dep.Network, "--watch")
	cmd.Dir = v.config.WorkDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("verifying %s: %s", dep.Contract, strings.TrimSpace(string(out)))
	}

	v.logger.Info("contract verified",
		zap.String("contract", dep.Contract),
		zap.String("address", dep.Address))
	return nil
}

// ForgeTester runs the project test suite. Best effort.
type ForgeTester struct {
	config ForgeConfig
	logger *zap.Logger
}

// NewForgeTester creates a tester running forge in cfg.WorkDir.
func NewForgeTester(cfg ForgeConfig, logger *zap.Logger) *ForgeTester {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &ForgeTester{config: cfg, logger: logger}
}

func (t *ForgeTester) Test(ctx context.Context, source string) (*TestReport, error) {
	if _, err := exec.LookPath(t.config.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s not on PATH", ErrUnavailable, t.config.Binary)
	}

	cmd := exec.CommandContext(ctx, t.config.Binary, "test")
	cmd.Dir = t.config.WorkDir
	out, runErr := cmd.CombinedOutput()

	report := parseForgeTestOutput(out)
	if report == nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
		}
		// No suites ran, e.g. a project without tests.
		return &TestReport{Output: strings.TrimSpace(string(out))}, nil
	}
	return report, nil
}

var forgeTestSummaryPattern = regexp.MustCompile(`(\d+) passed; (\d+) failed`)

// parseForgeTestOutput sums the per-suite result lines, returning nil
// when none are present.
func parseForgeTestOutput(out []byte) *TestReport {
	matches := forgeTestSummaryPattern.FindAllStringSubmatch(string(out), -1)
	if len(matches) == 0 {
		return nil
	}

	report := &TestReport{Output: strings.TrimSpace(string(out))}
	for _, m := range matches {
		passed, _ := strconv.Atoi(m[1])
		failed, _ := strconv.Atoi(m[2])
		report.Passed += passed
		report.Failed += failed
	}
	return report
}

var (
	_ Deployer = (*ForgeDeployer)(nil)
	_ Verifier = (*ForgeVerifier)(nil)
	_ Tester   = (*ForgeTester)(nil)
)
