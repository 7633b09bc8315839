package main

import (
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/providers"
)

func TestReadPrompt_Args(t *testing.T) {
	got, err := readPrompt([]string{"an", "ERC20", "token"})
	if err != nil {
		t.Fatalf("readPrompt() error = %v", err)
	}
	if got != "an ERC20 token" {
		t.Errorf("readPrompt() = %q, want %q", got, "an ERC20 token")
	}
}

func TestReadPrompt_Empty(t *testing.T) {
	if _, err := readPrompt(nil); err == nil {
		t.Error("readPrompt() accepted empty arguments")
	}
	if _, err := readPrompt([]string{"  ", ""}); err == nil {
		t.Error("readPrompt() accepted whitespace arguments")
	}
}

func TestReadPrompt_Stdin(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()

	if _, err := w.WriteString("a vault named SafeKeep\n"); err != nil {
		t.Fatalf("writing pipe: %v", err)
	}
	w.Close()

	got, err := readPrompt([]string{"-"})
	if err != nil {
		t.Fatalf("readPrompt() error = %v", err)
	}
	if got != "a vault named SafeKeep" {
		t.Errorf("readPrompt() = %q", got)
	}
}

func TestResolveNetwork(t *testing.T) {
	cfg := &config.Config{Pipeline: config.PipelineConfig{Network: "sepolia"}}
	if got := resolveNetwork(cfg, ""); got != "sepolia" {
		t.Errorf("resolveNetwork(cfg, \"\") = %q, want sepolia", got)
	}
	if got := resolveNetwork(cfg, "mainnet"); got != "mainnet" {
		t.Errorf("resolveNetwork(cfg, mainnet) = %q, want mainnet", got)
	}
}

func TestForgeConfig_PicksNetworkKey(t *testing.T) {
	cfg := &config.Config{
		Toolchain: config.ToolchainConfig{ManifestPath: "foundry.toml"},
		Deployer: config.DeployerConfig{
			Command: "forge",
			Networks: map[string]config.NetworkConfig{
				"sepolia": {RPCURL: "https://rpc.sepolia.example", DeployKey: config.Secret("0xaa")},
				"mainnet": {RPCURL: "https://rpc.mainnet.example", DeployKey: config.Secret("0xbb")},
			},
		},
	}

	fc := forgeConfig(cfg, "sepolia")
	if fc.Binary != "forge" {
		t.Errorf("Binary = %q, want forge", fc.Binary)
	}
	if fc.WorkDir != "." {
		t.Errorf("WorkDir = %q, want .", fc.WorkDir)
	}
	if len(fc.RPCURLs) != 2 {
		t.Errorf("RPCURLs has %d entries, want 2", len(fc.RPCURLs))
	}
	if fc.RPCURLs["mainnet"] != "https://rpc.mainnet.example" {
		t.Errorf("RPCURLs[mainnet] = %q", fc.RPCURLs["mainnet"])
	}
	if fc.PrivateKey.Value() != "0xaa" {
		t.Errorf("PrivateKey = %q, want the sepolia deploy key", fc.PrivateKey.Value())
	}
}

func TestForgeConfig_UnknownNetwork(t *testing.T) {
	cfg := &config.Config{
		Deployer: config.DeployerConfig{
			Networks: map[string]config.NetworkConfig{
				"sepolia": {RPCURL: "https://rpc.sepolia.example", DeployKey: config.Secret("0xaa")},
			},
		},
	}
	fc := forgeConfig(cfg, "base")
	if fc.PrivateKey.IsSet() {
		t.Errorf("PrivateKey = %q, want unset for an unconfigured network", fc.PrivateKey.Value())
	}
}

func TestBuildGenerator_TemplateDefault(t *testing.T) {
	for _, provider := range []string{"", "template"} {
		cfg := &config.Config{Generator: config.GeneratorConfig{Provider: provider}}
		gen, err := buildGenerator(cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("buildGenerator(%q) error = %v", provider, err)
		}
		if _, ok := gen.(providers.TemplateGenerator); !ok {
			t.Errorf("buildGenerator(%q) = %T, want TemplateGenerator", provider, gen)
		}
	}
}

func TestBuildGenerator_OpenAIRequiresKey(t *testing.T) {
	cfg := &config.Config{Generator: config.GeneratorConfig{Provider: "openai"}}
	if _, err := buildGenerator(cfg, zap.NewNop()); err == nil {
		t.Error("buildGenerator() accepted openai provider without an API key")
	}
}

func TestBuildGenerator_UnknownProvider(t *testing.T) {
	cfg := &config.Config{Generator: config.GeneratorConfig{Provider: "oracle"}}
	_, err := buildGenerator(cfg, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "oracle") {
		t.Errorf("buildGenerator() error = %v, want unknown provider", err)
	}
}
