// Package config provides configuration loading for crucible.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Every collaborator timeout, every scope default, and every
// provider selection lives here so runs are reproducible from config alone.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete crucible configuration.
type Config struct {
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Toolchain  ToolchainConfig  `koanf:"toolchain"`
	Registry   RegistryConfig   `koanf:"registry"`
	Blob       BlobConfig       `koanf:"blob"`
	Scanner    ScannerConfig    `koanf:"scanner"`
	Index      IndexConfig      `koanf:"index"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Auditor    AuditorConfig    `koanf:"auditor"`
	Deployer   DeployerConfig   `koanf:"deployer"`
	Verifier   VerifierConfig   `koanf:"verifier"`
	Tester     TesterConfig     `koanf:"tester"`
	Events     EventsConfig     `koanf:"events"`
	Server     ServerConfig     `koanf:"server"`
	Temporal   TemporalConfig   `koanf:"temporal"`
}

// PipelineConfig controls the workflow orchestrator.
type PipelineConfig struct {
	// MaxGenerateAttempts bounds retries on empty or malformed generator output.
	MaxGenerateAttempts int `koanf:"max_generate_attempts"`

	// MaxFixCycles bounds error recovery cycles during deployment.
	MaxFixCycles int `koanf:"max_fix_cycles"`

	// StageTimeout is the per-collaborator call timeout applied to each stage.
	StageTimeout Duration `koanf:"stage_timeout"`

	// Network is the default deployment network.
	Network string `koanf:"network"`

	// RAGScope is the default retrieval scope mode (official-only, opt-in-community).
	RAGScope string `koanf:"rag_scope"`

	// UploadScope is the default registry scope for successful runs (team, community).
	UploadScope string `koanf:"upload_scope"`
}

// ToolchainConfig controls dependency probing and installation.
type ToolchainConfig struct {
	// ManifestPath is the project manifest declaring pinned libraries.
	ManifestPath string `koanf:"manifest_path"`

	// LibDir is the directory libraries are installed into.
	LibDir string `koanf:"lib_dir"`

	// FetchTimeout bounds a single library fetch.
	FetchTimeout Duration `koanf:"fetch_timeout"`

	// GitHubToken authenticates release tag resolution. Optional.
	GitHubToken Secret `koanf:"github_token"`
}

// RegistryConfig controls the artifact registry.
type RegistryConfig struct {
	// Path is the registry root directory.
	Path string `koanf:"path"`

	// Watch enables reload on out-of-band ledger appends (moderation re-scores).
	Watch bool `koanf:"watch"`
}

// BlobConfig controls content-addressed blob storage.
type BlobConfig struct {
	// Path is the local CAS directory.
	Path string `koanf:"path"`

	// Gateways are remote read fallbacks, tried sequentially.
	Gateways []string `koanf:"gateways"`

	// GatewayTimeout bounds each gateway attempt.
	GatewayTimeout Duration `koanf:"gateway_timeout"`
}

// ScannerConfig controls community content scanning.
type ScannerConfig struct {
	// SandboxThreshold is the quality score below which records are sandboxed.
	SandboxThreshold float64 `koanf:"sandbox_threshold"`
}

// IndexConfig selects and configures the vector index provider.
type IndexConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string `koanf:"provider"`

	// Path is the chromem persistence directory.
	Path string `koanf:"path"`

	// Host and Port locate the qdrant gRPC endpoint.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// APIKey authenticates qdrant. Optional.
	APIKey Secret `koanf:"api_key"`

	// UseTLS enables TLS for qdrant connections.
	UseTLS bool `koanf:"use_tls"`

	// VectorSize is the embedding dimension.
	VectorSize int `koanf:"vector_size"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "tei", "fastembed", or "hash".
	Provider string `koanf:"provider"`

	// BaseURL is the TEI endpoint (OpenAI-compatible).
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// APIKey authenticates the TEI endpoint. Optional.
	APIKey Secret `koanf:"api_key"`

	// CacheDir holds downloaded fastembed models.
	CacheDir string `koanf:"cache_dir"`
}

// GeneratorConfig controls the contract generator.
type GeneratorConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "template".
	Provider string `koanf:"provider"`

	// BaseURL is the LLM endpoint.
	BaseURL string `koanf:"base_url"`

	// Model is the generation model name.
	Model string `koanf:"model"`

	// APIKey authenticates the endpoint.
	APIKey Secret `koanf:"api_key"`

	// Temperature controls sampling.
	Temperature float64 `koanf:"temperature"`

	// RateLimit is requests per second against the endpoint. 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`

	// Burst is the rate limiter burst size.
	Burst int `koanf:"burst"`
}

// AuditorConfig controls static analysis invocation.
type AuditorConfig struct {
	// Command is the analyzer binary (default: slither).
	Command string `koanf:"command"`

	// Args are extra analyzer arguments.
	Args []string `koanf:"args"`
}

// DeployerConfig controls compilation and deployment.
type DeployerConfig struct {
	// Command is the toolchain binary used to build and deploy (default: forge).
	Command string `koanf:"command"`

	// Simulate forces the deterministic in-process deployer.
	Simulate bool `koanf:"simulate"`

	// Networks maps network name to connection details.
	Networks map[string]NetworkConfig `koanf:"networks"`
}

// NetworkConfig describes a deployment target chain.
type NetworkConfig struct {
	RPCURL      string `koanf:"rpc_url"`
	ChainID     int64  `koanf:"chain_id"`
	DeployKey   Secret `koanf:"deploy_key"`
	ExplorerURL string `koanf:"explorer_url"`
}

// VerifierConfig controls source verification against explorers.
type VerifierConfig struct {
	// APIKey authenticates the explorer API. Optional.
	APIKey Secret `koanf:"api_key"`
}

// TesterConfig controls post-deployment functional tests.
type TesterConfig struct {
	// Command is the test runner binary (default: forge).
	Command string `koanf:"command"`
}

// EventsConfig controls workflow event publishing.
type EventsConfig struct {
	// Enabled turns on NATS event publishing.
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server address.
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS server (daemon only).
	Embedded bool `koanf:"embedded"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TemporalConfig controls the durable workflow runner.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pipeline.MaxGenerateAttempts < 1 {
		return fmt.Errorf("pipeline.max_generate_attempts must be >= 1, got %d", c.Pipeline.MaxGenerateAttempts)
	}
	if c.Pipeline.MaxFixCycles < 1 {
		return fmt.Errorf("pipeline.max_fix_cycles must be >= 1, got %d", c.Pipeline.MaxFixCycles)
	}
	if c.Pipeline.StageTimeout.Duration() <= 0 {
		return errors.New("pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.RAGScope != "official-only" && c.Pipeline.RAGScope != "opt-in-community" {
		return fmt.Errorf("pipeline.rag_scope must be official-only or opt-in-community, got %q", c.Pipeline.RAGScope)
	}
	if c.Pipeline.UploadScope != "team" && c.Pipeline.UploadScope != "community" {
		return fmt.Errorf("pipeline.upload_scope must be team or community, got %q", c.Pipeline.UploadScope)
	}

	if c.Scanner.SandboxThreshold < 0 || c.Scanner.SandboxThreshold > 1 {
		return fmt.Errorf("scanner.sandbox_threshold must be between 0 and 1, got %f", c.Scanner.SandboxThreshold)
	}

	if c.Index.Provider != "chromem" && c.Index.Provider != "qdrant" {
		return fmt.Errorf("index.provider must be chromem or qdrant, got %q", c.Index.Provider)
	}
	if c.Index.VectorSize <= 0 {
		return fmt.Errorf("index.vector_size must be positive, got %d", c.Index.VectorSize)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	if c.Blob.GatewayTimeout.Duration() <= 0 {
		return errors.New("blob.gateway_timeout must be positive")
	}

	if c.Temporal.Enabled {
		if c.Temporal.HostPort == "" {
			return errors.New("temporal.host_port required when temporal is enabled")
		}
		if c.Temporal.TaskQueue == "" {
			return errors.New("temporal.task_queue required when temporal is enabled")
		}
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Pipeline.MaxGenerateAttempts == 0 {
		cfg.Pipeline.MaxGenerateAttempts = 3
	}
	if cfg.Pipeline.MaxFixCycles == 0 {
		cfg.Pipeline.MaxFixCycles = 5
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = Duration(2 * time.Minute)
	}
	if cfg.Pipeline.Network == "" {
		cfg.Pipeline.Network = "sepolia"
	}
	if cfg.Pipeline.RAGScope == "" {
		cfg.Pipeline.RAGScope = "official-only"
	}
	if cfg.Pipeline.UploadScope == "" {
		cfg.Pipeline.UploadScope = "team"
	}

	if cfg.Toolchain.ManifestPath == "" {
		cfg.Toolchain.ManifestPath = "foundry.toml"
	}
	if cfg.Toolchain.LibDir == "" {
		cfg.Toolchain.LibDir = "lib"
	}
	if cfg.Toolchain.FetchTimeout == 0 {
		cfg.Toolchain.FetchTimeout = Duration(time.Minute)
	}

	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "~/.config/crucible/registry"
	}

	if cfg.Blob.Path == "" {
		cfg.Blob.Path = "~/.config/crucible/blobs"
	}
	if cfg.Blob.GatewayTimeout == 0 {
		cfg.Blob.GatewayTimeout = Duration(10 * time.Second)
	}

	if cfg.Scanner.SandboxThreshold == 0 {
		cfg.Scanner.SandboxThreshold = 0.5
	}

	// chromem is default: embedded, no external deps
	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "chromem"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "~/.config/crucible/index"
	}
	if cfg.Index.Host == "" {
		cfg.Index.Host = "localhost"
	}
	if cfg.Index.Port == 0 {
		cfg.Index.Port = 6334
	}
	if cfg.Index.VectorSize == 0 {
		cfg.Index.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "template"
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gpt-4o"
	}
	if cfg.Generator.Burst == 0 {
		cfg.Generator.Burst = 1
	}

	if cfg.Auditor.Command == "" {
		cfg.Auditor.Command = "slither"
	}

	if cfg.Deployer.Command == "" {
		cfg.Deployer.Command = "forge"
	}

	if cfg.Tester.Command == "" {
		cfg.Tester.Command = "forge"
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9290
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "contract-lifecycle-queue"
	}
}
