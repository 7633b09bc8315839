package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/blob"
	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/embeddings"
	"github.com/fyrsmithlabs/crucible/internal/events"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/scanner"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
	"github.com/fyrsmithlabs/crucible/internal/vectorindex"
)

// storage bundles the registry with the blob store backing it.
type storage struct {
	reg   *registry.Registry
	store blob.Store
}

func (s *storage) Close() {
	if s.reg != nil {
		_ = s.reg.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// openStorage opens the blob store, content scanner, and registry.
func openStorage(cfg *config.Config, logger *zap.Logger) (*storage, error) {
	store, err := blob.NewFileStore(cfg.Blob.Path, logger.Named("blob"))
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	detector, err := scanner.NewGitleaksDetector()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	scanCfg := scanner.DefaultConfig()
	if cfg.Scanner.SandboxThreshold > 0 {
		scanCfg.SandboxThreshold = cfg.Scanner.SandboxThreshold
	}
	scan, err := scanner.New(scanCfg, detector, logger.Named("scanner"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating content scanner: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Dir:              cfg.Registry.Path,
		SandboxThreshold: cfg.Scanner.SandboxThreshold,
	}, store, scan, logger.Named("registry"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	return &storage{reg: reg, store: store}, nil
}

// searcher bundles the retriever with the embedder and index behind it.
type searcher struct {
	retriever *retrieval.Retriever
	index     vectorindex.Index
	embedder  embeddings.Provider
}

func (s *searcher) Close() {
	if s.index != nil {
		_ = s.index.Close()
	}
	if s.embedder != nil {
		_ = s.embedder.Close()
	}
}

// openSearcher builds the embedder, vector index, and retriever over
// the given registry.
func openSearcher(cfg *config.Config, reg *registry.Registry, logger *zap.Logger) (*searcher, error) {
	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Index.VectorSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embeddings provider: %w", err)
	}

	idx, err := vectorindex.New(cfg, embedder, logger.Named("index"))
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	retriever, err := retrieval.New(retrieval.Config{
		MinQualityScore: cfg.Scanner.SandboxThreshold,
	}, idx, reg, logger.Named("retrieval"))
	if err != nil {
		_ = idx.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	return &searcher{retriever: retriever, index: idx, embedder: embedder}, nil
}

// buildGenerator selects the generation backend from configuration.
func buildGenerator(cfg *config.Config, logger *zap.Logger) (providers.Generator, error) {
	switch cfg.Generator.Provider {
	case "", "template":
		return providers.TemplateGenerator{}, nil
	case "openai":
		return providers.NewLLMGenerator(providers.LLMConfig{
			BaseURL:     cfg.Generator.BaseURL,
			Model:       cfg.Generator.Model,
			APIKey:      cfg.Generator.APIKey.Value(),
			Temperature: cfg.Generator.Temperature,
			RateLimit:   cfg.Generator.RateLimit,
			Burst:       cfg.Generator.Burst,
		}, logger.Named("generator"))
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Generator.Provider)
	}
}

// forgeConfig assembles the foundry provider configuration. The deploy
// key is the one pinned to the run's network.
func forgeConfig(cfg *config.Config, network string) providers.ForgeConfig {
	rpcs := make(map[string]string, len(cfg.Deployer.Networks))
	var key config.Secret
	for name, net := range cfg.Deployer.Networks {
		rpcs[name] = net.RPCURL
		if name == network {
			key = net.DeployKey
		}
	}
	return providers.ForgeConfig{
		Binary:     cfg.Deployer.Command,
		WorkDir:    filepath.Dir(cfg.Toolchain.ManifestPath),
		RPCURLs:    rpcs,
		PrivateKey: key,
	}
}

// resolveNetwork returns the network a run will target, preferring the
// per-run override over the configured default.
func resolveNetwork(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.Pipeline.Network
}

// buildPipeline assembles the in-process pipeline for one invocation.
func buildPipeline(ctx context.Context, cfg *config.Config, network string, retriever pipeline.ContextRetriever, confirmer gate.Confirmer, sink pipeline.EventSink, st *storage, logger *zap.Logger) (*pipeline.Pipeline, error) {
	generator, err := buildGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}

	fc := forgeConfig(cfg, network)

	var deployer providers.Deployer = providers.SimDeployer{}
	if !cfg.Deployer.Simulate {
		deployer = providers.NewForgeDeployer(fc, logger.Named("deployer"))
	}

	testerCfg := fc
	if cfg.Tester.Command != "" {
		testerCfg.Binary = cfg.Tester.Command
	}

	var manifest *toolchain.Manifest
	if _, serr := os.Stat(cfg.Toolchain.ManifestPath); serr == nil {
		manifest, err = toolchain.LoadManifest(cfg.Toolchain.ManifestPath)
		if err != nil {
			return nil, err
		}
	}

	resolver, err := toolchain.NewResolver(toolchain.Config{
		LibDir:       cfg.Toolchain.LibDir,
		FetchTimeout: cfg.Toolchain.FetchTimeout.Duration(),
	},
		&toolchain.ForgeInstaller{Binary: cfg.Deployer.Command, WorkDir: fc.WorkDir},
		toolchain.GitFetcher{},
		toolchain.NewGitHubTagResolver(ctx, cfg.Toolchain.GitHubToken, logger.Named("toolchain")),
		logger.Named("toolchain"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating toolchain resolver: %w", err)
	}

	deps := pipeline.Deps{
		Generator: generator,
		Auditor:   providers.NewSlitherAuditor(cfg.Auditor.Command, logger.Named("auditor")),
		Deployer:  deployer,
		Verifier:  providers.NewForgeVerifier(fc, logger.Named("verifier")),
		Tester:    providers.NewForgeTester(testerCfg, logger.Named("tester")),
		Toolchain: resolver,
		Manifest:  manifest,
		Retriever: retriever,
		Gate:      gate.New(confirmer, logger.Named("gate")),
		Archiver:  st.reg,
		Events:    sink,
	}
	return pipeline.New(cfg.Pipeline, deps, logger.Named("pipeline"))
}

// indexTimeout bounds post-run artifact indexing.
const indexTimeout = 30 * time.Second

// indexingRunner indexes what each run archives so later retrievals
// see it.
type indexingRunner struct {
	pipeline  *pipeline.Pipeline
	retriever *retrieval.Retriever
	logger    *zap.Logger
}

func (r *indexingRunner) Run(ctx context.Context, prompt string, opts pipeline.Options) (*pipeline.Result, error) {
	res, err := r.pipeline.Run(ctx, prompt, opts)
	if res == nil || len(res.Records) == 0 {
		return res, err
	}

	// Fresh context: indexing still matters after an interrupt.
	ictx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	for _, rec := range res.Records {
		if ierr := r.retriever.IndexRecord(ictx, rec); ierr != nil {
			r.logger.Warn("indexing artifact",
				zap.String("record_id", rec.ID),
				zap.Error(ierr))
		}
	}
	return res, err
}

// connectEvents opens the NATS publisher when events are enabled.
// Failure is a warning, never fatal: runs proceed without a bus.
func connectEvents(cfg *config.Config, logger *zap.Logger) (pipeline.EventSink, func()) {
	if !cfg.Events.Enabled {
		return nil, func() {}
	}
	nc, err := events.Connect(cfg.Events.URL)
	if err != nil {
		logger.Warn("event bus unavailable", zap.String("url", cfg.Events.URL), zap.Error(err))
		return nil, func() {}
	}
	return events.NewPublisher(nc, logger.Named("events")), nc.Close
}
