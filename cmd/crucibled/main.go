// Crucibled is the crucible daemon: the lifecycle pipeline and the
// artifact registry behind an HTTP API.
//
// The binary wires the full service set: blob store and registry,
// vector index and retrieval, the pipeline with its generation,
// audit, and deployment providers, NATS event publishing, and
// optionally a Temporal worker polling the lifecycle task queue. The
// HTTP API executes runs in process; the worker serves runs submitted
// durably by the CLI.
//
// Configuration comes from ~/.config/crucible/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (template generator, simulated deployer)
//	crucibled
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9290 EVENTS_ENABLED=true crucibled
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/blob"
	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/embeddings"
	"github.com/fyrsmithlabs/crucible/internal/events"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/logging"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/providers"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/scanner"
	"github.com/fyrsmithlabs/crucible/internal/server"
	"github.com/fyrsmithlabs/crucible/internal/telemetry"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
	"github.com/fyrsmithlabs/crucible/internal/vectorindex"
	"github.com/fyrsmithlabs/crucible/internal/workflows/contract"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/crucible/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  crucibled            Start the crucible daemon\n")
			fmt.Fprintf(os.Stderr, "  crucibled version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("crucibled by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and logging
//  3. Open storage (blob store, scanner, registry), index, retriever
//  4. Start or dial NATS when events are enabled
//  5. Assemble the pipeline and its providers
//  6. Start the ledger watcher, the Temporal worker, and the HTTP server
//
// Returns nil after a graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := logging.NewLogger(logging.NewDefaultConfig(), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Underlying()

	logger.Info(ctx, "starting crucibled",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	deps, err := initDependencies(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("nats_connected", deps.nats != nil),
		zap.Bool("nats_embedded", deps.natsSrv != nil),
		zap.String("index_provider", cfg.Index.Provider),
	)

	pipe, activities, err := initPipeline(ctx, cfg, deps, log)
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}

	runner := &indexingRunner{
		pipeline:  pipe,
		retriever: deps.retriever,
		logger:    log,
	}

	srv, err := server.NewServer(server.Deps{
		Runner:    runner,
		Artifacts: deps.reg,
		Searcher:  deps.retriever,
		Hub:       deps.hub,
		Events:    deps.nats,
	}, log.Named("server"), &server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	// Register metrics endpoint
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if cfg.Registry.Watch {
		watcher, werr := registry.NewWatcher(deps.reg, registry.DefaultDebounce, log.Named("watcher"))
		if werr != nil {
			return fmt.Errorf("creating ledger watcher: %w", werr)
		}
		if werr := watcher.Start(ctx); werr != nil {
			return fmt.Errorf("starting ledger watcher: %w", werr)
		}
		defer watcher.Stop()
		go syncOnReload(ctx, watcher, deps.retriever, log)

		logger.Info(ctx, "ledger watcher started", zap.String("dir", cfg.Registry.Path))
	}

	var workerErrors chan error
	if cfg.Temporal.Enabled {
		c, derr := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if derr != nil {
			return fmt.Errorf("connecting to temporal at %s: %w", cfg.Temporal.HostPort, derr)
		}
		defer c.Close()

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
		contract.Register(w, activities)

		workerErrors = make(chan error, 1)
		go func() { workerErrors <- w.Run(worker.InterruptCh()) }()

		logger.Info(ctx, "temporal worker started",
			zap.String("host", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
	)

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Start(ctx) }()

	// Receiving on a nil channel blocks forever, so without a worker
	// the select waits on the server alone.
	select {
	case werr := <-workerErrors:
		if werr != nil {
			return fmt.Errorf("temporal worker: %w", werr)
		}
		// Worker stopped on interrupt; wait out the server shutdown.
		if serr := <-serverErrors; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
	case serr := <-serverErrors:
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
	}

	logger.Info(ctx, "shutdown complete")
	return nil
}

// telemetryConfig derives the OTLP exporter configuration from the
// environment. Disabled unless OTEL_ENABLE is set.
func telemetryConfig() *telemetry.Config {
	cfg := telemetry.NewDefaultConfig()
	cfg.ServiceVersion = version
	if v := os.Getenv("OTEL_ENABLE"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.Endpoint = ep
		// Remote collectors require TLS; only local ones may skip it.
		cfg.Insecure = strings.HasPrefix(ep, "localhost") || strings.HasPrefix(ep, "127.")
	}
	return cfg
}

// dependencies holds the daemon's infrastructure collaborators.
type dependencies struct {
	store     blob.Store
	reg       *registry.Registry
	embedder  embeddings.Provider
	index     vectorindex.Index
	retriever *retrieval.Retriever
	hub       *gate.Hub
	nats      *nats.Conn
	natsSrv   *natsserver.Server
}

// Close releases infrastructure resources in reverse dependency order.
func (d *dependencies) Close() {
	if d.nats != nil {
		d.nats.Close()
	}
	if d.natsSrv != nil {
		d.natsSrv.Shutdown()
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.reg != nil {
		_ = d.reg.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initDependencies opens storage, the retrieval stack, the confirmation
// hub, and the event bus. On failure every resource opened so far is
// released.
func initDependencies(cfg *config.Config, log *zap.Logger) (*dependencies, error) {
	d := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	store, err := blob.NewFileStore(cfg.Blob.Path, log.Named("blob"))
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	d.store = store

	detector, err := scanner.NewGitleaksDetector()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	scanCfg := scanner.DefaultConfig()
	if cfg.Scanner.SandboxThreshold > 0 {
		scanCfg.SandboxThreshold = cfg.Scanner.SandboxThreshold
	}
	scan, err := scanner.New(scanCfg, detector, log.Named("scanner"))
	if err != nil {
		return nil, fmt.Errorf("creating content scanner: %w", err)
	}

	d.reg, err = registry.New(registry.Config{
		Dir:              cfg.Registry.Path,
		SandboxThreshold: cfg.Scanner.SandboxThreshold,
	}, store, scan, log.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	d.embedder, err = embeddings.NewProvider(embeddings.ProviderConfig{
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

	d.index, err = vectorindex.New(cfg, d.embedder, log.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	d.retriever, err = retrieval.New(retrieval.Config{
		MinQualityScore: cfg.Scanner.SandboxThreshold,
	}, d.index, d.reg, log.Named("retrieval"))
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	d.hub = gate.NewHub(log.Named("gate"))

	if cfg.Events.Enabled {
		if err := d.connectBus(cfg, log); err != nil {
			return nil, err
		}
	}

	ok = true
	return d, nil
}

// connectBus starts the embedded NATS server when configured, then
// connects the publishing side. Unlike the CLI, the daemon treats a
// dead bus as fatal: the SSE endpoint depends on it.
func (d *dependencies) connectBus(cfg *config.Config, log *zap.Logger) error {
	busURL := cfg.Events.URL
	if cfg.Events.Embedded {
		host, port := splitNATSAddr(cfg.Events.URL)
		srv, err := events.StartEmbedded(host, port)
		if err != nil {
			return fmt.Errorf("starting embedded nats server: %w", err)
		}
		d.natsSrv = srv
		busURL = srv.ClientURL()
		log.Info("embedded nats server started", zap.String("url", busURL))
	}

	nc, err := events.Connect(busURL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	d.nats = nc
	return nil
}

// splitNATSAddr extracts host and port from a NATS URL for the
// embedded server listener.
func splitNATSAddr(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "127.0.0.1", 4222
	}
	port := 4222
	if p := u.Port(); p != "" {
		if n, perr := strconv.Atoi(p); perr == nil {
			port = n
		}
	}
	return u.Hostname(), port
}

// initPipeline assembles the provider set shared by the HTTP runner and
// the Temporal worker. Long-lived collaborators pin the deploy key of
// the configured default network; per-run network overrides still pick
// their own RPC endpoint.
func initPipeline(ctx context.Context, cfg *config.Config, d *dependencies, log *zap.Logger) (*pipeline.Pipeline, *contract.Activities, error) {
	var generator providers.Generator
	switch cfg.Generator.Provider {
	case "", "template":
		generator = providers.TemplateGenerator{}
	case "openai":
		llm, err := providers.NewLLMGenerator(providers.LLMConfig{
			BaseURL:     cfg.Generator.BaseURL,
			Model:       cfg.Generator.Model,
			APIKey:      cfg.Generator.APIKey.Value(),
			Temperature: cfg.Generator.Temperature,
			RateLimit:   cfg.Generator.RateLimit,
			Burst:       cfg.Generator.Burst,
		}, log.Named("generator"))
		if err != nil {
			return nil, nil, err
		}
		generator = llm
	default:
		return nil, nil, fmt.Errorf("unknown generator provider %q", cfg.Generator.Provider)
	}

	rpcs := make(map[string]string, len(cfg.Deployer.Networks))
	var deployKey config.Secret
	for name, net := range cfg.Deployer.Networks {
		rpcs[name] = net.RPCURL
		if name == cfg.Pipeline.Network {
			deployKey = net.DeployKey
		}
	}
	fc := providers.ForgeConfig{
		Binary:     cfg.Deployer.Command,
		WorkDir:    filepath.Dir(cfg.Toolchain.ManifestPath),
		RPCURLs:    rpcs,
		PrivateKey: deployKey,
	}

	var deployer providers.Deployer = providers.SimDeployer{}
	if !cfg.Deployer.Simulate {
		deployer = providers.NewForgeDeployer(fc, log.Named("deployer"))
	}

	testerCfg := fc
	if cfg.Tester.Command != "" {
		testerCfg.Binary = cfg.Tester.Command
	}

	var manifest *toolchain.Manifest
	if _, serr := os.Stat(cfg.Toolchain.ManifestPath); serr == nil {
		m, err := toolchain.LoadManifest(cfg.Toolchain.ManifestPath)
		if err != nil {
			return nil, nil, err
		}
		manifest = m
	}

	resolver, err := toolchain.NewResolver(toolchain.Config{
		LibDir:       cfg.Toolchain.LibDir,
		FetchTimeout: cfg.Toolchain.FetchTimeout.Duration(),
	},
		&toolchain.ForgeInstaller{Binary: cfg.Deployer.Command, WorkDir: fc.WorkDir},
		toolchain.GitFetcher{},
		toolchain.NewGitHubTagResolver(ctx, cfg.Toolchain.GitHubToken, log.Named("toolchain")),
		log.Named("toolchain"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating toolchain resolver: %w", err)
	}

	var sink pipeline.EventSink
	if d.nats != nil {
		sink = events.NewPublisher(d.nats, log.Named("events"))
	}

	deps := pipeline.Deps{
		Generator: generator,
		Auditor:   providers.NewSlitherAuditor(cfg.Auditor.Command, log.Named("auditor")),
		Deployer:  deployer,
		Verifier:  providers.NewForgeVerifier(fc, log.Named("verifier")),
		Tester:    providers.NewForgeTester(testerCfg, log.Named("tester")),
		Toolchain: resolver,
		Manifest:  manifest,
		Retriever: d.retriever,
		Gate:      gate.New(d.hub, log.Named("gate")),
		Archiver:  d.reg,
		Events:    sink,
	}

	pipe, err := pipeline.New(cfg.Pipeline, deps, log.Named("pipeline"))
	if err != nil {
		return nil, nil, err
	}
	activities, err := contract.NewActivities(deps, log.Named("activities"))
	if err != nil {
		return nil, nil, err
	}
	return pipe, activities, nil
}

// indexTimeout bounds post-run artifact indexing.
const indexTimeout = 30 * time.Second

// syncTimeout bounds a full index resynchronization after a ledger
// reload.
const syncTimeout = 2 * time.Minute

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

// syncOnReload resynchronizes the vector index after out-of-band
// ledger changes, so moderation re-scores take effect in retrieval.
func syncOnReload(ctx context.Context, w *registry.Watcher, retriever *retrieval.Retriever, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-w.Reloads():
			if !open {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, syncTimeout)
			if err := retriever.Sync(sctx); err != nil {
				log.Warn("index sync after ledger reload failed", zap.Error(err))
			}
			cancel()
		}
	}
}
