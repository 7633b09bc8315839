package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/registry"
	"github.com/fyrsmithlabs/crucible/internal/retrieval"
	"github.com/fyrsmithlabs/crucible/internal/tui"
)

var (
	runID              string
	runNetwork         string
	runAllowInsecure   bool
	runRAGScope        string
	runUploadScope     string
	runTestOnly        bool
	runConstructorArgs []string
	runOutput          string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runID, "id", "", "workflow id (generated when empty)")
	runCmd.Flags().StringVar(&runNetwork, "network", "", "target network (default from config)")
	runCmd.Flags().BoolVar(&runAllowInsecure, "allow-insecure", false, "proceed past high-severity findings without confirmation")
	runCmd.Flags().StringVar(&runRAGScope, "rag-scope", "", "retrieval scope: official-only or opt-in-community")
	runCmd.Flags().StringVar(&runUploadScope, "upload-scope", "", "artifact scope: team or community")
	runCmd.Flags().BoolVar(&runTestOnly, "test-only", false, "skip deployment, still audit and test")
	runCmd.Flags().StringArrayVar(&runConstructorArgs, "constructor-arg", nil, "constructor argument (repeatable)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format: text or json")
}

// runCmd drives one prompt through the lifecycle
var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a prompt through the contract lifecycle",
	Long: `Run a natural-language prompt through the full lifecycle: preflight,
generate, audit, gate, deploy, verify, test.

The prompt is the command arguments joined, or read from stdin when the
single argument is "-". High-severity findings suspend the run at the
gate: on a terminal an interactive prompt opens, otherwise the answer
is read line-wise from stdin and EOF declines.

Exit codes: 0 when the run reaches DONE, 2 when it is cancelled at the
gate, 1 otherwise.

Examples:
  # Offline end to end with the default template generator
  crucible run "an ERC20 token called Flux"

  # Target a configured network without deploying
  crucible run --network sepolia --test-only "a vault named SafeKeep"

  # Accept high-severity findings up front
  crucible run --allow-insecure "an escrow with owner withdrawal"

  # Machine-readable result
  crucible run -o json "a counter" | jq .status`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := cliLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.Underlying()

	opts, err := runOptions(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *pipeline.Result
	if cfg.Temporal.Enabled {
		res, err = runDurable(ctx, cfg, log, prompt, opts)
	} else {
		res, err = runLocal(ctx, cfg, log, prompt, opts)
	}
	if res == nil {
		return err
	}

	if err := printResult(res); err != nil {
		return err
	}
	exitCode = res.ExitCode()
	return nil
}

// runOptions assembles per-run options from flags, validating scope
// values up front so mistakes fail before any work starts.
func runOptions(cfg *config.Config) (pipeline.Options, error) {
	opts := pipeline.Options{
		ID:              runID,
		Network:         resolveNetwork(cfg, runNetwork),
		AllowInsecure:   runAllowInsecure,
		TestOnly:        runTestOnly,
		ConstructorArgs: runConstructorArgs,
	}
	if runRAGScope != "" {
		mode, err := retrieval.ParseScopeMode(runRAGScope)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.RAGScope = mode
	}
	if runUploadScope != "" {
		scope, err := registry.ParseScope(runUploadScope)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.UploadScope = scope
	}
	return opts, nil
}

// runLocal executes the pipeline in this process.
func runLocal(ctx context.Context, cfg *config.Config, log *zap.Logger, prompt string, opts pipeline.Options) (*pipeline.Result, error) {
	st, err := openStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	sr, err := openSearcher(cfg, st.reg, log)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	sink, closeEvents := connectEvents(cfg, log)
	defer closeEvents()

	p, err := buildPipeline(ctx, cfg, opts.Network, sr.retriever, pickConfirmer(), sink, st, log)
	if err != nil {
		return nil, err
	}
	p.OnProgress(printProgress)

	runner := &indexingRunner{pipeline: p, retriever: sr.retriever, logger: log}
	return runner.Run(ctx, prompt, opts)
}

// pickConfirmer chooses how gate confirmations reach the operator: a
// full-screen prompt when attached to a terminal, line-wise stdin
// otherwise.
func pickConfirmer() gate.Confirmer {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return &tui.Confirmer{}
	}
	return &gate.ReaderConfirmer{R: os.Stdin, W: os.Stderr}
}

// printProgress writes stage transitions to stderr as they happen.
func printProgress(p pipeline.StageProgress) {
	line := fmt.Sprintf("%-9s %s", p.Stage, p.Status)
	if p.Message != "" {
		line += ": " + p.Message
	}
	fmt.Fprintln(os.Stderr, line)
}

// readPrompt extracts the prompt from arguments, or stdin for "-".
func readPrompt(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			return "", errors.New("empty prompt on stdin")
		}
		return prompt, nil
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return "", errors.New(`prompt required (pass text, or "-" to read stdin)`)
	}
	return prompt, nil
}

// printResult renders the terminal result to stdout.
func printResult(res *pipeline.Result) error {
	if runOutput == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(tui.RenderResult(res))
	return nil
}
