// Package main implements the crucible CLI: lifecycle runs, registry
// inspection, retrieval queries, environment checks, and an MCP server
// over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/logging"
)

var (
	// configPath overrides the config file location
	configPath string
	// verbose enables debug logging
	verbose bool
	// version information (set via ldflags during build)
	version = "dev"

	// exitCode is handed to os.Exit after cobra unwinds. Run outcomes
	// land here so a cancelled run exits 2 and a failed run exits 1.
	exitCode int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// rootCmd is the base command for the crucible CLI
var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Guarded smart-contract lifecycle runner",
	Long: `crucible takes a natural-language prompt through generation, audit,
deployment, verification, and tests, archiving every artifact in a
content-addressed registry.

The default configuration runs fully offline: template generation, a
simulated deployer, and an embedded vector index under
~/.config/crucible. Point individual sections at real services in
~/.config/crucible/config.yaml as they become available.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/crucible/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
}

// loadConfig loads configuration for one command invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// cliLogger builds the command logger. Console format on stderr keeps
// stdout clean for results; warnings only unless --verbose.
func cliLogger() (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = "console"
	logCfg.Output.Stdout = false
	logCfg.Output.Stderr = true
	logCfg.Level = zapcore.WarnLevel
	if verbose {
		logCfg.Level = zapcore.DebugLevel
	}
	return logging.NewLogger(logCfg, nil)
}

// commandSetup loads configuration and builds the command logger.
func commandSetup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := cliLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Underlying(), nil
}
