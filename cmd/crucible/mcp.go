// Package main implements the MCP stdio serve command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpCmd serves lifecycle tools over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the lifecycle over the Model Context Protocol",
	Long: `Serve contract lifecycle tools over MCP on stdin/stdout for agent
integration: run a prompt, search and fetch artifacts, list and answer
pending gate confirmations.

Stdout carries the protocol stream; logs go to stderr. A run that hits
the gate suspends until the client answers through the confirmation
tool.

Examples:
  # Register with an MCP-capable client
  crucible mcp

  # Verbose protocol logging on stderr
  crucible --verbose mcp`,
	RunE: runMCPServe,
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	sr, err := openSearcher(cfg, st.reg, log)
	if err != nil {
		return err
	}
	defer sr.Close()

	sink, closeEvents := connectEvents(cfg, log)
	defer closeEvents()

	// Confirmations resolve through the hub so the client answers them
	// as tool calls instead of a terminal prompt.
	hub := gate.NewHub(log.Named("gate"))

	p, err := buildPipeline(ctx, cfg, cfg.Pipeline.Network, sr.retriever, hub, sink, st, log)
	if err != nil {
		return err
	}
	runner := &indexingRunner{pipeline: p, retriever: sr.retriever, logger: log}

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "crucible",
		Version: version,
		Logger:  log.Named("mcp"),
	}, runner, st.reg, sr.retriever, hub)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "crucible mcp server on stdio")
	return srv.Run(ctx)
}
