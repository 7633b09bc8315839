// Package main implements the retrieval query command.
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crucible/internal/retrieval"
)

var (
	retrieveScope       string
	retrieveShowContent bool
)

func init() {
	rootCmd.AddCommand(retrieveCmd)
	retrieveCmd.Flags().StringVar(&retrieveScope, "scope", "", "retrieval scope: official-only or opt-in-community")
	retrieveCmd.Flags().BoolVar(&retrieveShowContent, "show-content", false, "print each hit's full content")
}

// retrieveCmd queries the vector index
var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Search archived artifacts for reference context",
	Long: `Search the vector index for artifacts similar to a query. This is the
same retrieval the generate stage uses to ground its prompts.

The default scope serves team and official records only; community
records join the results with --scope opt-in-community, sandboxed ones
never do.

Examples:
  # Find prior token work
  crucible retrieve "erc20 with pausable transfers"

  # Include vetted community submissions
  crucible retrieve --scope opt-in-community "flash loan guard"

  # Dump the best matches in full
  crucible retrieve --show-content "upgradeable proxy"`,
	Args: cobra.ArbitraryArgs,
	RunE: runRetrieve,
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return errors.New("query required")
	}

	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}

	mode := retrieval.ScopeMode(cfg.Pipeline.RAGScope)
	if retrieveScope != "" {
		mode, err = retrieval.ParseScopeMode(retrieveScope)
		if err != nil {
			return err
		}
	}

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

	hits, err := sr.retriever.Retrieve(cmd.Context(), query, mode)
	if err != nil {
		return fmt.Errorf("retrieving: %w", err)
	}
	if len(hits) == 0 {
		fmt.Println("no matching artifacts")
		return nil
	}

	for i, hit := range hits {
		name := hit.Record.Name
		if name == "" {
			name = hit.Record.ID
		}
		fmt.Printf("%2d. %-28s %-12s %-10s similarity %.3f\n",
			i+1, name, hit.Record.Type, hit.Record.Scope, hit.Similarity)
		if retrieveShowContent {
			for _, line := range strings.Split(strings.TrimRight(hit.Content, "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
			fmt.Println()
		}
	}
	return nil
}
