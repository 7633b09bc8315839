// Package main implements artifact registry commands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crucible/internal/registry"
)

var (
	registryListScope    string
	registryListType     string
	registryListName     string
	registryListWorkflow string
	registryGetContent   bool
	registryModScore     float64
	registryModNote      string
)

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryGetCmd)
	registryCmd.AddCommand(registryStatsCmd)
	registryCmd.AddCommand(registryModerateCmd)
	registryCmd.AddCommand(registrySyncCmd)

	registryListCmd.Flags().StringVar(&registryListScope, "scope", "", "restrict to one scope: team or community")
	registryListCmd.Flags().StringVar(&registryListType, "type", "", "restrict to one artifact type")
	registryListCmd.Flags().StringVar(&registryListName, "name", "", "restrict by shell glob on the record name")
	registryListCmd.Flags().StringVar(&registryListWorkflow, "workflow", "", "restrict to records from one workflow run")

	registryGetCmd.Flags().BoolVar(&registryGetContent, "content", false, "write the raw artifact content to stdout")

	registryModerateCmd.Flags().Float64Var(&registryModScore, "score", 0, "new quality score in [0,1]")
	registryModerateCmd.Flags().StringVar(&registryModNote, "note", "", "moderation note recorded on the new version")
	_ = registryModerateCmd.MarkFlagRequired("score")
}

// registryCmd groups artifact registry operations
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and moderate the artifact registry",
	Long: `Inspect and moderate the content-addressed artifact registry.

Every run archives its source, audit report, deployment record, and
test report. Team records come from this project's runs; community
records are opt-in submissions, quality-scored and sandboxed below the
configured threshold.

Examples:
  # Everything, newest runs included
  crucible registry list

  # Community sources only
  crucible registry list --scope community --type source

  # One record, then its raw content
  crucible registry get 6f1c...
  crucible registry get 6f1c... --content > Token.sol

  # Rescore a community submission
  crucible registry moderate 6f1c... --score 0.9 --note "reviewed"`,
}

// registryListCmd lists records
var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registry records",
	RunE:  runRegistryList,
}

// registryGetCmd shows one record
var registryGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one record, or its raw content",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryGet,
}

// registryStatsCmd prints per-scope counters
var registryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-scope record counts",
	RunE:  runRegistryStats,
}

// registryModerateCmd rescores a record
var registryModerateCmd = &cobra.Command{
	Use:   "moderate [id]",
	Short: "Rescore a record, sandboxing or releasing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryModerate,
}

// registrySyncCmd reindexes the vector index
var registrySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rebuild the vector index from the registry",
	RunE:  runRegistrySync,
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	scopes := registry.AllScopes()
	if registryListScope != "" {
		scope, err := registry.ParseScope(registryListScope)
		if err != nil {
			return err
		}
		scopes = []registry.Scope{scope}
	}
	filter := registry.ListFilter{
		Type:       registry.ArtifactType(registryListType),
		NameGlob:   registryListName,
		WorkflowID: registryListWorkflow,
	}

	total := 0
	for _, scope := range scopes {
		recs, err := st.reg.List(ctx, scope, filter)
		if err != nil {
			return fmt.Errorf("listing %s records: %w", scope, err)
		}
		for _, rec := range recs {
			flags := ""
			if rec.Flags.Sandboxed {
				flags = "  [sandboxed]"
			}
			fmt.Printf("%-36s  %-9s  %-12s  %-24s  %.2f  %s%s\n",
				rec.ID, rec.Scope, rec.Type, rec.Name, rec.QualityScore,
				rec.CreatedAt.Format(time.RFC3339), flags)
		}
		total += len(recs)
	}
	if total == 0 {
		fmt.Println("no records")
	}
	return nil
}

func runRegistryGet(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()

	if registryGetContent {
		content, _, err := st.reg.Content(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(content)
		return err
	}

	rec, err := st.reg.Get(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("ID:          %s\n", rec.ID)
	fmt.Printf("Content ID:  %s\n", rec.ContentID)
	fmt.Printf("Scope:       %s\n", rec.Scope)
	fmt.Printf("Type:        %s\n", rec.Type)
	if rec.Name != "" {
		fmt.Printf("Name:        %s\n", rec.Name)
	}
	if rec.WorkflowID != "" {
		fmt.Printf("Workflow:    %s\n", rec.WorkflowID)
	}
	fmt.Printf("Score:       %.2f\n", rec.QualityScore)
	fmt.Printf("Sandboxed:   %v\n", rec.Flags.Sandboxed)
	fmt.Printf("Version:     %d\n", rec.Version)
	fmt.Printf("Created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	for k, v := range rec.Metadata {
		fmt.Printf("Meta %s: %s\n", k, v)
	}
	return nil
}

func runRegistryStats(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	stats := st.reg.Stats()
	for _, scope := range registry.AllScopes() {
		s := stats[scope]
		fmt.Printf("%-10s %d records, %d sandboxed\n", scope, s.Records, s.Sandboxed)
	}
	return nil
}

func runRegistryModerate(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.reg.Moderate(cmd.Context(), args[0], registryModScore, registryModNote)
	if err != nil {
		return err
	}
	fmt.Printf("record %s rescored to %.2f (sandboxed=%v, version %d)\n",
		rec.ID, rec.QualityScore, rec.Flags.Sandboxed, rec.Version)
	return nil
}

func runRegistrySync(cmd *cobra.Command, args []string) error {
	cfg, log, err := commandSetup()
	if err != nil {
		return err
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

	if err := sr.retriever.Sync(cmd.Context()); err != nil {
		return fmt.Errorf("synchronizing index: %w", err)
	}
	fmt.Println("vector index synchronized with registry")
	return nil
}
