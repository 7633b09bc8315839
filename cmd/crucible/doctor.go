// Package main implements the environment check command.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crucible/internal/events"
	"github.com/fyrsmithlabs/crucible/internal/toolchain"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCmd checks the local environment
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local crucible environment",
	Long: `Verify that configuration, directories, and external tools are ready
for lifecycle runs.

Hard failures exit non-zero. Warnings mark capabilities that degrade
gracefully: the audit stage reports itself skipped without slither,
runs proceed without an event broker.

Examples:
  crucible doctor`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("🔍 Checking crucible environment...")
	fmt.Println()

	failures := 0

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ configuration: %v\n", err)
		return fmt.Errorf("1 check failed")
	}
	fmt.Println("✅ configuration loaded")

	if !checkDir("registry", cfg.Registry.Path) {
		failures++
	}
	if !checkDir("blob store", cfg.Blob.Path) {
		failures++
	}
	if cfg.Index.Provider == "qdrant" {
		fmt.Printf("✅ vector index: qdrant at %s:%d\n", cfg.Index.Host, cfg.Index.Port)
	} else if !checkDir("vector index", cfg.Index.Path) {
		failures++
	}

	switch cfg.Generator.Provider {
	case "", "template":
		fmt.Println("✅ generator: built-in templates (offline)")
	case "openai":
		if !cfg.Generator.APIKey.IsSet() {
			fmt.Println("❌ generator: openai provider needs generator.api_key")
			failures++
		} else {
			fmt.Printf("✅ generator: %s\n", cfg.Generator.Model)
		}
	default:
		fmt.Printf("❌ generator: unknown provider %q\n", cfg.Generator.Provider)
		failures++
	}

	if cfg.Deployer.Simulate {
		fmt.Println("✅ deployer: simulated (no chain access)")
	} else {
		if _, err := exec.LookPath(cfg.Deployer.Command); err != nil {
			fmt.Printf("❌ deployer: %s not on PATH\n", cfg.Deployer.Command)
			failures++
		} else if net, ok := cfg.Deployer.Networks[cfg.Pipeline.Network]; !ok || net.RPCURL == "" {
			fmt.Printf("❌ deployer: no rpc_url configured for network %q\n", cfg.Pipeline.Network)
			failures++
		} else {
			fmt.Printf("✅ deployer: %s targeting %s\n", cfg.Deployer.Command, cfg.Pipeline.Network)
		}
	}

	if _, err := exec.LookPath(cfg.Auditor.Command); err != nil {
		fmt.Printf("⚠️  auditor: %s not on PATH, audit stage will be skipped\n", cfg.Auditor.Command)
	} else {
		fmt.Printf("✅ auditor: %s\n", cfg.Auditor.Command)
	}

	if _, err := os.Stat(cfg.Toolchain.ManifestPath); err == nil {
		if m, merr := toolchain.LoadManifest(cfg.Toolchain.ManifestPath); merr != nil {
			fmt.Printf("❌ manifest: %v\n", merr)
			failures++
		} else {
			fmt.Printf("✅ manifest: %d pinned dependencies\n", len(m.Dependencies))
		}
	} else {
		fmt.Printf("⚠️  manifest: no %s, preflight pins nothing\n", cfg.Toolchain.ManifestPath)
	}

	if cfg.Events.Enabled {
		nc, cerr := events.Connect(cfg.Events.URL)
		if cerr != nil || nc.Status() != nats.CONNECTED {
			fmt.Printf("⚠️  events: broker at %s not reachable, runs proceed without events\n", cfg.Events.URL)
		} else {
			fmt.Printf("✅ events: connected to %s\n", cfg.Events.URL)
		}
		if nc != nil {
			nc.Close()
		}
	}

	if cfg.Temporal.Enabled {
		fmt.Printf("✅ temporal: runs submit to %s on queue %s\n", cfg.Temporal.HostPort, cfg.Temporal.TaskQueue)
	}

	fmt.Println()
	if failures > 0 {
		return fmt.Errorf("%d checks failed", failures)
	}
	fmt.Println("🎉 environment ready")
	return nil
}

// checkDir reports a directory's state. Missing is fine, components
// create their directories on first use; anything else is a failure.
func checkDir(label, path string) bool {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		fmt.Printf("✅ %s: %s\n", label, path)
		return true
	case os.IsNotExist(err):
		fmt.Printf("⚠️  %s: %s (created on first use)\n", label, path)
		return true
	case err != nil:
		fmt.Printf("❌ %s: %v\n", label, err)
		return false
	default:
		fmt.Printf("❌ %s: %s is not a directory\n", label, path)
		return false
	}
}
