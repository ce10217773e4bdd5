package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	statePath   string
	verbose     bool
	jsonOutput  bool
	metricsAddr string

	buildVersion = "dev"
)

// ExitError carries a non-zero process exit status for a command that
// otherwise completed.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Reason)
}

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	buildVersion = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "specflow",
		Short: "specflow - roadmap to implementation orchestrator",
		Long: `specflow drives the items of a product roadmap through shaping, spec writing,
task breakdown, implementation and verification by dispatching sessions to an
agent process.

Features:
  - Dependency-aware scheduling with per-phase gates
  - Bounded parallel batches with retries and resumable state
  - Alignment checkpoints that detect drift between specs and tasks
  - Policy-based drift classification with human decisions on high severity
  - SQLite state, Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (overrides statePath)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSpecCommand())
	rootCmd.AddCommand(newAlignCommand())
	rootCmd.AddCommand(newImplementCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newUnblockCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
