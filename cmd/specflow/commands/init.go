package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/config"
)

const defaultConfig = `# specflow configuration

# Agent started once per session. It speaks the JSON-lines session protocol
# on stdin/stdout.
agent:
  command: %s
  args: []
  model: ""
  allowedCapabilities: [read, write]

maxConcurrency: 4
retryAttempts: 3
sessionTimeoutMs: 1800000

checkpointsEnabled:
  afterSpecAlignment: true
  afterTaskAlignment: true
  onHighSeverityDrift: true

# subgraph halts only items affected by undecided drift; global halts all.
haltScope: subgraph

statePath: %s
roadmapPath: %s
workingDir: .

# Per-phase overrides, e.g.
# gates:
#   write-spec:
#     dependencyThreshold: specced
#     mode: parallel

# Rego modules overriding drift classification.
policyPaths: []

logging:
  level: info
  format: console
`

const exampleRoadmap = `version: 1
items:
  - id: auth
    title: Authentication
    priority: 10
    tags: [security]
  - id: billing
    title: Billing
    dependencies: [auth]
  - id: reports
    title: Reports
    dependencies: [billing]
`

func newInitCommand() *cobra.Command {
	var (
		agentCommand string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a specflow workspace",
		Long: `Initialize a workspace with a configuration file, an example roadmap and
an empty state database.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  specflow init --agent my-agent

  # Initialize with a custom config path
  specflow init --agent my-agent --config ./ci/specflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if statePath != "" {
				cfg.StatePath = statePath
			}
			path := configPath
			if path == "" {
				path = "specflow.yaml"
			}

			log.Info().
				Str("config", path).
				Str("state", cfg.StatePath).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			content := fmt.Sprintf(defaultConfig, agentCommand, cfg.StatePath, cfg.RoadmapPath)
			if err := writeFile(path, content, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			if err := writeFile(cfg.RoadmapPath, exampleRoadmap, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created example roadmap: %s\n", cfg.RoadmapPath)

			store, err := openStore(context.WithoutCancel(cmd.Context()), cfg.StatePath)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", cfg.StatePath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Edit %s\n", cfg.RoadmapPath)
			fmt.Fprintf(out, "  2. specflow plan\n")
			fmt.Fprintf(out, "  3. specflow execute\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&agentCommand, "agent", "specflow-agent", "agent command started per session")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")

	return cmd
}

// writeFile creates path with content. An existing file is kept unless force
// is set.
func writeFile(path, content string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			log.Info().Str("path", path).Msg("Keeping existing file")
			return nil
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
