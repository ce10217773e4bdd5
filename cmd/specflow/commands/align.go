package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/engine"
)

func newAlignCommand() *cobra.Command {
	var (
		specs       bool
		tasks       bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Run an alignment checkpoint",
		Long: `Compare the written specs or created tasks of every item and report drift.

Low and medium severity drift is resolved automatically. High and critical
drift halts the affected items and their dependents until decided, either
interactively or later with 'specflow decide'.`,
		Example: `  # Check written specs against each other
  specflow align --specs

  # Check task breakdowns and decide halting drift right away
  specflow align --tasks --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specs == tasks {
				return fmt.Errorf("exactly one of --specs or --tasks is required")
			}
			phase := engine.PhaseWriteSpec
			if tasks {
				phase = engine.PhaseCreateTasks
			}

			a, err := newApp(cmd, appOptions{interactive: interactive})
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().Str("phase", string(phase)).Msg("Aligning")
			res, err := a.orch.Align(a.ctx, phase)
			return a.finish(cmd, res, err)
		},
	}

	cmd.Flags().BoolVar(&specs, "specs", false, "align written specs")
	cmd.Flags().BoolVar(&tasks, "tasks", false, "align created tasks")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "prompt for decisions on halting drift")
	cmd.MarkFlagsMutuallyExclusive("specs", "tasks")

	return cmd
}
