package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/orchestrator"
)

func newExecuteCommand() *cobra.Command {
	var (
		specOnly     bool
		checkpointAt string
		interactive  bool
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run the full lifecycle for every item",
		Long: `Drive every active item from its current status to completed.

The run proceeds in rounds: each round dispatches the ready items of every
phase in lifecycle order and runs the configured alignment checkpoints.
Rounds repeat until nothing moves. An interrupted run resumes where it
stopped.

Exit status:
  0  every item progressed as far as it could
  1  the run aborted
  2  high or critical drift awaits a decision
  3  items were left blocked`,
		Example: `  # Run everything
  specflow execute

  # Stop before implementation
  specflow execute --spec-only

  # Stop after the spec checkpoint for review
  specflow execute --checkpoint-at write-spec

  # Answer agent questions and drift decisions on the terminal
  specflow execute --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := orchestrator.ExecuteOptions{SpecOnly: specOnly}
			if checkpointAt != "" {
				phase, err := parsePhase(checkpointAt)
				if err != nil {
					return err
				}
				opts.CheckpointAt = phase
			}

			a, err := newApp(cmd, appOptions{interactive: interactive})
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().
				Bool("spec_only", specOnly).
				Str("checkpoint_at", checkpointAt).
				Bool("interactive", interactive).
				Int("max_concurrency", a.cfg.MaxConcurrency).
				Msg("Executing roadmap")

			res, err := a.orch.Execute(a.ctx, opts)
			return a.finish(cmd, res, err)
		},
	}

	cmd.Flags().BoolVar(&specOnly, "spec-only", false, "stop after "+string(engine.PhaseCreateTasks))
	cmd.Flags().StringVar(&checkpointAt, "checkpoint-at", "", "stop after this phase and its checkpoint")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for agent questions and drift decisions")

	return cmd
}
