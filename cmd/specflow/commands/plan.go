package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/roadmap"
)

func newPlanCommand() *cobra.Command {
	var (
		roadmapFile string
		dotFile     string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Load the roadmap into the state store",
		Long: `Load the roadmap and reconcile it with the state store.

The plan:
  - Validates the dependency graph (no cycles, no unknown dependencies)
  - Creates new items in the drafting status
  - Updates titles, dependencies, priorities and tags of known items
  - Marks items that left the roadmap inactive
  - Prints the execution levels

Lifecycle status is never changed by plan.`,
		Example: `  # Load roadmap.yaml (or roadmapPath from the config)
  specflow plan

  # Load a CUE roadmap and write the dependency graph
  specflow plan --roadmap roadmap.cue --dot roadmap.dot

  # Re-plan whenever the roadmap changes
  specflow plan --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if roadmapFile == "" {
				roadmapFile = a.cfg.RoadmapPath
			}
			log.Info().
				Str("roadmap", roadmapFile).
				Str("dot", dotFile).
				Bool("watch", watch).
				Msg("Planning roadmap")

			parser := roadmap.NewParser()
			rm, err := parser.Load(roadmapFile)
			if err != nil {
				return err
			}
			if err := applyPlan(a.ctx, cmd, a, rm, dotFile); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			w := roadmap.NewWatcher(parser, a.logger, 0)
			return w.Watch(a.ctx, roadmapFile, func(rm *roadmap.Roadmap, err error) {
				if err != nil {
					a.logger.Error().Err(err).Str("roadmap", roadmapFile).Msg("Roadmap is invalid, keeping the previous plan")
					return
				}
				if err := applyPlan(a.ctx, cmd, a, rm, dotFile); err != nil {
					a.logger.Error().Err(err).Msg("Re-plan failed")
				}
			})
		},
	}

	cmd.Flags().StringVarP(&roadmapFile, "roadmap", "r", "", "roadmap file (.yaml, .json or .cue)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan when the roadmap file changes")

	return cmd
}

func applyPlan(ctx context.Context, cmd *cobra.Command, a *app, rm *roadmap.Roadmap, dotFile string) error {
	pr, err := a.orch.Plan(ctx, rm)
	if err != nil {
		return err
	}
	if dotFile != "" {
		if err := os.WriteFile(dotFile, []byte(pr.Graph.ToDOT()), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", dotFile, err)
		}
	}
	return printPlan(cmd.OutOrStdout(), pr)
}
