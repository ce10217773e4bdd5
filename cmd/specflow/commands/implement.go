package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newImplementCommand() *cobra.Command {
	var (
		specs []string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "implement",
		Short: "Implement and verify tasked items",
		Long: `Run the implement and verify phases.

An item is implemented once it has been tasked and all of its dependencies
are completed.`,
		Example: `  # Implement one item
  specflow implement --spec auth

  # Implement everything that is ready
  specflow implement --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(specs) > 0) {
				return fmt.Errorf("exactly one of --spec or --all is required")
			}
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().Strs("items", specs).Bool("all", all).Msg("Implementing")
			res, err := a.orch.Implement(a.ctx, specs)
			return a.finish(cmd, res, err)
		},
	}

	cmd.Flags().StringSliceVarP(&specs, "spec", "s", nil, "item IDs to implement")
	cmd.Flags().BoolVar(&all, "all", false, "implement every ready item")
	cmd.MarkFlagsMutuallyExclusive("spec", "all")

	return cmd
}
