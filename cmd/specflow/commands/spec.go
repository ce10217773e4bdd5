package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSpecCommand() *cobra.Command {
	var (
		items    []string
		parallel bool
	)

	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Shape and write specs for selected items",
		Long: `Run the shape and write-spec phases for the given items.

Items only start once their dependencies have reached the gate threshold of
each phase. Sessions run one at a time unless --parallel is given.`,
		Example: `  # Write specs for two items, one after the other
  specflow spec --items auth,billing

  # Write specs concurrently, up to maxConcurrency at a time
  specflow spec --items auth,billing,reports --parallel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(items) == 0 {
				return fmt.Errorf("--items is required")
			}
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().
				Strs("items", items).
				Bool("parallel", parallel).
				Msg("Writing specs")

			res, err := a.orch.RunSpec(a.ctx, items, parallel)
			return a.finish(cmd, res, err)
		},
	}

	cmd.Flags().StringSliceVarP(&items, "items", "i", nil, "item IDs (comma separated or repeated)")
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "dispatch both phases in parallel batches")

	return cmd
}
