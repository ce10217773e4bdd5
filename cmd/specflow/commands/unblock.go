package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnblockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <id>...",
		Short: "Return blocked items to the lifecycle",
		Long: `Move blocked items back to the status they held before they were blocked,
so the next run dispatches them again.`,
		Example: `  specflow unblock auth billing`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.orch.Unblock(a.ctx, args)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string][]string{"unblocked": ids})
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No blocked items among the given IDs")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", id)
			}
			return nil
		},
	}
	return cmd
}
