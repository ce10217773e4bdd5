package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/engine"
)

func newDecideCommand() *cobra.Command {
	var (
		approve bool
		reject  bool
		modify  string
	)

	cmd := &cobra.Command{
		Use:   "decide <event-id>",
		Short: "Decide a pending drift event",
		Long: `Record a decision on a high or critical drift event and apply it.

Approving applies the recommended resolution; items that already moved past
the phase the drift was found in go back to revise it. Modifying records
your alternative and sends the items back the same way. Rejecting keeps
the artifacts as they are.

Pending events are listed by 'specflow status'.`,
		Example: `  # Accept the recommendation
  specflow decide 0b6e1c3a-... --approve

  # Resolve differently
  specflow decide 0b6e1c3a-... --modify "keep token as bytes and encode at the API edge"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var decision engine.Decision
			switch {
			case approve:
				decision = engine.DecisionApproved
			case reject:
				decision = engine.DecisionRejected
			case modify != "":
				decision = engine.DecisionModified
			default:
				return fmt.Errorf("one of --approve, --reject or --modify is required")
			}

			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().Str("event", args[0]).Str("decision", string(decision)).Msg("Deciding drift")
			report, err := a.orch.Decide(a.ctx, args[0], decision, modify)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report %s is %s\n", report.ID, report.Status)
			if pending := report.Pending(); len(pending) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nStill pending in this report:\n")
				printEvents(cmd.OutOrStdout(), pending)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "apply the recommended resolution")
	cmd.Flags().BoolVar(&reject, "reject", false, "keep the artifacts as they are")
	cmd.Flags().StringVar(&modify, "modify", "", "resolve with this alternative")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject", "modify")

	return cmd
}
