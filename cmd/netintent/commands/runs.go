package commands

import (
	"fmt"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the status of a run",
		Long: `Show a run with its artifacts and committed state transitions.`,
		Example: `  netintent status 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11
  netintent status 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := newClient().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, view)
			}

			if err := printRun(out, view.Run); err != nil {
				return err
			}
			if len(view.Artifacts) > 0 {
				fmt.Fprintln(out, "\nArtifacts:")
				tw := newTable(out)
				for _, a := range view.Artifacts {
					fmt.Fprintf(tw, "  %s/%s\t%d bytes\t%s\n", a.Phase, a.Name, a.Size, a.Digest)
				}
				tw.Flush()
			}
			if len(view.Transitions) > 0 {
				fmt.Fprintln(out, "\nTransitions:")
				tw := newTable(out)
				for _, t := range view.Transitions {
					from := string(t.From)
					if from == "" {
						from = "-"
					}
					fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\t%s\n", t.At.Local().Format("15:04:05"), from, t.To, t.Reason, t.Actor)
				}
				tw.Flush()
			}
			return nil
		},
	}

	return cmd
}

func newRunsCommand() *cobra.Command {
	var (
		scope string
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Long: `List runs, newest first, optionally filtered by scope and state.`,
		Example: `  # Runs waiting for review
  netintent runs --state awaiting_approval

  # The last five runs of the prod scope
  netintent runs --scope prod --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient().ListRuns(cmd.Context(), orchestrator.RunFilter{
				Scope: scope,
				State: orchestrator.RunState(state),
				Limit: limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "only runs of this scope")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")

	return cmd
}
