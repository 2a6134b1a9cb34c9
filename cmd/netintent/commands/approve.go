package commands

import (
	"fmt"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "approve RUN_ID",
		Short: "Approve a planned run for apply",
		Long: `Approve a run in awaiting_approval. The run is queued again in apply mode
and executes once its scope is free.`,
		Example: `  netintent approve 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11 --watch`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			run, err := client.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if watch {
				return followRun(cmd, client, run.ID, 0)
			}
			return printMutation(cmd, run, "approved")
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the apply until it settles")

	return cmd
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Long: `Cancel a run. Queued and awaiting_approval runs are cancelled immediately;
an executing run is stopped by its worker, which records the partial output.
Cancelling a finished run changes nothing.`,
		Example: `  netintent cancel 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			what := "cancel requested"
			if run.State.IsTerminal() {
				what = "settled"
			}
			return printMutation(cmd, run, what)
		},
	}

	return cmd
}

func printMutation(cmd *cobra.Command, run *orchestrator.Run, what string) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (state %s)\n", run.ID, what, run.State)
	return nil
}
