package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/netintent/netintent/pkg/control"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		after int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Print the engine output of a run",
		Long: `Print the recorded execution events of a run in order. Use --after with the
last event id seen to page through long transcripts.`,
		Example: `  netintent events 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11
  netintent events 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11 --after 1200 --limit 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient().Events(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}
			for _, ev := range events {
				printEvent(out, ev)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "only events with an id above this cursor")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of events")

	return cmd
}

func newWatchCommand() *cobra.Command {
	var after int64

	cmd := &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Follow a run until it settles",
		Long: `Stream the engine output and state changes of a run until it reaches
awaiting_approval or a terminal state. The exit status is 3 when the run
failed or was cancelled.`,
		Example: `  netintent watch 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return followRun(cmd, newClient(), args[0], after)
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "skip events up to this id")

	return cmd
}

var errStopWatching = errors.New("stop watching")

// followRun streams a run over the watch socket. It returns when the run is
// terminal, or after the plan phase when the run waits for approval.
func followRun(cmd *cobra.Command, client *control.Client, runID string, after int64) error {
	out := cmd.OutOrStdout()
	var final orchestrator.RunState

	err := client.Watch(cmd.Context(), runID, after, func(frame control.WatchFrame) error {
		if jsonOutput {
			if err := printJSON(out, frame); err != nil {
				return err
			}
		}

		switch frame.Type {
		case "event":
			var ev orchestrator.ExecutionEvent
			if err := json.Unmarshal(frame.Data, &ev); err != nil {
				return fmt.Errorf("failed to decode event frame: %w", err)
			}
			if !jsonOutput {
				printEvent(out, ev)
			}
		case "run":
			var run orchestrator.Run
			if err := json.Unmarshal(frame.Data, &run); err != nil {
				return fmt.Errorf("failed to decode run frame: %w", err)
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "==> %s is %s\n", run.ID, run.State)
			}
			if run.State == orchestrator.StateAwaitingApproval {
				final = run.State
				return errStopWatching
			}
		case "status":
			var status struct {
				State   orchestrator.RunState `json:"state"`
				Failure *orchestrator.Failure `json:"failure"`
			}
			if err := json.Unmarshal(frame.Data, &status); err != nil {
				return fmt.Errorf("failed to decode status frame: %w", err)
			}
			final = status.State
			if status.Failure != nil && !jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "==> %s\n", failureText(status.Failure))
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWatching) {
		return err
	}

	switch final {
	case orchestrator.StateAwaitingApproval:
		fmt.Fprintf(cmd.ErrOrStderr(), "Plan ready. Review it, then run: netintent approve %s\n", runID)
	case orchestrator.StateFailed, orchestrator.StateCancelled:
		return fmt.Errorf("run %s %s: %w", runID, final, errRunUnsuccessful)
	}
	return nil
}
