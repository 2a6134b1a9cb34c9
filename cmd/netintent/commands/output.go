package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printRuns(w io.Writer, runs []*orchestrator.Run) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tMODE\tSCOPE\tSTATE\tCREATED\tFAILURE")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Mode, run.Scope, run.State,
			run.CreatedAt.Local().Format(time.DateTime), failureText(run.Failure))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *orchestrator.Run) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "ID:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Mode:\t%s\n", run.Mode)
	fmt.Fprintf(tw, "Scope:\t%s\n", run.Scope)
	fmt.Fprintf(tw, "Template set:\t%s\n", run.TemplateSet)
	if len(run.Tags) > 0 {
		fmt.Fprintf(tw, "Tags:\t%s\n", strings.Join(run.Tags, ","))
	}
	fmt.Fprintf(tw, "State:\t%s\n", run.State)
	fmt.Fprintf(tw, "Intent digest:\t%s\n", run.IntentDigest)
	if run.Failure != nil {
		fmt.Fprintf(tw, "Failure:\t%s\n", failureText(run.Failure))
	}
	if run.ExitCode != nil {
		fmt.Fprintf(tw, "Exit code:\t%d\n", *run.ExitCode)
	}
	if run.ClaimedBy != "" {
		fmt.Fprintf(tw, "Claimed by:\t%s\n", run.ClaimedBy)
	}
	if run.SubmittedBy != "" {
		fmt.Fprintf(tw, "Submitted by:\t%s\n", run.SubmittedBy)
	}
	if run.ApprovedBy != "" {
		fmt.Fprintf(tw, "Approved by:\t%s\n", run.ApprovedBy)
	}
	if run.CancelRequested && !run.State.IsTerminal() {
		fmt.Fprintf(tw, "Cancel requested:\tyes\n")
	}
	fmt.Fprintf(tw, "Created:\t%s\n", run.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", run.UpdatedAt.Local().Format(time.RFC3339))
	return tw.Flush()
}

func printEvent(w io.Writer, ev orchestrator.ExecutionEvent) {
	payload := strings.TrimRight(ev.Payload, "\n")
	fmt.Fprintf(w, "%s [%s/%s] %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Phase, ev.Stream, payload)
}

func failureText(f *orchestrator.Failure) string {
	if f == nil {
		return ""
	}
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}
