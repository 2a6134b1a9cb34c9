package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/netintent/netintent/pkg/control"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// submitOptions are the flags shared by plan and apply.
type submitOptions struct {
	scope       string
	templateSet string
	format      string
	tags        []string
	watch       bool
}

func (o *submitOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.scope, "scope", "", "inventory scope to target (required)")
	cmd.Flags().StringVar(&o.templateSet, "template-set", control.DefaultTemplateSet, "template set handed to the engine")
	cmd.Flags().StringVar(&o.format, "format", "", "intent format: yaml or json (default from file extension)")
	cmd.Flags().StringSliceVar(&o.tags, "tags", nil, "engine tags narrowing the run")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "follow the run until it settles")
	cmd.MarkFlagRequired("scope")
}

func newPlanCommand() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "plan INTENT_FILE",
		Short: "Submit an intent for planning",
		Long: `Submit an intent in plan mode.

The engine runs in check mode against the scope and the run stops in
awaiting_approval with the computed diff stored as its report artifact. Review
it with 'netintent artifact get' and queue the apply with 'netintent approve'.

Use '-' to read the intent from standard input.`,
		Example: `  # Plan an intent against the lab scope and follow it
  netintent plan intent.yaml --scope lab --watch

  # Plan a JSON intent from stdin, limited to two engine tags
  cat intent.json | netintent plan - --scope prod --format json --tags vlans,acl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitIntent(cmd, args[0], orchestrator.ModePlan, opts)
		},
	}
	opts.register(cmd)

	return cmd
}

func newApplyCommand() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "apply INTENT_FILE",
		Short: "Submit an intent for direct apply",
		Long: `Submit an intent in apply mode.

An apply is only admitted when a plan of the same normalized intent was
approved for the scope. Formatting and key order do not matter. Approving a
plan run with 'netintent approve' is the usual way to apply; this command
re-applies an intent whose plan was already approved.`,
		Example: `  # Apply an approved intent and follow the run
  netintent apply intent.yaml --scope lab --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitIntent(cmd, args[0], orchestrator.ModeApply, opts)
		},
	}
	opts.register(cmd)

	return cmd
}

func submitIntent(cmd *cobra.Command, path string, mode orchestrator.Mode, opts submitOptions) error {
	intent, err := readIntent(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	format := opts.format
	if format == "" {
		format = formatFromPath(path)
	}

	log.Debug().
		Str("file", path).
		Str("format", format).
		Str("mode", string(mode)).
		Str("scope", opts.scope).
		Msg("Submitting intent")

	client := newClient()
	runID, err := client.SubmitText(cmd.Context(), intent, format, mode, opts.scope, opts.templateSet, opts.tags)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !opts.watch {
		if jsonOutput {
			return printJSON(out, control.SubmitResponse{RunID: runID})
		}
		fmt.Fprintln(out, runID)
		return nil
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Submitted run %s\n", runID)
	return followRun(cmd, client, runID, 0)
}

func readIntent(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read intent from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intent: %w", err)
	}
	return data, nil
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}
