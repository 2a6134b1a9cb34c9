package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/spf13/cobra"
)

func newArtifactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Retrieve run artifacts",
		Long: `Retrieve the artifacts a run produced: the intent snapshot, the rendered
output, the engine transcript and the plan or apply report.`,
	}

	cmd.AddCommand(newArtifactGetCommand())

	return cmd
}

func newArtifactGetCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "get RUN_ID PHASE NAME",
		Short: "Download one artifact",
		Long: `Download an artifact by phase (submit, plan, apply) and name
(intent-snapshot, rendered-output, engine-transcript, report). The content is
verified against its recorded digest while it is written.`,
		Example: `  # Print the plan report
  netintent artifact get 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11 plan report

  # Save the apply transcript
  netintent artifact get 0b6a0c3e-5f1e-4a4e-9f9b-3f0d3c1f6a11 apply engine-transcript -o apply.log`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase := orchestrator.Phase(args[1])
			if err := phase.Validate(); err != nil {
				return err
			}
			name := orchestrator.ArtifactName(args[2])
			if err := name.Validate(); err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outFile != "" && outFile != "-" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				w = f
			}

			digest, err := newClient().Artifact(cmd.Context(), args[0], phase, name, w)
			if err != nil {
				return err
			}
			if outFile != "" && outFile != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s)\n", outFile, digest)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write to a file instead of stdout")

	return cmd
}
