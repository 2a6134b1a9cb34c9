package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/netintent/netintent/pkg/control"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/spf13/cobra"
)

// DefaultServer is the Control API address used when neither --server nor
// NETINTENT_SERVER is set.
const DefaultServer = "http://127.0.0.1:8080"

var (
	// Global flags
	configPath string
	serverURL  string
	actor      string
	jsonOutput bool
)

// errRunUnsuccessful is returned when a watched run ends failed or cancelled.
var errRunUnsuccessful = errors.New("run did not succeed")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errRunUnsuccessful):
		return 3
	case orchestrator.IsValidation(err), orchestrator.IsPreconditionFailed(err):
		return 2
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netintent",
		Short: "NetIntent - network intent run orchestration",
		Long: `NetIntent turns declarative network intents into audited automation runs.

An intent is submitted for a scope (an inventory environment). Plan runs
execute the automation engine in check mode and stop for review; approving a
plan queues its apply. At most one run executes per scope at a time.

Run 'netintent serve' to start the Control API and scheduler. The other
commands talk to a running server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("NETINTENT_SERVER")
	if defaultServer == "" {
		defaultServer = DefaultServer
	}
	defaultActor := os.Getenv("NETINTENT_ACTOR")
	if defaultActor == "" {
		defaultActor = os.Getenv("USER")
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "server config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "Control API base URL")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor, "actor recorded in the audit log")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newArtifactCommand())

	return rootCmd
}

func newClient() *control.Client {
	return control.NewClient(serverURL, actor)
}
