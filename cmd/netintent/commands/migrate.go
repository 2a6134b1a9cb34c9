package commands

import (
	"fmt"

	"github.com/netintent/netintent/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply run store schema migrations",
		Long: `Apply pending schema migrations to the configured run store and exit.

'netintent serve' migrates on startup as well; this command is for deployments
that run migrations as a separate step.`,
		Example: `  # Migrate the database named by DATABASE_URL
  DATABASE_URL=postgres://netintent@db/netintent netintent migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{File: configPath})
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Store, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			log.Info().Str("driver", cfg.Store.Driver).Msg("Migrations applied")
			return nil
		},
	}

	return cmd
}
