package cmd

import (
	"fmt"
	"github.com/arcward/keabot/keabot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and migrate the database, and create the media directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				envPrefix(),
			)
		}
		if cfg.DatabasePath() == "" {
			return fmt.Errorf(
				"environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				envPrefix(),
			)
		}

		store, err := keabot.OpenStore(cmd.Context(), cfg, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("error initializing store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database: %s (%s)\n", cfg.DatabasePath(), cfg.DatabaseType)
		fmt.Fprintf(out, "Media directory: %s\n", store.Media.Dir())
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
