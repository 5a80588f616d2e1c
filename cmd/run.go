package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/keabot/keabot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects to discord and starts handling events (and the API, if enabled)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Discord.LoadToken(); err != nil {
			return err
		}
		if cfg.Discord.Token == "" {
			return errors.New(
				"no discord token set (set KB_DISCORD_TOKEN, DISCORD_TOKEN or KB_DISCORD_TOKEN_FILE)",
			)
		}

		bot, err := keabot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating keabot: %w", err)
		}
		defer func() {
			_ = bot.Close()
		}()

		if err = bot.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running keabot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
