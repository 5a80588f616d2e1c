package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/keabot/keabot"
	"github.com/spf13/cobra"
	"os"
)

var importServerID string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import scores or images kept by older versions of the bot",
}

var importScoresCmd = &cobra.Command{
	Use:   "scores <file>",
	Short: "Import a JSON score file, overwriting the counters of every user in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("error opening score file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()

		scores, err := keabot.ParseLegacyScores(f)
		if err != nil {
			return err
		}

		store, err := keabot.OpenStore(cmd.Context(), cfg, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("error initializing store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		result, err := keabot.ImportLegacyScores(cmd.Context(), store.Ledger, scores)
		if err != nil {
			return fmt.Errorf(
				"error importing scores (imported %d users before failing): %w",
				result.Users,
				err,
			)
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Imported %d users across %d servers\n",
			result.Users,
			result.Servers,
		)
		return nil
	},
}

var importImagesCmd = &cobra.Command{
	Use:   "images --server <id> <dir>",
	Short: "Import <dir>/<tag>/<file> images, tagging each with its directory name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importServerID == "" {
			return errors.New("--server is required")
		}

		store, err := keabot.OpenStore(cmd.Context(), cfg, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("error initializing store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		result, err := keabot.ImportMediaDirectory(
			cmd.Context(),
			store,
			importServerID,
			args[0],
			cfg.Media.AllowedTypes,
			cfg.Media.MaxAttachmentSize,
		)
		if err != nil {
			return fmt.Errorf("error importing images: %w", err)
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Imported %d files (%d skipped)\n",
			result.Files,
			result.Skipped,
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	importImagesCmd.Flags().StringVar(
		&importServerID,
		"server",
		"",
		"ID of the discord server the images belong to",
	)
	importCmd.AddCommand(importScoresCmd, importImagesCmd)
	rootCmd.AddCommand(importCmd)
}
