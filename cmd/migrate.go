package cmd

import (
	"fmt"

	"github.com/UrBoiTom/DiscordBot/discordbot"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database and run migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DatabaseType == "" || cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE_TYPE and %s_DATABASE must be set",
				discordbot.DefaultEnvPrefix,
				discordbot.DefaultEnvPrefix,
			)
		}
		db, err := discordbot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations complete.")
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
}
