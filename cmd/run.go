package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UrBoiTom/DiscordBot/discordbot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects the bot to discord and starts the API, if enabled",
	Long: "Connects the bot to discord and starts the API, if enabled.\n" +
		"Send SIGHUP to reload the config file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		bot, err := discordbot.New(cfg, configLoader(configFile))
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if reloadErr := bot.Reload(ctx); reloadErr != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "error reloading config: %v\n", reloadErr)
					}
				}
			}
		}()

		if err = bot.Run(ctx); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
